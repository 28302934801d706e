package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Expiration
	GracePeriod     time.Duration
	RetentionWindow time.Duration
	JanitorInterval time.Duration

	// View registration
	ViewBatchMax         int
	ViewBatchConcurrency int

	// Feed
	FeedDefaultLimit int
	FeedMaxLimit     int

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitSend    int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigins []string

	// System messages
	SystemSenderID string
	SystemToken    string

	// Janitor lock
	RedisAddr string

	// Analytics sink
	AMQPURL             string
	AMQPExchange        string
	AnalyticsWebhookURL string
	SinkBufferSize      int

	// Logging
	LogLevel string
}

// LoadDotEnv はローカル開発用に.envファイルを環境変数へ読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、および値が不正な場合はエラーを返す。
// 数値・期間として解釈できない値はデフォルト値になる。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.GracePeriod = getEnvDuration("GRACE_PERIOD", 10*time.Second)
	cfg.RetentionWindow = getEnvDuration("RETENTION_WINDOW", 7*24*time.Hour)
	cfg.JanitorInterval = getEnvDuration("JANITOR_INTERVAL", time.Minute)
	cfg.ViewBatchMax = getEnvInt("VIEW_BATCH_MAX", 500)
	cfg.ViewBatchConcurrency = getEnvInt("VIEW_BATCH_CONCURRENCY", 8)
	cfg.FeedDefaultLimit = getEnvInt("FEED_DEFAULT_LIMIT", 20)
	cfg.FeedMaxLimit = getEnvInt("FEED_MAX_LIMIT", 100)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 600)
	cfg.RateLimitSend = getEnvInt("RATE_LIMIT_SEND", 60)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS")
	cfg.SystemSenderID = getEnvString("SYSTEM_SENDER_ID", "")
	cfg.SystemToken = getEnvString("SYSTEM_TOKEN", "")
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.AMQPURL = getEnvString("AMQP_URL", "")
	cfg.AMQPExchange = getEnvString("AMQP_EXCHANGE", "vanish.events")
	cfg.AnalyticsWebhookURL = getEnvString("ANALYTICS_WEBHOOK_URL", "")
	cfg.SinkBufferSize = getEnvInt("SINK_BUFFER_SIZE", 1024)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	var errs []error
	if c.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("GRACE_PERIOD must be positive: %s", c.GracePeriod))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION_WINDOW must be positive: %s", c.RetentionWindow))
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("JANITOR_INTERVAL must be positive: %s", c.JanitorInterval))
	}
	if c.SystemSenderID != "" {
		if _, err := uuid.Parse(c.SystemSenderID); err != nil {
			errs = append(errs, fmt.Errorf("SYSTEM_SENDER_ID must be a UUID: %q", c.SystemSenderID))
		}
	}
	return errors.Join(errs...)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
