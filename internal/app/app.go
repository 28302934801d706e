package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/config"
	"github.com/hitoshi/vanish/internal/database"
	"github.com/hitoshi/vanish/internal/feed"
	"github.com/hitoshi/vanish/internal/handler"
	"github.com/hitoshi/vanish/internal/item"
	"github.com/hitoshi/vanish/internal/lock"
	"github.com/hitoshi/vanish/internal/logger"
	"github.com/hitoshi/vanish/internal/message"
	"github.com/hitoshi/vanish/internal/metrics"
	"github.com/hitoshi/vanish/internal/middleware"
	"github.com/hitoshi/vanish/internal/repository"
	"github.com/hitoshi/vanish/internal/security"
	"github.com/hitoshi/vanish/internal/sink"
	"github.com/hitoshi/vanish/internal/user"
	"github.com/hitoshi/vanish/internal/view"
	"github.com/hitoshi/vanish/internal/worker/janitor"
)

// webhookTimeout は分析Webhookへの1リクエストあたりのタイムアウト。
const webhookTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envファイルの読み込み（存在しない場合は環境変数のみを使う）
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn(".envファイルの読み込みに失敗しました", slog.String("error", err.Error()))
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Duration("grace_period", cfg.GracePeriod),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandJanitor:
		return runJanitorOnce(cfg)
	case CommandMigrate:
		return runMigrate(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newMetricsRegistry はGo/プロセスのメトリクスを含むレジストリとCollectorを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newPublisher は設定に応じた分析イベントの送信先を返す。
// AMQP、Webhookのどちらも未設定の場合はnilを返す。
func newPublisher(cfg *config.Config, guard security.URLGuard) (sink.Publisher, error) {
	switch {
	case cfg.AMQPURL != "":
		p, err := sink.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		return p, nil
	case cfg.AnalyticsWebhookURL != "":
		if err := guard.ValidateURL(cfg.AnalyticsWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid ANALYTICS_WEBHOOK_URL: %w", err)
		}
		return sink.NewWebhookPublisher(guard.NewSafeClient(webhookTimeout), cfg.AnalyticsWebhookURL), nil
	}
	return nil, nil
}

// newRateLimiterConfig は設定値（req/min）をレートリミッターの設定（req/sec）に変換する。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	}
	if cfg.RateLimitSend > 0 {
		rlCfg.SendRate = rate.Limit(float64(cfg.RateLimitSend) / 60.0)
	}
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	contentRepo := repository.NewPostgresContentRepo(db)
	viewRepo := repository.NewPostgresViewRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)

	// 3. 共通コンポーネントの初期化
	clk := clock.Real()
	sanitizer := security.NewTextSanitizer()
	urlGuard := security.NewURLGuard()
	registry, collector := newMetricsRegistry()

	// 4. 分析イベントの送信先
	var viewSink sink.ViewSink = sink.Nop{}
	publisher, err := newPublisher(cfg, urlGuard)
	if err != nil {
		return fmt.Errorf("failed to set up analytics sink: %w", err)
	}
	if publisher != nil {
		dispatcher := sink.NewDispatcher(publisher, cfg.SinkBufferSize, slog.Default(), collector.RecordSinkDropped)
		go dispatcher.Run(ctx)
		defer func() {
			// CloseはRunの終了を待つため、先にctxを止める
			cancel()
			if err := dispatcher.Close(); err != nil {
				slog.Warn("failed to close analytics sink", slog.String("error", err.Error()))
			}
		}()
		viewSink = dispatcher
	}

	// 5. ドメインサービスの初期化
	registrar := view.NewRegistrar(userRepo, viewRepo, clk, view.Config{
		BatchMax:    cfg.ViewBatchMax,
		Concurrency: cfg.ViewBatchConcurrency,
		Sink:        viewSink,
		Metrics:     collector,
		Logger:      slog.Default(),
	})
	feedService := feed.NewFeedService(userRepo, contentRepo, clk, cfg.FeedDefaultLimit, cfg.FeedMaxLimit)
	messageService := message.NewMessageService(userRepo, messageRepo, registrar, sanitizer, urlGuard, clk, message.Config{
		GracePeriod: cfg.GracePeriod,
		Metrics:     collector,
		Logger:      slog.Default(),
	})
	registrar.SetMessageLifecycle(messageService)
	userService := user.NewService(userRepo, sanitizer)
	itemService := item.NewItemService(userRepo, contentRepo, sanitizer, urlGuard, clk)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(newRateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		Metrics:            collector,
		MetricsGatherer:    registry,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		SystemToken:        cfg.SystemToken,
		HealthChecker:      db,
		Clock:              clk,

		UserService:    userService,
		ItemService:    itemService,
		FeedService:    feedService,
		ViewService:    registrar,
		MessageService: messageService,
		SystemSenderID: cfg.SystemSenderID,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serveUntilSignal(server); err != nil {
		return err
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// serveUntilSignal はserverを起動し、SIGINTまたはSIGTERMを受信したらシャットダウンする。
// 起動に失敗した場合はシグナルを待たずにエラーを返す。
func serveUntilSignal(server *http.Server) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// newLocker はRedisが設定されていれば分散ロックを返す。
// 未設定または接続できない場合はロックなしで動作する。
func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func()) {
	if cfg.RedisAddr == "" {
		return lock.Noop{}, func() {}
	}
	l, err := lock.NewRedisLockFromAddr(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Warn("Redisに接続できないため、ロックなしでJanitorを実行します",
			slog.String("redis_addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
		return lock.Noop{}, func() {}
	}
	return l, func() { l.Close() }
}

// newJanitor は設定からJanitorを構築する。
func newJanitor(db *sql.DB, cfg *config.Config, locker lock.Locker, collector metrics.MetricsCollector) *janitor.Janitor {
	return janitor.NewJanitor(janitor.NewSQLStore(db), clock.Real(), slog.Default(), janitor.Config{
		Interval:  cfg.JanitorInterval,
		Retention: cfg.RetentionWindow,
		Locker:    locker,
		Metrics:   collector,
	})
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、Janitorを定期実行する。/healthと/metricsも公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. ロックとメトリクス
	locker, closeLocker := newLocker(ctx, cfg)
	defer closeLocker()
	registry, collector := newMetricsRegistry()

	// 3. Janitorをバックグラウンドで起動
	j := newJanitor(db, cfg, locker, collector)
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Start(ctx)
	}()

	slog.Info("worker starting",
		slog.Duration("janitor_interval", j.Interval),
		slog.Duration("retention_window", j.Retention),
	)

	// 4. 監視用のHTTPサーバー
	r := chi.NewRouter()
	r.Get("/health", handler.HealthHandler(db))
	r.Handle("/metrics", metrics.Handler(registry))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	err = serveUntilSignal(server)
	cancel()
	<-done
	if err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runJanitorOnce はJanitorを1回だけ実行して終了する。cronや運用作業向け。
func runJanitorOnce(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	locker, closeLocker := newLocker(ctx, cfg)
	defer closeLocker()

	if err := newJanitor(db, cfg, locker, metrics.Nop{}).Run(ctx); err != nil {
		return fmt.Errorf("janitor failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしの場合はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, args []string) error {
	action, steps, err := ParseMigrateArgs(args)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("current schema version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
