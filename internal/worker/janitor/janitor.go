// Package janitor は期限切れコンテンツの状態確定と物理削除を行うバックグラウンドジョブを提供する。
//
// 読み取り経路は自前で期限判定を行うため、Janitorの実行間隔は可視性の正しさに影響しない。
// すべてのステップは冪等で、複数のワーカーが同時に実行しても結果は変わらない。
package janitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/lock"
	"github.com/hitoshi/vanish/internal/metrics"
)

const (
	// DefaultInterval は定期実行の間隔のデフォルト値。
	DefaultInterval = time.Minute
	// DefaultRetention は期限切れコンテンツの閲覧記録を保持する期間のデフォルト値。
	DefaultRetention = 7 * 24 * time.Hour

	lockKey = "janitor"
)

// ステップ名（ログとメトリクスのラベル）
const (
	StepExpireMessages = "expire_messages"
	StepTombstone      = "tombstone_items"
	StepDeleteItems    = "delete_items"
	StepDeleteStates   = "delete_expired_states"
	StepPurgeViews     = "purge_view_records"
	StepPurgeTombstone = "purge_tombstones"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store はJanitorが使用するデータベース操作。
type Store interface {
	Executor
	// InTx はfnを1つのトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
	InTx(ctx context.Context, fn func(tx Executor) error) error
}

// sqlStore は*sql.DBをStoreとして扱うアダプタ。
type sqlStore struct {
	*sql.DB
}

// NewSQLStore は*sql.DBからStoreを生成する。
func NewSQLStore(db *sql.DB) Store {
	return sqlStore{DB: db}
}

func (s sqlStore) InTx(ctx context.Context, fn func(tx Executor) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Config はJanitorの設定。ゼロ値のフィールドはデフォルト値になる。
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	Locker    lock.Locker
	Metrics   metrics.MetricsCollector
}

// Janitor は期限切れデータの後始末を行うジョブ。
type Janitor struct {
	db      Store
	clock   clock.Clock
	logger  *slog.Logger
	locker  lock.Locker
	metrics metrics.MetricsCollector

	Interval  time.Duration
	Retention time.Duration
}

// NewJanitor は新しいJanitorを生成する。
func NewJanitor(db Store, clk clock.Clock, logger *slog.Logger, cfg Config) *Janitor {
	j := &Janitor{
		db:        db,
		clock:     clk,
		logger:    logger,
		locker:    cfg.Locker,
		metrics:   cfg.Metrics,
		Interval:  cfg.Interval,
		Retention: cfg.Retention,
	}
	if j.Interval <= 0 {
		j.Interval = DefaultInterval
	}
	if j.Retention <= 0 {
		j.Retention = DefaultRetention
	}
	if j.locker == nil {
		j.locker = lock.Noop{}
	}
	if j.metrics == nil {
		j.metrics = metrics.Nop{}
	}
	return j
}

// Start は起動直後に1回実行し、以後Intervalごとに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	j.logger.Info("Janitorを開始しました",
		slog.Duration("interval", j.Interval),
		slog.Duration("retention", j.Retention),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Janitorを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Janitor) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("Janitorの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// Run は1回分の後始末を実行する。
//  1. 猶予期間を過ぎた人間のメッセージをexpiredに確定する
//  2. 期限切れのコンテンツのtombstoneを書き、コンテンツとexpired状態を削除する
//  3. 保持期間を過ぎたtombstoneの閲覧記録とtombstone自体を削除する
//
// 他のワーカーがロックを保持している場合は何もしない。
// ロック基盤の障害時はロックなしで実行する。
func (j *Janitor) Run(ctx context.Context) error {
	release, err := j.locker.Acquire(ctx, lockKey, j.Interval)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		j.logger.Info("他のワーカーが実行中のためJanitorをスキップします")
		return nil
	case err != nil:
		j.logger.Warn("ロックを取得できないためロックなしで実行します", slog.String("error", err.Error()))
	default:
		defer release()
	}

	start := time.Now()
	now := j.clock.Now()
	counts := map[string]int64{}

	n, err := exec(ctx, j.db,
		`UPDATE message_states SET state = 'expired'
		 WHERE owner = 'human' AND state = 'viewed' AND expires_at <= $1`, now)
	if err != nil {
		return j.fail(StepExpireMessages, err)
	}
	counts[StepExpireMessages] = n

	err = j.db.InTx(ctx, func(tx Executor) error {
		n, err := exec(ctx, tx,
			`INSERT INTO item_tombstones (item_id, expired_at)
			 SELECT id, expires_at FROM content_items
			 WHERE expires_at IS NOT NULL AND expires_at <= $1
			 ON CONFLICT (item_id) DO NOTHING`, now)
		if err != nil {
			return stepError{StepTombstone, err}
		}
		counts[StepTombstone] = n

		// message_statesはON DELETE CASCADEで削除される
		n, err = exec(ctx, tx,
			`DELETE FROM content_items WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
		if err != nil {
			return stepError{StepDeleteItems, err}
		}
		counts[StepDeleteItems] = n

		n, err = exec(ctx, tx, `DELETE FROM message_states WHERE state = 'expired'`)
		if err != nil {
			return stepError{StepDeleteStates, err}
		}
		counts[StepDeleteStates] = n
		return nil
	})
	if err != nil {
		return j.failTx(err)
	}

	cutoff := now.Add(-j.Retention)
	err = j.db.InTx(ctx, func(tx Executor) error {
		n, err := exec(ctx, tx,
			`DELETE FROM view_records v USING item_tombstones t
			 WHERE v.item_id = t.item_id AND t.expired_at < $1`, cutoff)
		if err != nil {
			return stepError{StepPurgeViews, err}
		}
		counts[StepPurgeViews] = n

		n, err = exec(ctx, tx, `DELETE FROM item_tombstones WHERE expired_at < $1`, cutoff)
		if err != nil {
			return stepError{StepPurgeTombstone, err}
		}
		counts[StepPurgeTombstone] = n
		return nil
	})
	if err != nil {
		return j.failTx(err)
	}

	for step, n := range counts {
		j.metrics.RecordJanitorDeleted(step, n)
	}
	j.logger.Info("Janitorが完了しました",
		slog.Int64("expired_messages", counts[StepExpireMessages]),
		slog.Int64("deleted_items", counts[StepDeleteItems]),
		slog.Int64("deleted_states", counts[StepDeleteStates]),
		slog.Int64("purged_view_records", counts[StepPurgeViews]),
		slog.Int64("purged_tombstones", counts[StepPurgeTombstone]),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// stepError は失敗したステップ名を保持する。
type stepError struct {
	step string
	err  error
}

func (e stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e stepError) Unwrap() error { return e.err }

func (j *Janitor) failTx(err error) error {
	var se stepError
	if errors.As(err, &se) {
		return j.fail(se.step, se.err)
	}
	return j.fail("transaction", err)
}

func (j *Janitor) fail(step string, err error) error {
	j.logger.Error("Janitorのステップが失敗しました",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("janitor step %s failed: %w", step, err)
}

func exec(ctx context.Context, db Executor, query string, args ...any) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
