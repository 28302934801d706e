package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hitoshi/vanish/internal/model"
)

// pendingViewsSchema はSQLiteバッファのスキーマ。時刻はUnixナノ秒で保存する。
const pendingViewsSchema = `
CREATE TABLE IF NOT EXISTS pending_views (
    user_id         TEXT    NOT NULL,
    item_id         TEXT    NOT NULL,
    duration_ms     INTEGER NOT NULL,
    percentage      REAL    NOT NULL,
    viewed_at       INTEGER NOT NULL,
    client_meta     TEXT    NOT NULL DEFAULT '{}',
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (user_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_pending_views_next_attempt ON pending_views (next_attempt_at);
`

// SQLiteBuffer はローカルディスク上のSQLiteファイルに保存するBuffer。
// プロセスが終了しても未送信のイベントは失われない。
type SQLiteBuffer struct {
	db *sql.DB
}

// OpenSQLiteBuffer はpathのSQLiteデータベースを開き、スキーマを適用する。
// ファイルが存在しない場合は作成する。
func OpenSQLiteBuffer(path string) (*SQLiteBuffer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to buffer database: %w", err)
	}

	// SQLiteは同時に1つしか書き込めない
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(pendingViewsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply buffer schema: %w", err)
	}

	return &SQLiteBuffer{db: db}, nil
}

// Put はイベントを保存する。既存のエントリとは最大値でマージし、試行状態は維持する。
func (b *SQLiteBuffer) Put(ctx context.Context, userID string, ev model.ViewEvent, now time.Time) error {
	meta, err := json.Marshal(ev.ClientMeta)
	if err != nil {
		return fmt.Errorf("failed to marshal client meta: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO pending_views
		   (user_id, item_id, duration_ms, percentage, viewed_at, client_meta, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, item_id) DO UPDATE SET
		   duration_ms = MAX(duration_ms, excluded.duration_ms),
		   percentage  = MAX(percentage, excluded.percentage),
		   viewed_at   = MAX(viewed_at, excluded.viewed_at),
		   client_meta = excluded.client_meta,
		   version     = version + 1`,
		userID, ev.ItemID, ev.DurationMs, ev.Percentage, ev.ViewedAt.UnixNano(), string(meta), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to put pending view: %w", err)
	}
	return nil
}

// Due はnext_attempt_atがnow以前のエントリを返す。
func (b *SQLiteBuffer) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT user_id, item_id, duration_ms, percentage, viewed_at, client_meta,
		        attempts, next_attempt_at, version
		 FROM pending_views
		 WHERE next_attempt_at <= ?
		 ORDER BY user_id, item_id`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due views: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                Entry
			viewedAt, nextAt int64
			meta             string
		)
		if err := rows.Scan(&e.UserID, &e.Event.ItemID, &e.Event.DurationMs, &e.Event.Percentage,
			&viewedAt, &meta, &e.Attempts, &nextAt, &e.Version); err != nil {
			return nil, fmt.Errorf("failed to scan pending view: %w", err)
		}
		e.Event.ViewedAt = time.Unix(0, viewedAt).UTC()
		e.NextAttemptAt = time.Unix(0, nextAt).UTC()
		_ = json.Unmarshal([]byte(meta), &e.Event.ClientMeta)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending views: %w", err)
	}
	return entries, nil
}

// Delete はversionが一致する場合のみエントリを削除する。
func (b *SQLiteBuffer) Delete(ctx context.Context, userID, itemID string, version int64) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM pending_views WHERE user_id = ? AND item_id = ? AND version = ?`,
		userID, itemID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pending view: %w", err)
	}
	return nil
}

// Reschedule はversionが一致する場合のみ試行回数と次回試行時刻を更新する。
func (b *SQLiteBuffer) Reschedule(ctx context.Context, userID, itemID string, version int64, attempts int, next time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE pending_views SET attempts = ?, next_attempt_at = ?
		 WHERE user_id = ? AND item_id = ? AND version = ?`,
		attempts, next.UnixNano(), userID, itemID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule pending view: %w", err)
	}
	return nil
}

// Count は保存中のエントリ数を返す。
func (b *SQLiteBuffer) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_views`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending views: %w", err)
	}
	return n, nil
}

// Close はデータベースを閉じる。
func (b *SQLiteBuffer) Close() error {
	return b.db.Close()
}

// コンパイル時にインターフェース実装を検証
var _ Buffer = (*SQLiteBuffer)(nil)
