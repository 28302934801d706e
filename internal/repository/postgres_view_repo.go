package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// PostgresViewRepo はPostgreSQLを使用した閲覧記録リポジトリ。
type PostgresViewRepo struct {
	db *sql.DB
}

// NewPostgresViewRepo はPostgresViewRepoを生成する。
func NewPostgresViewRepo(db *sql.DB) *PostgresViewRepo {
	return &PostgresViewRepo{db: db}
}

// upsertViewQuery はユーザーとコンテンツの存在確認、期限判定、作成またはマージを1文で行う。
// 同一(user_id, item_id)への同時書き込みは主キー競合としてON CONFLICTで直列化され、
// どの順序で適用されても最大値マージの結果は同じになる。
// メッセージへの閲覧は送信者と受信者のものだけを受け付ける。
const upsertViewQuery = `
INSERT INTO view_records (user_id, item_id, first_viewed_at, last_viewed_at, duration_ms, percentage, client_meta)
SELECT u.id, c.id, $3, $3, $4, $5, $6::jsonb
FROM users u
JOIN content_items c ON c.id = $2
WHERE u.id = $1
  AND (c.expires_at IS NULL OR c.expires_at > $7)
  AND (c.kind = 'post' OR EXISTS (
    SELECT 1 FROM message_states m
    WHERE m.message_id = c.id AND (m.sender_id = u.id OR m.recipient_id = u.id)
  ))
ON CONFLICT (user_id, item_id) DO UPDATE SET
  first_viewed_at = LEAST(view_records.first_viewed_at, EXCLUDED.first_viewed_at),
  last_viewed_at  = GREATEST(view_records.last_viewed_at, EXCLUDED.last_viewed_at),
  duration_ms     = GREATEST(view_records.duration_ms, EXCLUDED.duration_ms),
  percentage      = GREATEST(view_records.percentage, EXCLUDED.percentage),
  client_meta     = EXCLUDED.client_meta
RETURNING (xmax = 0) AS created, (SELECT kind FROM content_items WHERE id = view_records.item_id) AS kind`

// Upsert は閲覧記録を作成またはマージする。
// ユーザーまたは有効なコンテンツが存在しない場合はApplied=falseを返す。
func (r *PostgresViewRepo) Upsert(ctx context.Context, record *model.ViewRecord, now time.Time) (ViewUpsertResult, error) {
	return upsertView(ctx, r.db, record, now)
}

func upsertView(ctx context.Context, q Querier, record *model.ViewRecord, now time.Time) (ViewUpsertResult, error) {
	meta, err := json.Marshal(record.ClientMeta)
	if err != nil {
		return ViewUpsertResult{}, fmt.Errorf("failed to marshal client meta: %w", err)
	}

	var (
		created bool
		kind    string
	)
	err = q.QueryRowContext(ctx, upsertViewQuery,
		record.UserID, record.ItemID, record.LastViewedAt,
		record.DurationMs, record.Percentage, string(meta), now,
	).Scan(&created, &kind)
	if err == sql.ErrNoRows {
		return ViewUpsertResult{}, nil
	}
	if err != nil {
		return ViewUpsertResult{}, wrapError(err, "failed to upsert view record")
	}
	return ViewUpsertResult{Applied: true, Created: created, Kind: model.ContentKind(kind)}, nil
}

// FindByUserAndItem は閲覧記録を取得する。見つからない場合はnilを返す。
func (r *PostgresViewRepo) FindByUserAndItem(ctx context.Context, userID, itemID string) (*model.ViewRecord, error) {
	rec := &model.ViewRecord{}
	var meta []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, item_id, first_viewed_at, last_viewed_at, duration_ms, percentage, client_meta
		 FROM view_records WHERE user_id = $1 AND item_id = $2`,
		userID, itemID,
	).Scan(&rec.UserID, &rec.ItemID, &rec.FirstViewedAt, &rec.LastViewedAt,
		&rec.DurationMs, &rec.Percentage, &meta)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "failed to find view record")
	}
	if len(meta) > 0 {
		// client_metaは診断用のため、壊れていても記録自体は返す
		_ = json.Unmarshal(meta, &rec.ClientMeta)
	}
	return rec, nil
}

// コンパイル時にインターフェース実装を検証
var _ ViewRepository = (*PostgresViewRepo)(nil)
