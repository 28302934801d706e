package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageSelect = `
SELECT c.id, c.author_id, c.kind, c.payload_text, c.media_url, c.expires_at, c.created_at,
       s.sender_id, s.recipient_id, s.owner, s.state, s.viewed_at, s.expires_at
FROM content_items c
JOIN message_states s ON s.message_id = c.id`

// Create はメッセージ本体と初期状態を同一トランザクションで作成する。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertContent(ctx, tx, &msg.ContentItem); err != nil {
		return wrapError(err, "failed to insert message content")
	}

	st := msg.State
	_, err = tx.ExecContext(ctx,
		`INSERT INTO message_states (message_id, sender_id, recipient_id, owner, state, viewed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.MessageID, st.SenderID, st.RecipientID, string(st.Owner), string(st.Status), st.ViewedAt, st.ExpiresAt,
	)
	if err != nil {
		return wrapError(err, "failed to insert message state")
	}

	if err := tx.Commit(); err != nil {
		return wrapError(err, "failed to commit transaction")
	}
	return nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, messageID string) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx, messageSelect+` WHERE c.id = $1`, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "failed to find message by ID")
	}
	return msg, nil
}

// MarkViewed はsent状態のメッセージのみをviewedへ遷移させる。
// 条件付きUPDATEのため、同時に複数回呼ばれても遷移するのは1回だけで、
// 既存の有効期限がリセットされることはない。
func (r *PostgresMessageRepo) MarkViewed(ctx context.Context, messageID string, viewedAt time.Time, expiresAt *time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapError(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE message_states
		 SET state = 'viewed', viewed_at = $2, expires_at = $3
		 WHERE message_id = $1 AND state = 'sent'`,
		messageID, viewedAt, expiresAt,
	)
	if err != nil {
		return false, wrapError(err, "failed to mark message viewed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapError(err, "failed to get rows affected")
	}
	if affected == 0 {
		return false, nil
	}

	if expiresAt != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_items SET expires_at = $2 WHERE id = $1`,
			messageID, expiresAt,
		); err != nil {
			return false, wrapError(err, "failed to set message content expiry")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, wrapError(err, "failed to commit transaction")
	}
	return true, nil
}

// minUUID はカーソルのIDが未指定のときに使う最小値。
// (t, minUUID)より小さい組はcreated_atがtより前のものだけになる。
const minUUID = "00000000-0000-0000-0000-000000000000"

// ListConversation は2ユーザー間の可視なメッセージを新しい順に取得する。
// 期限切れの判定はJanitorの状態更新を待たずにクエリ自体で行う。
// beforeはORDER BYと同じ(created_at, id)の組で比較する。
func (r *PostgresMessageRepo) ListConversation(ctx context.Context, userID, peerID string, now time.Time, before model.ConversationCursor, limit int) ([]*model.Message, error) {
	beforeID := before.ID
	if beforeID == "" {
		beforeID = minUUID
	}
	rows, err := r.db.QueryContext(ctx,
		messageSelect+`
		 WHERE ((s.sender_id = $1 AND s.recipient_id = $2) OR (s.sender_id = $2 AND s.recipient_id = $1))
		   AND s.state <> 'expired'
		   AND (s.owner = 'system' OR s.expires_at IS NULL OR s.expires_at > $3)
		   AND (c.created_at, c.id) < ($4, $5::uuid)
		 ORDER BY c.created_at DESC, c.id DESC
		 LIMIT $6`,
		userID, peerID, now, before.CreatedAt, beforeID, limit,
	)
	if err != nil {
		return nil, wrapError(err, "failed to list conversation")
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrapError(err, "failed to scan message")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "failed to iterate messages")
	}
	return msgs, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	msg := &model.Message{}
	var (
		kind, owner, state    string
		mediaURL              sql.NullString
		itemExpiresAt         sql.NullTime
		viewedAt, stExpiresAt sql.NullTime
	)
	if err := row.Scan(
		&msg.ID, &msg.AuthorID, &kind, &msg.PayloadText, &mediaURL, &itemExpiresAt, &msg.CreatedAt,
		&msg.State.SenderID, &msg.State.RecipientID, &owner, &state, &viewedAt, &stExpiresAt,
	); err != nil {
		return nil, err
	}
	msg.Kind = model.ContentKind(kind)
	msg.MediaURL = nullStringValue(mediaURL)
	msg.ContentItem.ExpiresAt = nullTimePtr(itemExpiresAt)
	msg.State.MessageID = msg.ID
	msg.State.Owner = model.MessageOwner(owner)
	msg.State.Status = model.MessageStatus(state)
	msg.State.ViewedAt = nullTimePtr(viewedAt)
	msg.State.ExpiresAt = nullTimePtr(stExpiresAt)
	return msg, nil
}

// コンパイル時にインターフェース実装を検証
var _ MessageRepository = (*PostgresMessageRepo)(nil)
