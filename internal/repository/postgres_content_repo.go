package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// PostgresContentRepo はPostgreSQLを使用したコンテンツリポジトリ。
type PostgresContentRepo struct {
	db *sql.DB
}

// NewPostgresContentRepo はPostgresContentRepoを生成する。
func NewPostgresContentRepo(db *sql.DB) *PostgresContentRepo {
	return &PostgresContentRepo{db: db}
}

const contentColumns = `id, author_id, kind, payload_text, media_url, expires_at, created_at`

// Create はコンテンツを作成する。
func (r *PostgresContentRepo) Create(ctx context.Context, item *model.ContentItem) error {
	if err := insertContent(ctx, r.db, item); err != nil {
		return wrapError(err, "failed to insert content item")
	}
	return nil
}

// FindByID は指定IDのコンテンツを取得する。見つからない場合はnilを返す。
func (r *PostgresContentRepo) FindByID(ctx context.Context, id string) (*model.ContentItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE id = $1`,
		id,
	)
	item, err := scanContent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "failed to find content item by ID")
	}
	return item, nil
}

// ListUnseenPosts は未閲覧かつnow時点で有効な投稿を取得する。
// 期限判定はJanitorの削除を待たずにクエリ自体で行う。
func (r *PostgresContentRepo) ListUnseenPosts(ctx context.Context, userID string, now time.Time, limit, offset int) ([]*model.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contentColumns+`
		 FROM content_items c
		 WHERE c.kind = 'post'
		   AND (c.expires_at IS NULL OR c.expires_at > $2)
		   AND NOT EXISTS (
		     SELECT 1 FROM view_records v
		     WHERE v.user_id = $1 AND v.item_id = c.id
		   )
		 ORDER BY c.created_at DESC, c.id DESC
		 LIMIT $3 OFFSET $4`,
		userID, now, limit, offset,
	)
	if err != nil {
		return nil, wrapError(err, "failed to list unseen posts")
	}
	defer rows.Close()

	items := []*model.ContentItem{}
	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return nil, wrapError(err, "failed to scan content item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(err, "failed to iterate content items")
	}
	return items, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*model.ContentItem, error) {
	item := &model.ContentItem{}
	var (
		kind      string
		mediaURL  sql.NullString
		expiresAt sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.AuthorID, &kind, &item.PayloadText,
		&mediaURL, &expiresAt, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Kind = model.ContentKind(kind)
	item.MediaURL = nullStringValue(mediaURL)
	item.ExpiresAt = nullTimePtr(expiresAt)
	return item, nil
}

func insertContent(ctx context.Context, q Querier, item *model.ContentItem) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO content_items (`+contentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.AuthorID, string(item.Kind), item.PayloadText,
		nullString(item.MediaURL), item.ExpiresAt, item.CreatedAt,
	)
	return err
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を返す。NULLの場合は空文字列。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// コンパイル時にインターフェース実装を検証
var _ ContentRepository = (*PostgresContentRepo)(nil)
