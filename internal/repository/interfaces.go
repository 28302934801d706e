// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はユーザーを登録する。既に存在する場合は表示名のみ更新する。
	Upsert(ctx context.Context, user *model.User) error
}

// ContentRepository は投稿・メッセージ本体の永続化インターフェース。
type ContentRepository interface {
	// Create はコンテンツを作成する。
	Create(ctx context.Context, item *model.ContentItem) error

	// FindByID は指定IDのコンテンツを取得する。見つからない場合はnilを返す。
	// 期限切れかどうかの判定は呼び出し側が行う。
	FindByID(ctx context.Context, id string) (*model.ContentItem, error)

	// ListUnseenPosts はuserIDがまだ閲覧していない、now時点で有効な投稿を
	// created_at DESC, id DESC の順で取得する。
	ListUnseenPosts(ctx context.Context, userID string, now time.Time, limit, offset int) ([]*model.ContentItem, error)
}

// ViewUpsertResult は閲覧記録のupsert結果。
type ViewUpsertResult struct {
	// Applied はユーザーとコンテンツが存在し、記録が書き込まれたかどうか。
	// falseの場合はユーザー未登録またはコンテンツ不在（期限切れを含む）。
	// 当事者以外によるメッセージへの閲覧もfalseになる。
	Applied bool
	// Created は新規作成の場合true、既存記録へのマージの場合false。
	Created bool
	// Kind は書き込み先コンテンツの種別。
	Kind model.ContentKind
}

// ViewRepository は閲覧記録の永続化インターフェース。
type ViewRepository interface {
	// Upsert は閲覧記録を1文で作成またはマージする。
	// 既存記録がある場合、duration_msとpercentageは大きい方、last_viewed_atは新しい方を保持する。
	// now時点で期限切れのコンテンツに対しては何も書き込まない。
	Upsert(ctx context.Context, record *model.ViewRecord, now time.Time) (ViewUpsertResult, error)

	// FindByUserAndItem は閲覧記録を取得する。見つからない場合はnilを返す。
	FindByUserAndItem(ctx context.Context, userID, itemID string) (*model.ViewRecord, error)
}

// MessageRepository はメッセージ状態の永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージ本体と初期状態を同一トランザクションで作成する。
	Create(ctx context.Context, msg *model.Message) error

	// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, messageID string) (*model.Message, error)

	// MarkViewed は状態がsentのメッセージのみをviewedへ遷移させる。
	// expiresAtがnilでない場合はコンテンツ本体の有効期限も同じ値に設定する。
	// 遷移した場合true、既に遷移済みの場合falseを返す。
	MarkViewed(ctx context.Context, messageID string, viewedAt time.Time, expiresAt *time.Time) (bool, error)

	// ListConversation はuserIDとpeerIDの間で交わされ、now時点で可視なメッセージを
	// beforeより前に作成されたものに限り、新しい順にlimit件取得する。
	ListConversation(ctx context.Context, userID, peerID string, now time.Time, before model.ConversationCursor, limit int) ([]*model.Message, error)
}

// Querier は*sql.DBと*sql.Txの共通インターフェース。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
