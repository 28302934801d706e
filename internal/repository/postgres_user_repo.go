package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/vanish/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err, "failed to find user by ID")
	}

	return user, nil
}

// Upsert はユーザーを登録する。既に存在する場合は表示名のみ更新し、created_atは維持する。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, display_name, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		 RETURNING created_at`,
		user.ID, user.DisplayName, user.CreatedAt,
	).Scan(&user.CreatedAt)
	if err != nil {
		return wrapError(err, "failed to upsert user")
	}
	return nil
}

// コンパイル時にインターフェース実装を検証
var _ UserRepository = (*PostgresUserRepo)(nil)
