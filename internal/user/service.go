// Package user はユーザー登録のドメインロジックを提供する。
//
// 認証は上流のゲートウェイが担う。ここでは閲覧者の存在確認ができるよう、
// ゲートウェイが払い出したユーザーIDを冪等に登録する。
package user

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/vanish/internal/model"
	"github.com/hitoshi/vanish/internal/repository"
	"github.com/hitoshi/vanish/internal/security"
)

// MaxDisplayNameLength は表示名の最大文字数（rune単位）。
const MaxDisplayNameLength = 64

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo  repository.UserRepository
	sanitizer security.TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{
		userRepo:  userRepo,
		sanitizer: sanitizer,
	}
}

// Register はユーザーを登録する。既に登録済みの場合は表示名のみ更新する。
// 何度呼び出しても結果は同じになる。
func (s *Service) Register(ctx context.Context, userID, displayName string) (*model.User, error) {
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return nil, model.NewInvalidArgumentError("user_id must be a UUID")
	}

	name := s.sanitizer.Sanitize(displayName)
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return nil, model.NewInvalidArgumentError("display_name is too long")
	}

	u := &model.User{ID: parsed.String(), DisplayName: name}
	if err := s.userRepo.Upsert(ctx, u); err != nil {
		return nil, err
	}

	slog.Debug("ユーザーを登録しました", slog.String("user_id", u.ID))
	return u, nil
}
