// Package item は投稿の作成を提供する。
//
// 投稿の作成は本サービスの主目的ではなく、フィードと閲覧記録を動かすための最小限の入口。
package item

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/model"
	"github.com/hitoshi/vanish/internal/repository"
	"github.com/hitoshi/vanish/internal/security"
)

// MaxPostTTL は投稿に指定できる有効期間の上限。
const MaxPostTTL = 30 * 24 * time.Hour

// URLValidator はmedia_urlの検証を行う。security.URLGuardが満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ItemService は投稿作成のサービス。
type ItemService struct {
	users     repository.UserRepository
	items     repository.ContentRepository
	sanitizer security.TextSanitizer
	urls      URLValidator
	clock     clock.Clock
}

// NewItemService はItemServiceの新しいインスタンスを生成する。
func NewItemService(
	users repository.UserRepository,
	items repository.ContentRepository,
	sanitizer security.TextSanitizer,
	urls URLValidator,
	clk clock.Clock,
) *ItemService {
	return &ItemService{
		users:     users,
		items:     items,
		sanitizer: sanitizer,
		urls:      urls,
		clock:     clk,
	}
}

// CreatePost は投稿を作成する。
// ttlが0の場合は無期限、正の場合は作成時刻からttl経過後に全員から不可視になる。
func (s *ItemService) CreatePost(ctx context.Context, authorID string, payload model.Payload, ttl time.Duration) (*model.ContentItem, error) {
	if _, err := uuid.Parse(authorID); err != nil {
		return nil, model.NewInvalidArgumentError("author_id must be a UUID")
	}
	if ttl < 0 || ttl > MaxPostTTL {
		return nil, model.NewInvalidArgumentError("ttl is out of range")
	}

	text := s.sanitizer.Sanitize(payload.Text)
	if text == "" && payload.MediaURL == "" {
		return nil, model.NewInvalidArgumentError("post must have text or media")
	}
	if payload.MediaURL != "" {
		if err := s.urls.ValidateURL(payload.MediaURL); err != nil {
			return nil, model.NewInvalidArgumentError("media_url is not allowed: " + err.Error())
		}
	}

	author, err := s.users.FindByID(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if author == nil {
		return nil, model.NewUserNotFoundError(authorID)
	}

	now := s.clock.Now()
	post := &model.ContentItem{
		ID:          uuid.New().String(),
		AuthorID:    authorID,
		Kind:        model.ContentKindPost,
		PayloadText: text,
		MediaURL:    payload.MediaURL,
		CreatedAt:   now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		post.ExpiresAt = &expires
	}

	if err := s.items.Create(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}
