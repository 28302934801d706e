// Package feed は未閲覧フィードの取得（Feed Query Engine）を提供する。
package feed

import (
	"context"

	"github.com/google/uuid"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/model"
	"github.com/hitoshi/vanish/internal/repository"
)

const (
	// DefaultLimit はlimit未指定時の取得件数。
	DefaultLimit = 20
	// MaxLimit はlimitの上限。
	MaxLimit = 100
)

// FeedService はユーザーごとの未閲覧フィードを返す。
// 読み取り専用で、閲覧記録の書き込みは行わない。
type FeedService struct {
	users        repository.UserRepository
	items        repository.ContentRepository
	clock        clock.Clock
	defaultLimit int
	maxLimit     int
}

// NewFeedService はFeedServiceの新しいインスタンスを生成する。
// defaultLimit、maxLimitが0以下の場合はDefaultLimit、MaxLimitを使用する。
func NewFeedService(
	users repository.UserRepository,
	items repository.ContentRepository,
	clk clock.Clock,
	defaultLimit, maxLimit int,
) *FeedService {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &FeedService{
		users:        users,
		items:        items,
		clock:        clk,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// GetUnseenItems はuserIDがまだ閲覧しておらず、現在時刻で期限切れでない投稿を
// 新しい順に返す。自分自身の投稿も除外しない。
// limitが0の場合はデフォルト件数、上限を超える場合は上限に切り詰める。
// offsetが負の場合、およびユーザーが存在しない場合はエラーを返す。
func (s *FeedService) GetUnseenItems(ctx context.Context, userID string, limit, offset int) ([]*model.ContentItem, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, model.NewInvalidArgumentError("user_id must be a UUID")
	}
	if offset < 0 {
		return nil, model.NewInvalidArgumentError("offset must not be negative")
	}
	if limit < 0 {
		return nil, model.NewInvalidArgumentError("limit must not be negative")
	}
	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}

	return s.items.ListUnseenPosts(ctx, userID, s.clock.Now(), limit, offset)
}
