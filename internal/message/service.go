// Package message はダイレクトメッセージのライフサイクル（送信、閲覧、消滅）を管理する。
//
// 人間が送信したメッセージは受信者の初回閲覧から猶予期間の経過後に誰からも見えなくなる。
// システムが送信したメッセージは閲覧後も会話履歴として残る。
// 可視判定は読み取りのたびに注入された時計で評価し、Janitorによる物理削除を待たない。
package message

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/metrics"
	"github.com/hitoshi/vanish/internal/model"
	"github.com/hitoshi/vanish/internal/repository"
	"github.com/hitoshi/vanish/internal/security"
)

const (
	// DefaultGracePeriod は閲覧から消滅までの猶予期間のデフォルト値。
	DefaultGracePeriod = 10 * time.Second
	// DefaultConversationLimit は会話取得の件数のデフォルト値。
	DefaultConversationLimit = 50
	// MaxConversationLimit は会話取得の件数の上限。
	MaxConversationLimit = 100
)

// latest はbefore未指定時のカーソル。
var latest = model.ConversationCursor{
	CreatedAt: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	ID:        "ffffffff-ffff-ffff-ffff-ffffffffffff",
}

// ViewRecorder は閲覧記録の登録先。view.Registrarが満たす。
// RecordViewはメッセージのライフサイクルを呼び返さない。
type ViewRecorder interface {
	RecordView(ctx context.Context, userID, itemID string, durationMs int64, percentage float64, meta model.ClientMeta) (bool, error)
}

// URLValidator はmedia_urlの検証を行う。security.URLGuardが満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Config はMessageServiceの設定。
type Config struct {
	GracePeriod time.Duration
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
}

// MessageService はメッセージの状態遷移を担う唯一のコンポーネント。
type MessageService struct {
	users     repository.UserRepository
	messages  repository.MessageRepository
	views     ViewRecorder
	sanitizer security.TextSanitizer
	urls      URLValidator
	clock     clock.Clock

	grace   time.Duration
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewMessageService はMessageServiceの新しいインスタンスを生成する。
func NewMessageService(
	users repository.UserRepository,
	messages repository.MessageRepository,
	views ViewRecorder,
	sanitizer security.TextSanitizer,
	urls URLValidator,
	clk clock.Clock,
	cfg Config,
) *MessageService {
	s := &MessageService{
		users:     users,
		messages:  messages,
		views:     views,
		sanitizer: sanitizer,
		urls:      urls,
		clock:     clk,
		grace:     cfg.GracePeriod,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SendMessage はメッセージ本体と初期状態（sent）を作成し、メッセージIDを返す。
// 人間のメッセージは送信者と受信者の両方が登録済みである必要がある。
// システムのメッセージは受信者のみ確認する。
func (s *MessageService) SendMessage(
	ctx context.Context,
	senderID, recipientID string,
	payload model.Payload,
	owner model.MessageOwner,
) (string, error) {
	if !owner.Valid() {
		return "", model.NewInvalidArgumentError("unknown message owner")
	}
	if _, err := uuid.Parse(senderID); err != nil {
		return "", model.NewInvalidArgumentError("sender_id must be a UUID")
	}
	if _, err := uuid.Parse(recipientID); err != nil {
		return "", model.NewInvalidArgumentError("recipient_id must be a UUID")
	}

	text := s.sanitizer.Sanitize(payload.Text)
	if text == "" && payload.MediaURL == "" {
		return "", model.NewInvalidArgumentError("message must have text or media")
	}
	if payload.MediaURL != "" {
		if err := s.urls.ValidateURL(payload.MediaURL); err != nil {
			return "", model.NewInvalidArgumentError("media_url is not allowed: " + err.Error())
		}
	}

	if owner == model.OwnerHuman {
		if err := s.requireUser(ctx, senderID); err != nil {
			return "", err
		}
	}
	if err := s.requireUser(ctx, recipientID); err != nil {
		return "", err
	}

	id := uuid.New().String()
	msg := &model.Message{
		ContentItem: model.ContentItem{
			ID:          id,
			AuthorID:    senderID,
			Kind:        model.ContentKindMessage,
			PayloadText: text,
			MediaURL:    payload.MediaURL,
			CreatedAt:   s.clock.Now(),
		},
		State: model.MessageState{
			MessageID:   id,
			SenderID:    senderID,
			RecipientID: recipientID,
			Owner:       owner,
			Status:      model.MessageSent,
		},
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return "", err
	}

	s.metrics.RecordMessageTransition(string(owner), string(model.MessageSent))
	return id, nil
}

// MarkViewed は受信者による閲覧を記録する。
// 初回のみsentからviewedへ遷移し、人間のメッセージには有効期限が設定される。
// 2回目以降の呼び出しや期限切れ後の呼び出しは何もせず成功を返す。
func (s *MessageService) MarkViewed(ctx context.Context, messageID, viewerID string) error {
	if _, err := uuid.Parse(messageID); err != nil {
		return model.NewInvalidArgumentError("message_id must be a UUID")
	}

	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return model.NewMessageNotFoundError(messageID)
	}
	if msg.State.RecipientID != viewerID {
		return model.NewForbiddenError("only the recipient can mark a message as viewed")
	}
	if msg.State.Status != model.MessageSent {
		return nil
	}

	// 状態遷移より先に閲覧記録を書く。遷移に失敗した場合の再試行でもマージされるだけで済む。
	if _, err := s.views.RecordView(ctx, viewerID, messageID, 0, model.MaxPercentage, model.ClientMeta{}); err != nil {
		return err
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if t, ok := msg.State.Owner.ExpiresAt(now, s.grace); ok {
		expiresAt = &t
	}

	transitioned, err := s.messages.MarkViewed(ctx, messageID, now, expiresAt)
	if err != nil {
		return err
	}
	if transitioned {
		s.metrics.RecordMessageTransition(string(msg.State.Owner), string(model.MessageViewed))
		s.logger.Debug("message viewed",
			slog.String("message_id", messageID),
			slog.String("owner", string(msg.State.Owner)),
		)
	}
	return nil
}

// ListConversation はviewerとpeerの間で交わされた、現在可視なメッセージを新しい順に返す。
// beforeがゼロ値の場合は最新から取得する。
// 次のページは、返されたページの最後のメッセージのCreatedAtとIDをbeforeに渡して取得する。
func (s *MessageService) ListConversation(
	ctx context.Context,
	viewerID, peerID string,
	limit int,
	before model.ConversationCursor,
) ([]*model.Message, error) {
	if _, err := uuid.Parse(viewerID); err != nil {
		return nil, model.NewInvalidArgumentError("user_id must be a UUID")
	}
	if _, err := uuid.Parse(peerID); err != nil {
		return nil, model.NewInvalidArgumentError("peer_id must be a UUID")
	}
	if limit < 0 {
		return nil, model.NewInvalidArgumentError("limit must not be negative")
	}
	if limit == 0 {
		limit = DefaultConversationLimit
	}
	if limit > MaxConversationLimit {
		limit = MaxConversationLimit
	}
	if before.ID != "" {
		if before.IsZero() {
			return nil, model.NewInvalidArgumentError("before_id requires before")
		}
		if _, err := uuid.Parse(before.ID); err != nil {
			return nil, model.NewInvalidArgumentError("before_id must be a UUID")
		}
	}
	if before.IsZero() {
		before = latest
	}

	if err := s.requireUser(ctx, viewerID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	msgs, err := s.messages.ListConversation(ctx, viewerID, peerID, now, before, limit)
	if err != nil {
		return nil, err
	}

	visible := msgs[:0]
	for _, m := range msgs {
		if m.State.VisibleAt(now) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// GetMessage はメッセージを1件返す。
// 当事者以外はForbidden、現在不可視のメッセージはNotFoundになる。
func (s *MessageService) GetMessage(ctx context.Context, viewerID, messageID string) (*model.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return nil, model.NewInvalidArgumentError("message_id must be a UUID")
	}

	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, model.NewMessageNotFoundError(messageID)
	}
	if viewerID != msg.State.SenderID && viewerID != msg.State.RecipientID {
		return nil, model.NewForbiddenError("not a participant of this conversation")
	}
	if !msg.State.VisibleAt(s.clock.Now()) {
		return nil, model.NewMessageNotFoundError(messageID)
	}
	return msg, nil
}

func (s *MessageService) requireUser(ctx context.Context, userID string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return model.NewUserNotFoundError(userID)
	}
	return nil
}
