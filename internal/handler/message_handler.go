package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/model"
)

// MessageServiceInterface はメッセージハンドラーが必要とするサービスインターフェース。
type MessageServiceInterface interface {
	SendMessage(ctx context.Context, senderID, recipientID string, payload model.Payload, owner model.MessageOwner) (string, error)
	MarkViewed(ctx context.Context, messageID, viewerID string) error
	ListConversation(ctx context.Context, viewerID, peerID string, limit int, before model.ConversationCursor) ([]*model.Message, error)
	GetMessage(ctx context.Context, viewerID, messageID string) (*model.Message, error)
}

// MessageHandler はダイレクトメッセージのHTTPハンドラー。
type MessageHandler struct {
	service        MessageServiceInterface
	clock          clock.Clock
	systemSenderID string
}

// NewMessageHandler はMessageHandlerを生成する。
// systemSenderIDはシステムメッセージの送信者として記録するユーザーID。
func NewMessageHandler(service MessageServiceInterface, clk clock.Clock, systemSenderID string) *MessageHandler {
	return &MessageHandler{
		service:        service,
		clock:          clk,
		systemSenderID: systemSenderID,
	}
}

type sendMessageRequest struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	MediaURL    string `json:"media_url"`
}

type sendMessageResponse struct {
	ID string `json:"id"`
}

// messageResponse はメッセージのレスポンス。stateは読み取り時点の実効状態。
type messageResponse struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Owner       string     `json:"owner"`
	State       string     `json:"state"`
	Text        string     `json:"text"`
	MediaURL    string     `json:"media_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type conversationResponse struct {
	Messages []messageResponse `json:"messages"`
}

func toMessageResponse(m *model.Message, now time.Time) messageResponse {
	return messageResponse{
		ID:          m.ID,
		SenderID:    m.State.SenderID,
		RecipientID: m.State.RecipientID,
		Owner:       string(m.State.Owner),
		State:       string(m.State.EffectiveStatus(now)),
		Text:        m.PayloadText,
		MediaURL:    m.MediaURL,
		CreatedAt:   m.CreatedAt,
		ViewedAt:    m.State.ViewedAt,
		ExpiresAt:   m.State.ExpiresAt,
	}
}

// SendMessage は呼び出し元から受信者へメッセージを送信する。
// POST /api/messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	h.send(w, r, userID, model.OwnerHuman)
}

// SendSystemMessage はシステムから受信者へメッセージを送信する。
// システムメッセージは閲覧後も消滅しない。
// POST /internal/messages/system
func (h *MessageHandler) SendSystemMessage(w http.ResponseWriter, r *http.Request) {
	if h.systemSenderID == "" {
		handleServiceError(w, model.NewForbiddenError("system sender is not configured"))
		return
	}
	h.send(w, r, h.systemSenderID, model.OwnerSystem)
}

func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request, senderID string, owner model.MessageOwner) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.SendMessage(r.Context(), senderID, req.RecipientID,
		model.Payload{Text: req.Text, MediaURL: req.MediaURL}, owner)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sendMessageResponse{ID: id})
}

// MarkViewed は受信者によるメッセージの閲覧を記録する。
// POST /api/messages/{id}/view
func (h *MessageHandler) MarkViewed(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.MarkViewed(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMessage はメッセージを1件返す。
// GET /api/messages/{id}
func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	msg, err := h.service.GetMessage(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMessageResponse(msg, h.clock.Now()))
}

// ListConversation は呼び出し元とpeerの間の可視なメッセージを新しい順に返す。
// beforeにはRFC3339形式の時刻を指定し、それより古いメッセージを取得する。
// 続きのページは前のページの最後のメッセージのcreated_atとidをbeforeとbefore_idに渡す。
// GET /api/conversations/{peerID}/messages?limit=50&before=2026-05-01T00:00:00Z&before_id=...
func (h *MessageHandler) ListConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	var before model.ConversationCursor
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			handleServiceError(w, model.NewInvalidArgumentError("before must be an RFC3339 timestamp"))
			return
		}
		before.CreatedAt = t
	}
	before.ID = r.URL.Query().Get("before_id")

	msgs, err := h.service.ListConversation(r.Context(), userID, chi.URLParam(r, "peerID"), limit, before)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	now := h.clock.Now()
	resp := conversationResponse{Messages: make([]messageResponse, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = toMessageResponse(m, now)
	}
	writeJSON(w, http.StatusOK, resp)
}
