package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// ItemServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	CreatePost(ctx context.Context, authorID string, payload model.Payload, ttl time.Duration) (*model.ContentItem, error)
}

// ItemHandler は投稿作成のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

type createPostRequest struct {
	Text       string `json:"text"`
	MediaURL   string `json:"media_url"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// itemResponse はコンテンツのレスポンス。
type itemResponse struct {
	ID        string     `json:"id"`
	AuthorID  string     `json:"author_id"`
	Kind      string     `json:"kind"`
	Text      string     `json:"text"`
	MediaURL  string     `json:"media_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func toItemResponse(it *model.ContentItem) itemResponse {
	return itemResponse{
		ID:        it.ID,
		AuthorID:  it.AuthorID,
		Kind:      string(it.Kind),
		Text:      it.PayloadText,
		MediaURL:  it.MediaURL,
		CreatedAt: it.CreatedAt,
		ExpiresAt: it.ExpiresAt,
	}
}

// CreatePost は投稿を作成する。
// POST /api/items
func (h *ItemHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.CreatePost(r.Context(), userID,
		model.Payload{Text: req.Text, MediaURL: req.MediaURL},
		time.Duration(req.TTLSeconds)*time.Second,
	)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toItemResponse(post))
}
