package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hitoshi/vanish/internal/model"
)

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	GetUnseenItems(ctx context.Context, userID string, limit, offset int) ([]*model.ContentItem, error)
}

// FeedHandler は未閲覧フィードのHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface) *FeedHandler {
	return &FeedHandler{service: service}
}

type feedResponse struct {
	Items []itemResponse `json:"items"`
}

// GetFeed は呼び出し元の未閲覧投稿を返す。
// GET /api/feed?limit=20&offset=0
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	items, err := h.service.GetUnseenItems(r.Context(), userID, limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := feedResponse{Items: make([]itemResponse, len(items))}
	for i, it := range items {
		resp.Items[i] = toItemResponse(it)
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryInt はクエリパラメータを整数として読む。未指定の場合は0。
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		handleServiceError(w, model.NewInvalidArgumentError(key+" must be an integer"))
		return 0, false
	}
	return n, true
}
