package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/vanish/internal/apiclient"
	"github.com/hitoshi/vanish/internal/model"
)

// ViewServiceInterface は閲覧記録ハンドラーが必要とするサービスインターフェース。
type ViewServiceInterface interface {
	RegisterView(ctx context.Context, userID, itemID string, durationMs int64, percentage float64, meta model.ClientMeta) (bool, error)
	RegisterViewBatch(ctx context.Context, userID string, events []model.ViewEvent) (int, []string, error)
}

// ViewHandler は閲覧記録のHTTPハンドラー。
type ViewHandler struct {
	service ViewServiceInterface
}

// NewViewHandler はViewHandlerを生成する。
func NewViewHandler(service ViewServiceInterface) *ViewHandler {
	return &ViewHandler{service: service}
}

type registerViewResponse struct {
	Created bool `json:"created"`
}

// RegisterView は閲覧イベントを1件登録する。
// POST /api/views
func (h *ViewHandler) RegisterView(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req apiclient.ViewEventJSON
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.service.RegisterView(r.Context(), userID, req.ItemID, req.DurationMs, req.Percentage, req.ClientMeta)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerViewResponse{Created: created})
}

// RegisterViewBatch はオフライン中に蓄積された閲覧イベントを一括登録する。
// イベントごとの失敗はfailed_itemsで返し、ステータスは200のままにする。
// POST /api/views/batch
func (h *ViewHandler) RegisterViewBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req apiclient.BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	events := make([]model.ViewEvent, len(req.Events))
	for i, e := range req.Events {
		events[i] = model.ViewEvent{
			ItemID:     e.ItemID,
			DurationMs: e.DurationMs,
			Percentage: e.Percentage,
			ClientMeta: e.ClientMeta,
		}
		if e.ViewedAt != nil {
			events[i].ViewedAt = *e.ViewedAt
		}
	}

	registered, failed, err := h.service.RegisterViewBatch(r.Context(), userID, events)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if failed == nil {
		failed = []string{}
	}

	writeJSON(w, http.StatusOK, apiclient.BatchResponse{
		RegisteredCount: registered,
		FailedItems:     failed,
	})
}
