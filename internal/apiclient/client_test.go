package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

func TestClient_RegisterViewBatch(t *testing.T) {
	viewedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/views/batch" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "user-1" {
			t.Errorf("X-User-ID = %q, want user-1", got)
		}
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(req.Events) != 2 {
			t.Fatalf("events = %d, want 2", len(req.Events))
		}
		if req.Events[0].ViewedAt == nil || !req.Events[0].ViewedAt.Equal(viewedAt) {
			t.Errorf("viewed_at = %v, want %v", req.Events[0].ViewedAt, viewedAt)
		}
		if req.Events[1].ViewedAt != nil {
			t.Errorf("zero viewed_at should be omitted, got %v", req.Events[1].ViewedAt)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(BatchResponse{RegisteredCount: 1, FailedItems: []string{"item-2"}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", nil)
	count, failed, err := c.RegisterViewBatch(context.Background(), "user-1", []model.ViewEvent{
		{ItemID: "item-1", DurationMs: 10, Percentage: 50, ViewedAt: viewedAt},
		{ItemID: "item-2"},
	})
	if err != nil {
		t.Fatalf("RegisterViewBatch returned error: %v", err)
	}
	if count != 1 || len(failed) != 1 || failed[0] != "item-2" {
		t.Errorf("result = (%d, %v)", count, failed)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind model.ErrorKind
	}{
		{"ユーザー未登録", http.StatusNotFound, `{"code":"USER_NOT_FOUND","message":"x"}`, model.KindNotFound},
		{"不正な入力", http.StatusBadRequest, `{"code":"INVALID_ARGUMENT","message":"x"}`, model.KindInvalidArgument},
		{"一時障害", http.StatusServiceUnavailable, `{"code":"UNAVAILABLE","message":"x"}`, model.KindUnavailable},
		{"レート制限", http.StatusTooManyRequests, `{"code":"RATE_LIMITED","message":"x"}`, model.KindUnavailable},
		{"JSONでない5xx", http.StatusBadGateway, `bad gateway`, model.KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, _, err := NewClient(ts.URL, nil).RegisterViewBatch(context.Background(), "user-1", nil)
			if model.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v (%v), want %v", model.KindOf(err), err, tt.wantKind)
			}
		})
	}
}

// 接続できない場合はAPIErrorではないエラー（送信経路の障害）を返す
func TestClient_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	_, _, err := NewClient(url, nil).RegisterViewBatch(context.Background(), "user-1", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if model.KindOf(err) != model.KindInternal {
		t.Errorf("kind = %v, want internal (transport)", model.KindOf(err))
	}
}
