package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/model"
)

const (
	userID   = "11111111-1111-1111-1111-111111111111"
	peerID   = "22222222-2222-2222-2222-222222222222"
	systemID = "99999999-9999-9999-9999-999999999999"
	itemID   = "33333333-3333-3333-3333-333333333333"
	msgID    = "44444444-4444-4444-4444-444444444444"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// --- モック定義 ---

type mockUserService struct {
	registerFn func(ctx context.Context, userID, displayName string) (*model.User, error)
}

func (m *mockUserService) Register(ctx context.Context, userID, displayName string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, userID, displayName)
	}
	return &model.User{ID: userID, DisplayName: displayName, CreatedAt: testNow}, nil
}

type mockItemService struct {
	createFn func(ctx context.Context, authorID string, payload model.Payload, ttl time.Duration) (*model.ContentItem, error)
}

func (m *mockItemService) CreatePost(ctx context.Context, authorID string, payload model.Payload, ttl time.Duration) (*model.ContentItem, error) {
	if m.createFn != nil {
		return m.createFn(ctx, authorID, payload, ttl)
	}
	return &model.ContentItem{ID: itemID, AuthorID: authorID, Kind: model.ContentKindPost, PayloadText: payload.Text, CreatedAt: testNow}, nil
}

type mockFeedService struct {
	getFn func(ctx context.Context, userID string, limit, offset int) ([]*model.ContentItem, error)
}

func (m *mockFeedService) GetUnseenItems(ctx context.Context, userID string, limit, offset int) ([]*model.ContentItem, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID, limit, offset)
	}
	return nil, nil
}

type mockViewService struct {
	registerFn func(ctx context.Context, userID, itemID string, durationMs int64, percentage float64, meta model.ClientMeta) (bool, error)
	batchFn    func(ctx context.Context, userID string, events []model.ViewEvent) (int, []string, error)
}

func (m *mockViewService) RegisterView(ctx context.Context, userID, itemID string, durationMs int64, percentage float64, meta model.ClientMeta) (bool, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, userID, itemID, durationMs, percentage, meta)
	}
	return true, nil
}

func (m *mockViewService) RegisterViewBatch(ctx context.Context, userID string, events []model.ViewEvent) (int, []string, error) {
	if m.batchFn != nil {
		return m.batchFn(ctx, userID, events)
	}
	return len(events), nil, nil
}

type mockMessageService struct {
	sendFn       func(ctx context.Context, senderID, recipientID string, payload model.Payload, owner model.MessageOwner) (string, error)
	markViewedFn func(ctx context.Context, messageID, viewerID string) error
	listFn       func(ctx context.Context, viewerID, peerID string, limit int, before model.ConversationCursor) ([]*model.Message, error)
	getFn        func(ctx context.Context, viewerID, messageID string) (*model.Message, error)
}

func (m *mockMessageService) SendMessage(ctx context.Context, senderID, recipientID string, payload model.Payload, owner model.MessageOwner) (string, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, senderID, recipientID, payload, owner)
	}
	return msgID, nil
}

func (m *mockMessageService) MarkViewed(ctx context.Context, messageID, viewerID string) error {
	if m.markViewedFn != nil {
		return m.markViewedFn(ctx, messageID, viewerID)
	}
	return nil
}

func (m *mockMessageService) ListConversation(ctx context.Context, viewerID, peerID string, limit int, before model.ConversationCursor) ([]*model.Message, error) {
	if m.listFn != nil {
		return m.listFn(ctx, viewerID, peerID, limit, before)
	}
	return nil, nil
}

func (m *mockMessageService) GetMessage(ctx context.Context, viewerID, messageID string) (*model.Message, error) {
	if m.getFn != nil {
		return m.getFn(ctx, viewerID, messageID)
	}
	return nil, model.NewMessageNotFoundError(messageID)
}

type mockPinger struct{ err error }

func (m mockPinger) PingContext(context.Context) error { return m.err }

// --- ヘルパー ---

func newTestDeps() *RouterDeps {
	return &RouterDeps{
		Clock:          clock.NewFake(testNow),
		HealthChecker:  mockPinger{},
		SystemToken:    "s3cret",
		SystemSenderID: systemID,
		UserService:    &mockUserService{},
		ItemService:    &mockItemService{},
		FeedService:    &mockFeedService{},
		ViewService:    &mockViewService{},
		MessageService: &mockMessageService{},
	}
}

// doRequest はルーター経由でリクエストを実行する。asが空の場合はX-User-IDを付与しない。
func doRequest(t *testing.T, deps *RouterDeps, method, path, as, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != "" {
		req.Header.Set("X-User-ID", as)
	}
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)
	return w
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v\nbody: %s", err, w.Body.String())
	}
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d\nbody: %s", w.Code, want, w.Body.String())
	}
}
