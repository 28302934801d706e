package view

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/model"
	"github.com/hitoshi/vanish/internal/repository"
	"github.com/hitoshi/vanish/internal/sink"
)

const (
	testUserID  = "11111111-1111-1111-1111-111111111111"
	testItemID  = "22222222-2222-2222-2222-222222222222"
	testItemID2 = "33333333-3333-3333-3333-333333333333"
	missingID   = "99999999-9999-9999-9999-999999999999"
)

// --- テスト用モック ---

type mockUserRepo struct {
	users map[string]*model.User
	err   error
}

func (m *mockUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users[id], nil
}

func (m *mockUserRepo) Upsert(_ context.Context, user *model.User) error {
	m.users[user.ID] = user
	return nil
}

// mockViewRepo はPostgreSQLのupsert文と同じマージ規則をメモリ上で再現する。
type mockViewRepo struct {
	mu      sync.Mutex
	users   *mockUserRepo
	items   map[string]*model.ContentItem
	records map[string]*model.ViewRecord
	err     error
	calls   int
}

func newMockViewRepo(users *mockUserRepo) *mockViewRepo {
	return &mockViewRepo{
		users:   users,
		items:   make(map[string]*model.ContentItem),
		records: make(map[string]*model.ViewRecord),
	}
}

func (m *mockViewRepo) Upsert(_ context.Context, rec *model.ViewRecord, now time.Time) (repository.ViewUpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return repository.ViewUpsertResult{}, m.err
	}
	if m.users.users[rec.UserID] == nil {
		return repository.ViewUpsertResult{}, nil
	}
	item, ok := m.items[rec.ItemID]
	if !ok || item.IsExpiredAt(now) {
		return repository.ViewUpsertResult{}, nil
	}

	key := rec.UserID + "|" + rec.ItemID
	existing, ok := m.records[key]
	if !ok {
		cp := *rec
		m.records[key] = &cp
		return repository.ViewUpsertResult{Applied: true, Created: true, Kind: item.Kind}, nil
	}
	if rec.DurationMs > existing.DurationMs {
		existing.DurationMs = rec.DurationMs
	}
	if rec.Percentage > existing.Percentage {
		existing.Percentage = rec.Percentage
	}
	if rec.LastViewedAt.After(existing.LastViewedAt) {
		existing.LastViewedAt = rec.LastViewedAt
	}
	if rec.FirstViewedAt.Before(existing.FirstViewedAt) {
		existing.FirstViewedAt = rec.FirstViewedAt
	}
	return repository.ViewUpsertResult{Applied: true, Created: false, Kind: item.Kind}, nil
}

func (m *mockViewRepo) FindByUserAndItem(_ context.Context, userID, itemID string) (*model.ViewRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[userID+"|"+itemID], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []sink.Event
}

func (s *recordingSink) Notify(e sink.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

type markedView struct {
	messageID, viewerID string
}

// mockLifecycle はMarkViewedの呼び出しを記録する。
type mockLifecycle struct {
	mu     sync.Mutex
	marked []markedView
	err    error
}

func (m *mockLifecycle) MarkViewed(_ context.Context, messageID, viewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, markedView{messageID, viewerID})
	return m.err
}

func (m *mockLifecycle) calls() []markedView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]markedView(nil), m.marked...)
}

type fixture struct {
	users *mockUserRepo
	views *mockViewRepo
	clock *clock.Fake
	sink  *recordingSink
	reg   *Registrar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := &mockUserRepo{users: map[string]*model.User{
		testUserID: {ID: testUserID},
	}}
	views := newMockViewRepo(users)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	views.items[testItemID] = &model.ContentItem{ID: testItemID, Kind: model.ContentKindPost, CreatedAt: now}
	views.items[testItemID2] = &model.ContentItem{ID: testItemID2, Kind: model.ContentKindPost, CreatedAt: now}

	clk := clock.NewFake(now)
	rs := &recordingSink{}
	reg := NewRegistrar(users, views, clk, Config{Sink: rs})
	return &fixture{users: users, views: views, clock: clk, sink: rs, reg: reg}
}

// --- RegisterView ---

// 1500ms/60% の後に 900ms/80% を登録すると 1500ms/80% にマージされる
func TestRegisterView_MergesMaxValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reg.RegisterView(ctx, testUserID, testItemID, 1500, 60, model.ClientMeta{})
	if err != nil {
		t.Fatalf("RegisterView returned error: %v", err)
	}
	if !created {
		t.Error("first RegisterView should create")
	}

	f.clock.Advance(time.Second)
	created, err = f.reg.RegisterView(ctx, testUserID, testItemID, 900, 80, model.ClientMeta{})
	if err != nil {
		t.Fatalf("RegisterView returned error: %v", err)
	}
	if created {
		t.Error("second RegisterView should merge, not create")
	}

	rec, _ := f.views.FindByUserAndItem(ctx, testUserID, testItemID)
	if rec.DurationMs != 1500 || rec.Percentage != 80 {
		t.Errorf("merged = (%d, %d), want (1500, 80)", rec.DurationMs, rec.Percentage)
	}
	if len(f.views.records) != 1 {
		t.Errorf("record count = %d, want 1", len(f.views.records))
	}
}

// 同じ呼び出しを繰り返しても1回と同じ状態になる
func TestRegisterView_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.reg.RegisterView(ctx, testUserID, testItemID, 500, 40, model.ClientMeta{}); err != nil {
			t.Fatalf("RegisterView #%d returned error: %v", i, err)
		}
	}
	rec, _ := f.views.FindByUserAndItem(ctx, testUserID, testItemID)
	if rec.DurationMs != 500 || rec.Percentage != 40 {
		t.Errorf("record = (%d, %d), want (500, 40)", rec.DurationMs, rec.Percentage)
	}
}

func TestRegisterView_ClampsPercentage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.reg.RegisterView(ctx, testUserID, testItemID, 10, 150, model.ClientMeta{}); err != nil {
		t.Fatalf("RegisterView returned error: %v", err)
	}
	rec, _ := f.views.FindByUserAndItem(ctx, testUserID, testItemID)
	if rec.Percentage != 100 {
		t.Errorf("percentage = %d, want 100", rec.Percentage)
	}
}

func TestRegisterView_InvalidArgument(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		itemID     string
		duration   int64
		percentage float64
	}{
		{"負のduration", testUserID, testItemID, -1, 50},
		{"負のpercentage", testUserID, testItemID, 10, -0.5},
		{"NaNのpercentage", testUserID, testItemID, 10, math.NaN()},
		{"UUIDでないitem_id", testUserID, "not-a-uuid", 10, 50},
		{"UUIDでないuser_id", "user", testItemID, 10, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.reg.RegisterView(context.Background(), tt.userID, tt.itemID, tt.duration, tt.percentage, model.ClientMeta{})
			if model.KindOf(err) != model.KindInvalidArgument {
				t.Fatalf("error kind = %v (%v), want invalid_argument", model.KindOf(err), err)
			}
			if f.views.calls != 0 {
				t.Error("validation failure must not reach the store")
			}
		})
	}
}

func TestRegisterView_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RegisterView(ctx, missingID, testItemID, 10, 10, model.ClientMeta{})
	assertCode(t, err, model.ErrCodeUserNotFound)

	_, err = f.reg.RegisterView(ctx, testUserID, missingID, 10, 10, model.ClientMeta{})
	assertCode(t, err, model.ErrCodeItemNotFound)
}

// 期限切れのコンテンツへの閲覧はNotFoundとなり、記録は作られない
func TestRegisterView_ExpiredItem(t *testing.T) {
	f := newFixture(t)
	expires := f.clock.Now().Add(5 * time.Second)
	f.views.items[testItemID].ExpiresAt = &expires

	f.clock.Set(expires)
	_, err := f.reg.RegisterView(context.Background(), testUserID, testItemID, 10, 10, model.ClientMeta{})
	assertCode(t, err, model.ErrCodeItemNotFound)
	if len(f.views.records) != 0 {
		t.Error("expired item must not get a view record")
	}
}

func TestRegisterView_Unavailable(t *testing.T) {
	f := newFixture(t)
	f.views.err = model.NewUnavailableError(errors.New("connection refused"))

	_, err := f.reg.RegisterView(context.Background(), testUserID, testItemID, 10, 10, model.ClientMeta{})
	if !model.IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestRegisterView_NotifiesSink(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.RegisterView(context.Background(), testUserID, testItemID, 10, 10, model.ClientMeta{}); err != nil {
		t.Fatalf("RegisterView returned error: %v", err)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("sink events = %d, want 1", len(f.sink.events))
	}
	if e := f.sink.events[0]; e.Type != sink.EventViewRegistered || !e.Created || e.ItemID != testItemID {
		t.Errorf("event = %+v", e)
	}

	// 失敗時は通知しない
	f.reg.RegisterView(context.Background(), testUserID, missingID, 10, 10, model.ClientMeta{})
	if len(f.sink.events) != 1 {
		t.Errorf("sink events after failure = %d, want 1", len(f.sink.events))
	}
}

// 並行して同じペアに書き込んでも記録は1件で、最大値が残る
func TestRegisterView_ConcurrentWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.reg.RegisterView(ctx, testUserID, testItemID, int64(i*100), float64(i*5), model.ClientMeta{})
		}(i)
	}
	wg.Wait()

	rec, _ := f.views.FindByUserAndItem(ctx, testUserID, testItemID)
	if rec.DurationMs != 2000 || rec.Percentage != 100 {
		t.Errorf("record = (%d, %d), want (2000, 100)", rec.DurationMs, rec.Percentage)
	}
}

// --- RegisterViewBatch ---

func TestRegisterViewBatch_PartialFailure(t *testing.T) {
	f := newFixture(t)
	events := []model.ViewEvent{
		{ItemID: testItemID, DurationMs: 100, Percentage: 10},
		{ItemID: missingID, DurationMs: 100, Percentage: 10},
		{ItemID: testItemID2, DurationMs: -5, Percentage: 10},
		{ItemID: testItemID, DurationMs: 300, Percentage: 30}, // 同一バッチ内の重複は成功扱い
	}

	count, failed, err := f.reg.RegisterViewBatch(context.Background(), testUserID, events)
	if err != nil {
		t.Fatalf("RegisterViewBatch returned error: %v", err)
	}
	if count != 2 {
		t.Errorf("registered = %d, want 2", count)
	}
	if len(failed) != 2 || failed[0] != missingID || failed[1] != testItemID2 {
		t.Errorf("failed = %v, want [%s %s]", failed, missingID, testItemID2)
	}
	rec, _ := f.views.FindByUserAndItem(context.Background(), testUserID, testItemID)
	if rec.DurationMs != 300 || rec.Percentage != 30 {
		t.Errorf("record = (%d, %d), want (300, 30)", rec.DurationMs, rec.Percentage)
	}
}

func TestRegisterViewBatch_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.reg.RegisterViewBatch(context.Background(), missingID, []model.ViewEvent{{ItemID: testItemID}})
	assertCode(t, err, model.ErrCodeUserNotFound)
}

func TestRegisterViewBatch_TooLarge(t *testing.T) {
	f := newFixture(t)
	events := make([]model.ViewEvent, DefaultBatchMax+1)
	_, _, err := f.reg.RegisterViewBatch(context.Background(), testUserID, events)
	if model.KindOf(err) != model.KindInvalidArgument {
		t.Errorf("error kind = %v, want invalid_argument", model.KindOf(err))
	}
}

func TestRegisterViewBatch_Empty(t *testing.T) {
	f := newFixture(t)
	count, failed, err := f.reg.RegisterViewBatch(context.Background(), testUserID, nil)
	if err != nil || count != 0 || len(failed) != 0 {
		t.Errorf("empty batch = (%d, %v, %v)", count, failed, err)
	}
}

// 到着順が入れ替わっても最終状態は同じになる
func TestRegisterViewBatch_OrderIndependent(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	events := []model.ViewEvent{
		{ItemID: testItemID, DurationMs: 1500, Percentage: 60},
		{ItemID: testItemID, DurationMs: 900, Percentage: 80},
	}
	reversed := []model.ViewEvent{events[1], events[0]}

	a.reg.RegisterViewBatch(context.Background(), testUserID, events)
	b.reg.RegisterViewBatch(context.Background(), testUserID, reversed)

	ra, _ := a.views.FindByUserAndItem(context.Background(), testUserID, testItemID)
	rb, _ := b.views.FindByUserAndItem(context.Background(), testUserID, testItemID)
	if ra.DurationMs != rb.DurationMs || ra.Percentage != rb.Percentage {
		t.Errorf("order dependent result: %+v vs %+v", ra, rb)
	}
}

// --- メッセージへの閲覧 ---

const testMessageID = "44444444-4444-4444-4444-444444444444"

func newMessageFixture(t *testing.T) (*fixture, *mockLifecycle) {
	t.Helper()
	f := newFixture(t)
	f.views.items[testMessageID] = &model.ContentItem{
		ID: testMessageID, Kind: model.ContentKindMessage, CreatedAt: f.clock.Now(),
	}
	lc := &mockLifecycle{}
	f.reg.SetMessageLifecycle(lc)
	return f, lc
}

// オフラインバッチ中のメッセージ閲覧も状態遷移に伝わる
func TestRegisterViewBatch_MessageNotifiesLifecycle(t *testing.T) {
	f, lc := newMessageFixture(t)

	registered, failed, err := f.reg.RegisterViewBatch(context.Background(), testUserID, []model.ViewEvent{
		{ItemID: testItemID, DurationMs: 1000, Percentage: 50},
		{ItemID: testMessageID, DurationMs: 3000, Percentage: 100},
	})
	if err != nil {
		t.Fatalf("RegisterViewBatch returned error: %v", err)
	}
	if registered != 2 || len(failed) != 0 {
		t.Errorf("registered=%d failed=%v, want 2 and none", registered, failed)
	}

	calls := lc.calls()
	if len(calls) != 1 {
		t.Fatalf("MarkViewed calls = %v, want 1", calls)
	}
	if calls[0] != (markedView{testMessageID, testUserID}) {
		t.Errorf("MarkViewed call = %+v", calls[0])
	}
}

func TestRegisterView_MessageNotifiesLifecycle(t *testing.T) {
	f, lc := newMessageFixture(t)

	if _, err := f.reg.RegisterView(context.Background(), testUserID, testMessageID, 0, 100, model.ClientMeta{}); err != nil {
		t.Fatalf("RegisterView returned error: %v", err)
	}
	if len(lc.calls()) != 1 {
		t.Errorf("MarkViewed calls = %v, want 1", lc.calls())
	}
}

// RecordViewは記録だけを書く
func TestRecordView_SkipsLifecycle(t *testing.T) {
	f, lc := newMessageFixture(t)

	created, err := f.reg.RecordView(context.Background(), testUserID, testMessageID, 0, 100, model.ClientMeta{})
	if err != nil || !created {
		t.Fatalf("RecordView = %v, %v", created, err)
	}
	if len(lc.calls()) != 0 {
		t.Errorf("MarkViewed calls = %v, want none", lc.calls())
	}
	if rec, _ := f.views.FindByUserAndItem(context.Background(), testUserID, testMessageID); rec == nil {
		t.Error("view record was not written")
	}
}

// 送信者自身の閲覧は記録のみで成功扱い
func TestRegisterView_MessageForbiddenIsAbsorbed(t *testing.T) {
	f, lc := newMessageFixture(t)
	lc.err = model.NewForbiddenError("only the recipient can mark a message as viewed")

	if _, err := f.reg.RegisterView(context.Background(), testUserID, testMessageID, 0, 100, model.ClientMeta{}); err != nil {
		t.Errorf("RegisterView returned error: %v", err)
	}
}

// 状態遷移の一時障害はバッチの個別失敗になり、再送で回復できる
func TestRegisterViewBatch_MessageLifecycleFailure(t *testing.T) {
	f, lc := newMessageFixture(t)
	lc.err = model.NewUnavailableError(errors.New("conn reset"))

	registered, failed, err := f.reg.RegisterViewBatch(context.Background(), testUserID, []model.ViewEvent{
		{ItemID: testItemID, DurationMs: 1000, Percentage: 50},
		{ItemID: testMessageID, DurationMs: 3000, Percentage: 100},
	})
	if err != nil {
		t.Fatalf("RegisterViewBatch returned error: %v", err)
	}
	if registered != 1 || len(failed) != 1 || failed[0] != testMessageID {
		t.Errorf("registered=%d failed=%v, want 1 and [%s]", registered, failed, testMessageID)
	}
}

// 投稿への閲覧は状態遷移を呼ばない
func TestRegisterView_PostSkipsLifecycle(t *testing.T) {
	f, lc := newMessageFixture(t)

	if _, err := f.reg.RegisterView(context.Background(), testUserID, testItemID, 0, 100, model.ClientMeta{}); err != nil {
		t.Fatalf("RegisterView returned error: %v", err)
	}
	if len(lc.calls()) != 0 {
		t.Errorf("MarkViewed calls = %v, want none", lc.calls())
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T (%v)", err, err)
	}
	if apiErr.Code != code {
		t.Errorf("code = %q, want %q", apiErr.Code, code)
	}
}
