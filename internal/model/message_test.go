package model

import (
	"testing"
	"time"
)

func TestMessageOwner_ExpiresAt_Human(t *testing.T) {
	viewedAt := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	got, ok := OwnerHuman.ExpiresAt(viewedAt, 10*time.Second)
	if !ok {
		t.Fatal("人間のメッセージは有効期限を持たなければならない")
	}
	want := viewedAt.Add(10 * time.Second)
	if !got.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got, want)
	}
}

func TestMessageOwner_ExpiresAt_SystemNeverExpires(t *testing.T) {
	viewedAt := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	if _, ok := OwnerSystem.ExpiresAt(viewedAt, 10*time.Second); ok {
		t.Error("システムメッセージは有効期限を持ってはならない")
	}
	if _, ok := MessageOwner("bogus").ExpiresAt(viewedAt, time.Second); ok {
		t.Error("未定義のOwnerは有効期限を持ってはならない")
	}
}

func TestMessageState_EffectiveStatus(t *testing.T) {
	viewedAt := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	expiresAt := viewedAt.Add(10 * time.Second)

	tests := []struct {
		name  string
		state MessageState
		now   time.Time
		want  MessageStatus
	}{
		{
			name:  "未閲覧",
			state: MessageState{Owner: OwnerHuman, Status: MessageSent},
			now:   viewedAt,
			want:  MessageSent,
		},
		{
			name:  "期限直前",
			state: MessageState{Owner: OwnerHuman, Status: MessageViewed, ViewedAt: &viewedAt, ExpiresAt: &expiresAt},
			now:   expiresAt.Add(-time.Millisecond),
			want:  MessageViewed,
		},
		{
			name:  "期限ちょうど",
			state: MessageState{Owner: OwnerHuman, Status: MessageViewed, ViewedAt: &viewedAt, ExpiresAt: &expiresAt},
			now:   expiresAt,
			want:  MessageExpired,
		},
		{
			name:  "期限超過（Janitor未実行）",
			state: MessageState{Owner: OwnerHuman, Status: MessageViewed, ViewedAt: &viewedAt, ExpiresAt: &expiresAt},
			now:   expiresAt.Add(time.Millisecond),
			want:  MessageExpired,
		},
		{
			name:  "永続化済みの期限切れ",
			state: MessageState{Owner: OwnerHuman, Status: MessageExpired},
			now:   viewedAt,
			want:  MessageExpired,
		},
		{
			name:  "システムメッセージは1年後も閲覧済み",
			state: MessageState{Owner: OwnerSystem, Status: MessageViewed, ViewedAt: &viewedAt},
			now:   viewedAt.Add(365 * 24 * time.Hour),
			want:  MessageViewed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.EffectiveStatus(tt.now); got != tt.want {
				t.Errorf("EffectiveStatus = %q, want %q", got, tt.want)
			}
			if got := tt.state.VisibleAt(tt.now); got != (tt.want != MessageExpired) {
				t.Errorf("VisibleAt = %v", got)
			}
		})
	}
}

func TestContentItem_IsExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := now.Add(time.Minute)

	noExpiry := &ContentItem{}
	if noExpiry.IsExpiredAt(now.Add(1000 * time.Hour)) {
		t.Error("有効期限のないコンテンツは期限切れにならない")
	}

	item := &ContentItem{ExpiresAt: &expiresAt}
	if item.IsExpiredAt(now) {
		t.Error("期限前のコンテンツが期限切れと判定された")
	}
	if !item.IsExpiredAt(expiresAt) {
		t.Error("期限時刻ちょうどのコンテンツは期限切れでなければならない")
	}
}
