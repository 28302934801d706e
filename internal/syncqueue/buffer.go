package syncqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/vanish/internal/model"
)

// Entry はバッファに保存された未送信の閲覧イベント。
// (UserID, Event.ItemID) ごとに1件に集約される。
type Entry struct {
	UserID        string
	Event         model.ViewEvent
	Attempts      int
	NextAttemptAt time.Time
	// Version は同じキーへの再投入のたびに増加する。
	// 送信中に新しいデータが投入された場合、送信完了による削除を行わないために使う。
	Version int64
}

// Buffer は閲覧イベントの永続バッファ。
type Buffer interface {
	// Put はイベントを保存する。同じ(ユーザー, コンテンツ)が既にある場合は
	// duration、percentage、viewed_atを大きい方にマージしてVersionを進める。
	Put(ctx context.Context, userID string, ev model.ViewEvent, now time.Time) error
	// Due はNextAttemptAtがnow以前のエントリをユーザーID順に返す。
	Due(ctx context.Context, now time.Time) ([]Entry, error)
	// Delete はVersionが一致する場合のみエントリを削除する。
	Delete(ctx context.Context, userID, itemID string, version int64) error
	// Reschedule はVersionが一致する場合のみ試行回数と次回試行時刻を更新する。
	// 一致しない場合は送信後に新しいデータが入ったので、次の送信対象に残す。
	Reschedule(ctx context.Context, userID, itemID string, version int64, attempts int, next time.Time) error
	// Count は保存中のエントリ数を返す。
	Count(ctx context.Context) (int, error)
	// Close はバッファを閉じる。
	Close() error
}

// MemoryBuffer はプロセス内のみで保持するBuffer。テストや一時的なクライアント向け。
type MemoryBuffer struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryBuffer はMemoryBufferを生成する。
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{entries: make(map[string]*Entry)}
}

func entryKey(userID, itemID string) string {
	return userID + "|" + itemID
}

// Put はイベントを保存またはマージする。
func (b *MemoryBuffer) Put(_ context.Context, userID string, ev model.ViewEvent, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entryKey(userID, ev.ItemID)
	existing, ok := b.entries[key]
	if !ok {
		b.entries[key] = &Entry{UserID: userID, Event: ev, NextAttemptAt: now, Version: 1}
		return nil
	}
	existing.Event = mergeEvent(existing.Event, ev)
	existing.Version++
	return nil
}

// Due は送信対象のエントリを返す。
func (b *MemoryBuffer) Due(_ context.Context, now time.Time) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	due := []Entry{}
	for _, e := range b.entries {
		if !e.NextAttemptAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].UserID != due[j].UserID {
			return due[i].UserID < due[j].UserID
		}
		return due[i].Event.ItemID < due[j].Event.ItemID
	})
	return due, nil
}

// Delete はVersionが一致する場合のみ削除する。
func (b *MemoryBuffer) Delete(_ context.Context, userID, itemID string, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entryKey(userID, itemID)
	if e, ok := b.entries[key]; ok && e.Version == version {
		delete(b.entries, key)
	}
	return nil
}

// Reschedule はVersionが一致する場合のみ次回試行を設定する。
func (b *MemoryBuffer) Reschedule(_ context.Context, userID, itemID string, version int64, attempts int, next time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[entryKey(userID, itemID)]; ok && e.Version == version {
		e.Attempts = attempts
		e.NextAttemptAt = next
	}
	return nil
}

// Count はエントリ数を返す。
func (b *MemoryBuffer) Count(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries), nil
}

// Close は何もしない。
func (b *MemoryBuffer) Close() error { return nil }

// mergeEvent はサーバー側と同じ規則で2つのイベントを1つにまとめる。
func mergeEvent(a, b model.ViewEvent) model.ViewEvent {
	merged := a
	if b.DurationMs > merged.DurationMs {
		merged.DurationMs = b.DurationMs
	}
	if b.Percentage > merged.Percentage {
		merged.Percentage = b.Percentage
	}
	if b.ViewedAt.After(merged.ViewedAt) {
		merged.ViewedAt = b.ViewedAt
	}
	merged.ClientMeta = b.ClientMeta
	return merged
}

// コンパイル時にインターフェース実装を検証
var _ Buffer = (*MemoryBuffer)(nil)
