// Package clock は時刻取得を抽象化する。
// 有効期限の計算はすべてClock経由で現在時刻を取得し、テストでは Fake を注入する。
package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻を返すインターフェース。
type Clock interface {
	Now() time.Time
}

// realClock はシステム時刻を返すClock。
type realClock struct{}

// Real はシステム時刻（UTC）を返すClockを返す。
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Fake はテスト用に手動で進めるClock。
// 複数のgoroutineから安全に利用できる。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake は指定時刻で停止したFakeを生成する。
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now は現在のFake時刻を返す。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance は時刻をdだけ進める。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set は時刻をtに設定する。
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
