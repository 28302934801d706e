// Package sink は閲覧記録の登録を外部（分析・通知基盤）へ伝える観測フックを提供する。
// 通知は登録結果に影響せず、送信の失敗はログに残すのみ。
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventViewRegistered は閲覧記録の登録イベントの種別名。
const EventViewRegistered = "view.registered"

// Event は外部へ送るイベント。
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	ItemID     string    `json:"item_id"`
	Created    bool      `json:"created"`
	DurationMs int64     `json:"duration_ms"`
	Percentage int       `json:"percentage"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ViewSink は閲覧登録の通知先。Notifyは決してブロックしてはならない。
type ViewSink interface {
	Notify(event Event)
}

// Publisher はイベントを1件ずつ外部へ送信する。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop は何もしないViewSink。
type Nop struct{}

// Notify はイベントを破棄する。
func (Nop) Notify(Event) {}

// DefaultBufferSize はDispatcherのキュー長のデフォルト値。
const DefaultBufferSize = 1024

// publishTimeout は1件の送信に許容する時間。
const publishTimeout = 5 * time.Second

// Dispatcher はNotifyをノンブロッキングに受け付け、
// バックグラウンドのgoroutineでPublisherへ送信するViewSink。
// キューが満杯の場合、イベントは破棄される。
type Dispatcher struct {
	publisher Publisher
	events    chan Event
	logger    *slog.Logger
	onDrop    func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher はDispatcherを生成する。onDropはキュー溢れでイベントを破棄したときに呼ばれる（nil可）。
func NewDispatcher(publisher Publisher, bufferSize int, logger *slog.Logger, onDrop func()) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Dispatcher{
		publisher: publisher,
		events:    make(chan Event, bufferSize),
		logger:    logger,
		onDrop:    onDrop,
		done:      make(chan struct{}),
	}
}

// Notify はイベントをキューへ積む。満杯の場合は即座に破棄する。
func (d *Dispatcher) Notify(event Event) {
	select {
	case d.events <- event:
	default:
		d.onDrop()
	}
}

// Run はctxがキャンセルされるまでキューのイベントを送信する。
// 終了時にキューに残ったイベントは破棄される。
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.publish(ctx, event)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, event Event) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, event); err != nil {
		d.logger.Warn("failed to publish event",
			slog.String("type", event.Type),
			slog.String("item_id", event.ItemID),
			slog.String("error", err.Error()),
		)
	}
}

// Close はRunの終了を待ってからPublisherを閉じる。Runより先に呼んではならない。
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		<-d.done
		err = d.publisher.Close()
	})
	return err
}
