// Package syncqueue はクライアント側でオフライン中の閲覧イベントを蓄積し、
// 接続回復時にまとめてサーバーへ送信する同期キューを提供する。
//
// Enqueueは決してブロックせず、エラーも返さない。
// 受け付けたイベントはバックグラウンドの書き込みgoroutineが直ちにBufferへ書き込む。
// Bufferへの書き込みが完了した時点でイベントは永続化され、
// サーバーが受理を確認するまで削除されない。
// 書き込み前にプロセスが落ちた場合、そのイベントは失われる。
// Flush、Suspend、Closeは呼び出し時点までに受け付けたイベントの書き込みを待つ。
package syncqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/model"
)

const (
	// DefaultFlushThreshold はこの件数以上たまったら送信する閾値。
	DefaultFlushThreshold = 20
	// DefaultFlushInterval は定期送信の間隔。
	DefaultFlushInterval = 30 * time.Second
	// DefaultFlushTimeout は1回の送信に許容する時間。
	DefaultFlushTimeout = 10 * time.Second
	// DefaultMaxAttempts はエントリを破棄するまでの最大試行回数。
	DefaultMaxAttempts = 12
	// DefaultBatchSize は1リクエストあたりの最大イベント数。
	DefaultBatchSize = 500
)

// ErrBackingOff は送信失敗後のバックオフ期間中であることを表す。
var ErrBackingOff = errors.New("syncqueue: backing off after transport failure")

// Sender は閲覧イベントのバッチをサーバーへ送る。apiclient.Clientが満たす。
type Sender interface {
	RegisterViewBatch(ctx context.Context, userID string, events []model.ViewEvent) (int, []string, error)
}

// Config はQueueの設定。ゼロ値のフィールドはデフォルト値になる。
type Config struct {
	FlushThreshold int
	FlushInterval  time.Duration
	FlushTimeout   time.Duration
	MaxAttempts    int
	BatchSize      int
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Stats はキューの累計統計。
type Stats struct {
	Sent    int64 // サーバーが受理したイベント数
	Retried int64 // 個別に失敗し再試行に回したイベント数
	Dropped int64 // 最大試行回数を超えて破棄したイベント数
}

type pendingEvent struct {
	userID string
	event  model.ViewEvent
	at     time.Time
}

// Queue はオフライン同期キュー。
type Queue struct {
	buf    Buffer
	sender Sender
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending []pendingEvent
	wake    chan struct{}

	// persistMu はBufferへの書き込みを直列化する。
	// Flushは書き込み中のイベントが終わるのを待ってから送信対象を読む。
	persistMu sync.Mutex
	dirty     chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once

	// flushMu はFlushの直列化と、以下のバックオフ状態を保護する
	flushMu             sync.Mutex
	consecutiveFailures int
	backoffUntil        time.Time

	sent, retried, dropped atomic.Int64
}

// New はQueueを生成し、Bufferへの書き込みgoroutineを開始する。
// 書き込みgoroutineはCloseで停止する。
func New(buf Buffer, sender Sender, cfg Config) *Queue {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := &Queue{
		buf:     buf,
		sender:  sender,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		wake:    make(chan struct{}, 1),
		dirty:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.persistLoop()
	return q
}

// Enqueue は閲覧イベントを受け付ける。ブロックせず、失敗もしない。
// ViewedAtがゼロ値の場合は現在時刻を設定する。
// イベントはメモリに積まれ、書き込みgoroutineがBufferへ移す。
// Bufferが遅い間やエラーの間はメモリに残り、次の書き込みで再試行される。
func (q *Queue) Enqueue(userID string, ev model.ViewEvent) {
	now := q.clock.Now()
	if ev.ViewedAt.IsZero() {
		ev.ViewedAt = now
	}

	q.mu.Lock()
	q.pending = append(q.pending, pendingEvent{userID: userID, event: ev, at: now})
	q.mu.Unlock()

	signal(q.dirty)
}

// persistLoop は受け付けたイベントをBufferへ書き込み、Runに件数の確認を促す。
func (q *Queue) persistLoop() {
	defer close(q.stopped)
	for {
		select {
		case <-q.stop:
			return
		case <-q.dirty:
			if q.persist(context.Background()) > 0 {
				signal(q.wake)
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run はctxがキャンセルされるまで、受け付けたイベントの永続化と定期送信を行う。
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.persist(context.Background())
			return
		case <-q.wake:
			q.persist(ctx)
			n, err := q.buf.Count(ctx)
			if err != nil {
				q.logger.Warn("failed to count buffered views", slog.String("error", err.Error()))
				continue
			}
			if n >= q.cfg.FlushThreshold {
				q.flush(ctx, false)
			}
		case <-ticker.C:
			q.persist(ctx)
			q.flush(ctx, false)
		}
	}
}

// Flush は受け付け済みのイベントを永続化し、送信対象をすべて送る。
// 送信失敗後のバックオフ期間中はErrBackingOffを返す。
func (q *Queue) Flush(ctx context.Context) error {
	q.persist(ctx)
	return q.flush(ctx, false)
}

// Suspend はホストがサスペンドされる直前に呼ぶ。
// バックオフ期間中でもctxの期限内で送信を試み、送れなかったものはバッファに残す。
func (q *Queue) Suspend(ctx context.Context) error {
	q.persist(ctx)
	return q.flush(ctx, true)
}

// Close は書き込みgoroutineを止め、残りのイベントの送信を試みてからバッファを閉じる。
// Runの終了後に呼ぶこと。Close後にEnqueueされたイベントは書き込まれない。
func (q *Queue) Close(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.stopped
	q.persist(ctx)
	flushErr := q.flush(ctx, true)
	if err := q.buf.Close(); err != nil {
		return err
	}
	return flushErr
}

// Stats はキューの統計を返す。
func (q *Queue) Stats() Stats {
	return Stats{
		Sent:    q.sent.Load(),
		Retried: q.retried.Load(),
		Dropped: q.dropped.Load(),
	}
}

// persist はメモリ上の受け付け済みイベントをバッファへ書き込み、書き込んだ件数を返す。
// 書き込めなかったイベントはメモリに戻し、次回に再試行する。
func (q *Queue) persist(ctx context.Context) int {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, p := range batch {
		if err := q.buf.Put(ctx, p.userID, p.event, p.at); err != nil {
			q.logger.Warn("failed to persist view event",
				slog.String("item_id", p.event.ItemID),
				slog.String("error", err.Error()),
			)
			q.mu.Lock()
			q.pending = append(batch[i:len(batch):len(batch)], q.pending...)
			q.mu.Unlock()
			return i
		}
	}
	return len(batch)
}

func (q *Queue) flush(ctx context.Context, force bool) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	now := q.clock.Now()
	if !force && now.Before(q.backoffUntil) {
		return ErrBackingOff
	}

	entries, err := q.buf.Due(ctx, now)
	if err != nil {
		return err
	}

	for _, group := range groupByUser(entries, q.cfg.BatchSize) {
		if err := q.send(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// send は1ユーザー分のエントリを送信し、結果をバッファへ反映する。
func (q *Queue) send(ctx context.Context, group []Entry) error {
	userID := group[0].UserID
	events := make([]model.ViewEvent, len(group))
	for i, e := range group {
		events[i] = e.Event
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.FlushTimeout)
	_, failedItems, err := q.sender.RegisterViewBatch(sendCtx, userID, events)
	cancel()

	if err != nil {
		switch model.KindOf(err) {
		case model.KindNotFound, model.KindInvalidArgument, model.KindForbidden:
			// 再送しても結果が変わらないため、全件を個別の失敗として扱う
			failedItems = make([]string, len(group))
			for i, e := range group {
				failedItems[i] = e.Event.ItemID
			}
		default:
			q.enterBackoff(err)
			return err
		}
	} else {
		q.consecutiveFailures = 0
		q.backoffUntil = time.Time{}
	}

	failed := make(map[string]bool, len(failedItems))
	for _, id := range failedItems {
		failed[id] = true
	}

	now := q.clock.Now()
	for _, e := range group {
		if !failed[e.Event.ItemID] {
			if err := q.buf.Delete(ctx, e.UserID, e.Event.ItemID, e.Version); err != nil {
				q.logger.Warn("failed to delete confirmed view", slog.String("error", err.Error()))
			}
			q.sent.Add(1)
			continue
		}
		q.retryLater(ctx, e, now)
	}
	return nil
}

func (q *Queue) retryLater(ctx context.Context, e Entry, now time.Time) {
	attempts := e.Attempts + 1
	if attempts >= q.cfg.MaxAttempts {
		q.logger.Warn("dropping view event after max attempts",
			slog.String("user_id", e.UserID),
			slog.String("item_id", e.Event.ItemID),
			slog.Int("attempts", attempts),
		)
		if err := q.buf.Delete(ctx, e.UserID, e.Event.ItemID, e.Version); err != nil {
			q.logger.Warn("failed to drop view event", slog.String("error", err.Error()))
		}
		q.dropped.Add(1)
		return
	}

	if err := q.buf.Reschedule(ctx, e.UserID, e.Event.ItemID, e.Version, attempts, now.Add(CalculateBackoff(attempts))); err != nil {
		q.logger.Warn("failed to reschedule view event", slog.String("error", err.Error()))
	}
	q.retried.Add(1)
}

// enterBackoff は送信経路の障害としてキュー全体の送信を一時停止する。
func (q *Queue) enterBackoff(err error) {
	q.consecutiveFailures++
	delay := CalculateBackoff(q.consecutiveFailures)
	q.backoffUntil = q.clock.Now().Add(delay)
	q.logger.Warn("view batch send failed, backing off",
		slog.Int("consecutive_failures", q.consecutiveFailures),
		slog.Duration("backoff_duration", delay),
		slog.String("error", err.Error()),
	)
}

// groupByUser はユーザーID順に並んだエントリをユーザーごと、size件ごとに分割する。
func groupByUser(entries []Entry, size int) [][]Entry {
	var groups [][]Entry
	for start := 0; start < len(entries); {
		end := start
		for end < len(entries) && entries[end].UserID == entries[start].UserID && end-start < size {
			end++
		}
		groups = append(groups, entries[start:end])
		start = end
	}
	return groups
}
