// Package view は閲覧記録の登録（View Registrar）を提供する。
// 同一(ユーザー, コンテンツ)への書き込みはストレージの1文のupsertでマージされるため、
// アプリケーション側でロックを取らない。
package view

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/vanish/internal/clock"
	"github.com/hitoshi/vanish/internal/metrics"
	"github.com/hitoshi/vanish/internal/model"
	"github.com/hitoshi/vanish/internal/repository"
	"github.com/hitoshi/vanish/internal/sink"
)

const (
	// DefaultBatchMax は1バッチで受け付けるイベント数の上限のデフォルト値。
	DefaultBatchMax = 500
	// DefaultConcurrency はバッチ処理の同時実行数のデフォルト値。
	DefaultConcurrency = 8
)

// Config はRegistrarの設定。ゼロ値のフィールドはデフォルト値になる。
type Config struct {
	BatchMax    int
	Concurrency int
	Sink        sink.ViewSink
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
}

// MessageLifecycle はメッセージの閲覧による状態遷移を受け持つ。
// message.MessageServiceが満たす。
type MessageLifecycle interface {
	MarkViewed(ctx context.Context, messageID, viewerID string) error
}

// Registrar は閲覧イベントを閲覧記録として永続化する。
type Registrar struct {
	users     repository.UserRepository
	views     repository.ViewRepository
	clock     clock.Clock
	lifecycle MessageLifecycle

	batchMax    int
	concurrency int
	sink        sink.ViewSink
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// NewRegistrar はRegistrarの新しいインスタンスを生成する。
func NewRegistrar(
	users repository.UserRepository,
	views repository.ViewRepository,
	clk clock.Clock,
	cfg Config,
) *Registrar {
	r := &Registrar{
		users:       users,
		views:       views,
		clock:       clk,
		batchMax:    cfg.BatchMax,
		concurrency: cfg.Concurrency,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if r.batchMax <= 0 {
		r.batchMax = DefaultBatchMax
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultConcurrency
	}
	if r.sink == nil {
		r.sink = sink.Nop{}
	}
	if r.metrics == nil {
		r.metrics = metrics.Nop{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SetMessageLifecycle はメッセージの閲覧を状態遷移へ伝える先を設定する。
// MessageServiceがRegistrarに依存するため、生成後に設定する。
// 未設定の場合、メッセージへの閲覧は記録だけが残る。
func (r *Registrar) SetMessageLifecycle(l MessageLifecycle) {
	r.lifecycle = l
}

// RegisterView は閲覧イベントを1件登録する。
// 新規作成の場合true、既存記録へのマージの場合falseを返す。
// 何度呼んでも結果は「最大値のマージ」になり、重複はエラーにならない。
// 対象がメッセージの場合は受信者の閲覧としてMessageLifecycleにも伝える。
func (r *Registrar) RegisterView(
	ctx context.Context,
	userID, itemID string,
	durationMs int64,
	percentage float64,
	meta model.ClientMeta,
) (bool, error) {
	return r.register(ctx, userID, model.ViewEvent{
		ItemID:     itemID,
		DurationMs: durationMs,
		Percentage: percentage,
		ClientMeta: meta,
	}, true)
}

// RecordView は閲覧記録だけを書き、MessageLifecycleを呼ばない。
// MessageService.MarkViewedからの書き込みに使う。
func (r *Registrar) RecordView(
	ctx context.Context,
	userID, itemID string,
	durationMs int64,
	percentage float64,
	meta model.ClientMeta,
) (bool, error) {
	return r.register(ctx, userID, model.ViewEvent{
		ItemID:     itemID,
		DurationMs: durationMs,
		Percentage: percentage,
		ClientMeta: meta,
	}, false)
}

// RegisterViewBatch はオフライン中に蓄積されたイベントを一括登録する。
// イベントごとの失敗はfailedItemsに含め、他のイベントの登録は継続する。
// ユーザーが存在しない場合のみトップレベルのエラーを返す。
func (r *Registrar) RegisterViewBatch(ctx context.Context, userID string, events []model.ViewEvent) (int, []string, error) {
	if len(events) > r.batchMax {
		return 0, nil, model.NewInvalidArgumentError("too many events in batch")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return 0, nil, model.NewInvalidArgumentError("user_id must be a UUID")
	}

	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	if user == nil {
		return 0, nil, model.NewUserNotFoundError(userID)
	}

	results := make([]error, len(events))
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, ev := range events {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ev model.ViewEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			_, results[i] = r.register(ctx, userID, ev, true)
		}(i, ev)
	}
	wg.Wait()

	registered := 0
	failed := []string{}
	for i, err := range results {
		if err != nil {
			failed = append(failed, events[i].ItemID)
			continue
		}
		registered++
	}

	r.metrics.RecordBatch(registered, len(failed))
	if len(failed) > 0 {
		r.logger.Info("view batch partially failed",
			slog.String("user_id", userID),
			slog.Int("registered", registered),
			slog.Int("failed", len(failed)),
		)
	}
	return registered, failed, nil
}

func (r *Registrar) register(ctx context.Context, userID string, ev model.ViewEvent, lifecycle bool) (bool, error) {
	res, err := r.write(ctx, userID, ev)
	if err != nil {
		r.metrics.RecordViewRejected(string(model.KindOf(err)))
		return false, err
	}
	created := res.Created

	r.metrics.RecordViewRegistered(created)
	r.sink.Notify(sink.Event{
		Type:       sink.EventViewRegistered,
		UserID:     userID,
		ItemID:     ev.ItemID,
		Created:    created,
		DurationMs: ev.DurationMs,
		Percentage: clampPercentage(ev.Percentage),
		OccurredAt: r.clock.Now(),
	})

	if lifecycle && res.Kind == model.ContentKindMessage {
		if err := r.markMessageViewed(ctx, userID, ev.ItemID); err != nil {
			return created, err
		}
	}
	return created, nil
}

// markMessageViewed は閲覧をメッセージの状態遷移へ伝える。
// 送信者自身の閲覧はForbiddenになるが、記録は正しいので成功として扱う。
// それ以外の失敗は呼び出し元へ返し、バッチでは再送対象になる。
func (r *Registrar) markMessageViewed(ctx context.Context, userID, messageID string) error {
	if r.lifecycle == nil {
		return nil
	}
	err := r.lifecycle.MarkViewed(ctx, messageID, userID)
	if err == nil || model.KindOf(err) == model.KindForbidden {
		return nil
	}
	r.logger.Warn("failed to mark message viewed",
		slog.String("user_id", userID),
		slog.String("message_id", messageID),
		slog.String("error", err.Error()),
	)
	return err
}

func (r *Registrar) write(ctx context.Context, userID string, ev model.ViewEvent) (repository.ViewUpsertResult, error) {
	if err := validate(userID, ev); err != nil {
		return repository.ViewUpsertResult{}, err
	}

	now := r.clock.Now()
	viewedAt := ev.ViewedAt
	if viewedAt.IsZero() || viewedAt.After(now) {
		viewedAt = now
	}

	record := &model.ViewRecord{
		UserID:        userID,
		ItemID:        ev.ItemID,
		FirstViewedAt: viewedAt,
		LastViewedAt:  viewedAt,
		DurationMs:    ev.DurationMs,
		Percentage:    clampPercentage(ev.Percentage),
		ClientMeta:    ev.ClientMeta,
	}

	res, err := r.views.Upsert(ctx, record, now)
	if err != nil {
		return repository.ViewUpsertResult{}, err
	}
	if res.Applied {
		return res, nil
	}
	return repository.ViewUpsertResult{}, r.notFound(ctx, userID, ev.ItemID)
}

// notFound はupsertが行を返さなかった原因を判定する。
// 期限切れのコンテンツと、当事者以外から見たメッセージも存在しないものとして扱う。
func (r *Registrar) notFound(ctx context.Context, userID, itemID string) error {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return model.NewUserNotFoundError(userID)
	}
	return model.NewItemNotFoundError(itemID)
}

func validate(userID string, ev model.ViewEvent) error {
	if _, err := uuid.Parse(userID); err != nil {
		return model.NewInvalidArgumentError("user_id must be a UUID")
	}
	if _, err := uuid.Parse(ev.ItemID); err != nil {
		return model.NewInvalidArgumentError("item_id must be a UUID")
	}
	if ev.DurationMs < 0 {
		return model.NewInvalidArgumentError("duration_ms must not be negative")
	}
	if math.IsNaN(ev.Percentage) || math.IsInf(ev.Percentage, 0) || ev.Percentage < 0 {
		return model.NewInvalidArgumentError("percentage must be a number between 0 and 100")
	}
	return nil
}

// clampPercentage は閲覧完了率を0〜100の整数に丸める。100を超える値は100になる。
func clampPercentage(p float64) int {
	if p > model.MaxPercentage {
		return model.MaxPercentage
	}
	return int(math.Round(p))
}

