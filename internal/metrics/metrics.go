// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ワーカー、同期キューから利用する。
type MetricsCollector interface {
	// RecordViewRegistered は閲覧記録の登録を記録する。createdは新規作成かどうか。
	RecordViewRegistered(created bool)
	// RecordViewRejected は閲覧記録が登録されなかったことを分類付きで記録する。
	RecordViewRejected(kind string)
	// RecordBatch はバッチ1件の処理結果を記録する。
	RecordBatch(registered, failed int)
	// RecordMessageTransition はメッセージの状態遷移を記録する。
	RecordMessageTransition(owner, state string)
	// RecordJanitorDeleted はJanitorの各ステップで処理した件数を記録する。
	RecordJanitorDeleted(step string, count int64)
	// RecordSinkDropped はキュー溢れで破棄された通知イベントを記録する。
	RecordSinkDropped()
	// RecordHTTPStatus はHTTPステータスコードを記録する。
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	viewsRegistered    *prometheus.CounterVec
	viewsRejected      *prometheus.CounterVec
	batchEvents        *prometheus.CounterVec
	messageTransitions *prometheus.CounterVec
	janitorRows        *prometheus.CounterVec
	sinkDropped        prometheus.Counter
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		viewsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanish_views_registered_total",
			Help: "登録された閲覧記録の数（result=created|merged）",
		}, []string{"result"}),
		viewsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanish_views_rejected_total",
			Help: "登録されなかった閲覧イベントの数（エラー分類別）",
		}, []string{"kind"}),
		batchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanish_view_batch_events_total",
			Help: "バッチ登録で処理したイベント数（result=registered|failed）",
		}, []string{"result"}),
		messageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanish_message_transitions_total",
			Help: "メッセージの状態遷移数",
		}, []string{"owner", "state"}),
		janitorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanish_janitor_rows_total",
			Help: "Janitorがステップごとに処理した行数",
		}, []string{"step"}),
		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanish_sink_dropped_total",
			Help: "キュー溢れで破棄された通知イベント数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanish_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.viewsRegistered,
		c.viewsRejected,
		c.batchEvents,
		c.messageTransitions,
		c.janitorRows,
		c.sinkDropped,
		c.httpStatus,
	)

	return c
}

// RecordViewRegistered は閲覧記録の登録を記録する。
func (c *Collector) RecordViewRegistered(created bool) {
	result := "merged"
	if created {
		result = "created"
	}
	c.viewsRegistered.WithLabelValues(result).Inc()
}

// RecordViewRejected は登録されなかった閲覧イベントを記録する。
func (c *Collector) RecordViewRejected(kind string) {
	c.viewsRejected.WithLabelValues(kind).Inc()
}

// RecordBatch はバッチの処理結果を記録する。
func (c *Collector) RecordBatch(registered, failed int) {
	c.batchEvents.WithLabelValues("registered").Add(float64(registered))
	c.batchEvents.WithLabelValues("failed").Add(float64(failed))
}

// RecordMessageTransition はメッセージの状態遷移を記録する。
func (c *Collector) RecordMessageTransition(owner, state string) {
	c.messageTransitions.WithLabelValues(owner, state).Inc()
}

// RecordJanitorDeleted はJanitorの処理件数を記録する。
func (c *Collector) RecordJanitorDeleted(step string, count int64) {
	c.janitorRows.WithLabelValues(step).Add(float64(count))
}

// RecordSinkDropped は破棄された通知イベントを記録する。
func (c *Collector) RecordSinkDropped() {
	c.sinkDropped.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordViewRegistered(bool) {}
func (Nop) RecordViewRejected(string) {}
func (Nop) RecordBatch(int, int) {}
func (Nop) RecordMessageTransition(string, string) {}
func (Nop) RecordJanitorDeleted(string, int64) {}
func (Nop) RecordSinkDropped() {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
