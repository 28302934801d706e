package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから名前とラベルが一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	if c := NewCollector(prometheus.NewRegistry()); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordViewRegistered_LabelsByResult は新規作成とマージが別ラベルで数えられることを検証する。
func TestRecordViewRegistered_LabelsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordViewRegistered(true)
	c.RecordViewRegistered(false)
	c.RecordViewRegistered(false)

	created := findMetric(t, reg, "vanish_views_registered_total", map[string]string{"result": "created"})
	merged := findMetric(t, reg, "vanish_views_registered_total", map[string]string{"result": "merged"})
	if created == nil || merged == nil {
		t.Fatal("vanish_views_registered_total metrics not found")
	}
	if v := created.GetCounter().GetValue(); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
	if v := merged.GetCounter().GetValue(); v != 2 {
		t.Errorf("merged = %v, want 2", v)
	}
}

// TestRecordBatch_AddsCounts はバッチの成功数と失敗数が加算されることを検証する。
func TestRecordBatch_AddsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBatch(8, 2)
	c.RecordBatch(3, 0)

	registered := findMetric(t, reg, "vanish_view_batch_events_total", map[string]string{"result": "registered"})
	failed := findMetric(t, reg, "vanish_view_batch_events_total", map[string]string{"result": "failed"})
	if registered.GetCounter().GetValue() != 11 {
		t.Errorf("registered = %v, want 11", registered.GetCounter().GetValue())
	}
	if failed.GetCounter().GetValue() != 2 {
		t.Errorf("failed = %v, want 2", failed.GetCounter().GetValue())
	}
}

// TestRecordJanitorDeleted_PerStep はステップごとに件数が記録されることを検証する。
func TestRecordJanitorDeleted_PerStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordJanitorDeleted("expire_messages", 3)
	c.RecordJanitorDeleted("purge_views", 10)

	m := findMetric(t, reg, "vanish_janitor_rows_total", map[string]string{"step": "purge_views"})
	if m == nil || m.GetCounter().GetValue() != 10 {
		t.Errorf("purge_views = %v, want 10", m)
	}
}

// TestRecordMessageTransition_Labels はownerとstateのラベルが付与されることを検証する。
func TestRecordMessageTransition_Labels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMessageTransition("human", "viewed")

	m := findMetric(t, reg, "vanish_message_transitions_total", map[string]string{"owner": "human", "state": "viewed"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("human/viewed = %v, want 1", m)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はステータスコード別に記録されることを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(503)

	if m := findMetric(t, reg, "vanish_http_status_total", map[string]string{"status_code": "200"}); m.GetCounter().GetValue() != 2 {
		t.Errorf("200 = %v, want 2", m.GetCounter().GetValue())
	}
	if m := findMetric(t, reg, "vanish_http_status_total", map[string]string{"status_code": "503"}); m.GetCounter().GetValue() != 1 {
		t.Errorf("503 = %v, want 1", m.GetCounter().GetValue())
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリに重複登録できることを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	c1 := NewCollector(prometheus.NewRegistry())
	c2 := NewCollector(prometheus.NewRegistry())
	c1.RecordSinkDropped()
	c2.RecordSinkDropped()
}

// TestHandler_ServesMetrics はHandlerがテキスト形式でメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordViewRegistered(true)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "vanish_views_registered_total") {
		t.Error("response should contain vanish_views_registered_total metric")
	}
}
