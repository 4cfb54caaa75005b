package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hitoshi/clikpost/internal/social"
)

// findFamily は指定名のメトリクスファミリーを返す。見つからなければテストを失敗させる。
func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelsOf はメトリクスのラベルをmapに変換する。
func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordConnectStarted_CountsPerPlatform は接続開始がプラットフォーム別に数えられることを検証する。
func TestRecordConnectStarted_CountsPerPlatform(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConnectStarted("twitter")
	c.RecordConnectStarted("twitter")
	c.RecordConnectStarted("linkedin")

	mf := findFamily(t, reg, "clikpost_connect_started_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		platform := labelsOf(m)["platform"]
		val := m.GetCounter().GetValue()
		switch platform {
		case "twitter":
			if val != 2 {
				t.Errorf("connect_started{platform=twitter} = %v, want 2", val)
			}
		case "linkedin":
			if val != 1 {
				t.Errorf("connect_started{platform=linkedin} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected platform label: %s", platform)
		}
	}
}

// TestRecordCallback_LabelsPlatformAndState はコールバック結果が状態ラベル付きで記録されることを検証する。
func TestRecordCallback_LabelsPlatformAndState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCallback("facebook", social.FlowAwaitingPageSelection)
	c.RecordCallback("facebook", social.FlowRejected)
	c.RecordCallback("facebook", social.FlowRejected)

	mf := findFamily(t, reg, "clikpost_callback_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		l := labelsOf(m)
		if l["platform"] != "facebook" {
			t.Errorf("platform label = %q, want facebook", l["platform"])
		}
		got[l["state"]] = m.GetCounter().GetValue()
	}
	if got[string(social.FlowRejected)] != 2 {
		t.Errorf("rejected = %v, want 2", got[string(social.FlowRejected)])
	}
	if got[string(social.FlowAwaitingPageSelection)] != 1 {
		t.Errorf("awaiting_page_selection = %v, want 1", got[string(social.FlowAwaitingPageSelection)])
	}
}

// TestRecordTokenExchange_ObservesLatencyAndFailures はレイテンシと失敗数が記録されることを検証する。
func TestRecordTokenExchange_ObservesLatencyAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenExchange("linkedin", 100*time.Millisecond, nil)
	c.RecordTokenExchange("linkedin", 2*time.Second, errors.New("boom"))

	h := findFamily(t, reg, "clikpost_token_exchange_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}

	fail := findFamily(t, reg, "clikpost_token_exchange_fail_total").GetMetric()[0].GetCounter().GetValue()
	if fail != 1 {
		t.Errorf("token_exchange_fail_total = %v, want 1", fail)
	}
}

// TestRecordTokenRefresh_LabelsResult はトークン更新結果が結果ラベル付きで記録されることを検証する。
func TestRecordTokenRefresh_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh("youtube", "success")
	c.RecordTokenRefresh("youtube", "error")
	c.RecordTokenRefresh("youtube", "success")

	mf := findFamily(t, reg, "clikpost_token_refresh_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelsOf(m)["result"]] = m.GetCounter().GetValue()
	}
	if got["success"] != 2 || got["error"] != 1 {
		t.Errorf("token_refresh_total = %v, want success=2 error=1", got)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(404)

	mf := findFamily(t, reg, "clikpost_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "404":
			if val != 1 {
				t.Errorf("http_status_total{status_code=404} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestStatusMiddleware_RecordsResponseStatus はミドルウェアがレスポンスステータスを記録することを検証する。
func TestStatusMiddleware_RecordsResponseStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	handler := StatusMiddleware(c)(mux)

	for _, path := range []string{"/ok", "/bad", "/bad"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	mf := findFamily(t, reg, "clikpost_http_status_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelsOf(m)["status_code"]] = m.GetCounter().GetValue()
	}
	if got["200"] != 1 {
		t.Errorf("status 200 = %v, want 1", got["200"])
	}
	if got["502"] != 2 {
		t.Errorf("status 502 = %v, want 2", got["502"])
	}
}

// TestStatusMiddleware_SupportsFlush はストリーミング応答でFlushが元のWriterへ届くことを検証する。
func TestStatusMiddleware_SupportsFlush(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	var flushErr error
	handler := StatusMiddleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chunk"))
		flushErr = http.NewResponseController(w).Flush()
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil))

	if flushErr != nil {
		t.Fatalf("Flush() error: %v", flushErr)
	}
	if !w.Flushed {
		t.Error("underlying recorder should have been flushed")
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	// ラベル付きメトリクスは一度記録されるまで出力されない
	c.RecordConnectStarted("twitter")
	c.RecordCallback("twitter", social.FlowLinked)
	c.RecordTokenExchange("twitter", 500*time.Millisecond, errors.New("x"))
	c.RecordTokenRefresh("twitter", "success")
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"clikpost_connect_started_total",
		"clikpost_callback_total",
		"clikpost_token_exchange_latency_seconds",
		"clikpost_token_exchange_fail_total",
		"clikpost_token_refresh_total",
		"clikpost_http_status_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsRecorderInterfaces はCollectorが各記録インターフェースを実装することを検証する。
func TestCollector_ImplementsRecorderInterfaces(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	var _ MetricsCollector = c
	var _ social.MetricsRecorder = c
	var _ social.RefreshRecorder = c
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordConnectStarted("x")
	c2.RecordConnectStarted("x")
	c2.RecordConnectStarted("x")

	val1 := findFamily(t, reg1, "clikpost_connect_started_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findFamily(t, reg2, "clikpost_connect_started_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 connect_started = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 connect_started = %v, want 2", val2)
	}
}
