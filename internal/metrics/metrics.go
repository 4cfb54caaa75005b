// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/clikpost/internal/social"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 接続フロー、トークン更新ワーカー、HTTPサーバーから利用する。
type MetricsCollector interface {
	social.MetricsRecorder
	social.RefreshRecorder
	RecordHTTPStatus(statusCode int)
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	connectStarted  *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	exchangeLatency *prometheus.HistogramVec
	exchangeFail    *prometheus.CounterVec
	refreshResults  *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clikpost_connect_started_total",
			Help: "プラットフォーム別の接続開始数",
		}, []string{"platform"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clikpost_callback_total",
			Help: "プラットフォーム別・終了状態別のコールバック処理数",
		}, []string{"platform", "state"}),
		exchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clikpost_token_exchange_latency_seconds",
			Help:    "認可コード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		exchangeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clikpost_token_exchange_fail_total",
			Help: "プラットフォーム別の認可コード交換失敗数",
		}, []string{"platform"}),
		refreshResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clikpost_token_refresh_total",
			Help: "プラットフォーム別・結果別のトークン更新数",
		}, []string{"platform", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clikpost_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.connectStarted,
		c.callbacks,
		c.exchangeLatency,
		c.exchangeFail,
		c.refreshResults,
		c.httpStatus,
	)

	return c
}

// RecordConnectStarted は接続開始を記録する。
func (c *Collector) RecordConnectStarted(platform string) {
	c.connectStarted.WithLabelValues(platform).Inc()
}

// RecordCallback はコールバックの終了状態を記録する。
func (c *Collector) RecordCallback(platform string, state social.FlowState) {
	c.callbacks.WithLabelValues(platform, string(state)).Inc()
}

// RecordTokenExchange は認可コード交換のレイテンシを記録する。
// 失敗した場合は失敗カウンタも増加させる。
func (c *Collector) RecordTokenExchange(platform string, duration time.Duration, err error) {
	c.exchangeLatency.WithLabelValues(platform).Observe(duration.Seconds())
	if err != nil {
		c.exchangeFail.WithLabelValues(platform).Inc()
	}
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(platform string, result string) {
	c.refreshResults.WithLabelValues(platform, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// statusRecorder はレスポンスのステータスコードを捕捉する。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// StatusMiddleware はレスポンスのステータスコードをCollectorに記録するミドルウェアを返す。
func StatusMiddleware(c MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.RecordHTTPStatus(rec.status)
		})
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
