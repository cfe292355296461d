// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// トークン管理、OAuthコールバック、カレンダー連携から利用する。
type MetricsCollector interface {
	RecordTokenRefresh(outcome string)
	RecordCallback(result string)
	RecordCalendarCall(op string, status int)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	tokenRefresh   *prometheus.CounterVec
	callback       *prometheus.CounterVec
	calendarCalls  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeroi_token_refresh_total",
			Help: "アクセストークン更新の結果別件数",
		}, []string{"outcome"}),
		callback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeroi_oauth_callback_total",
			Help: "OAuthコールバックの結果別件数",
		}, []string{"result"}),
		calendarCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeroi_calendar_api_calls_total",
			Help: "Calendar API呼び出しの操作・ステータス別件数",
		}, []string{"op", "status_code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeroi_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timeroi_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.tokenRefresh,
		c.callback,
		c.calendarCalls,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordTokenRefresh はアクセストークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefresh.WithLabelValues(outcome).Inc()
}

// RecordCallback はOAuthコールバックの結果（成功またはエラー理由コード）を記録する。
func (c *Collector) RecordCallback(result string) {
	c.callback.WithLabelValues(result).Inc()
}

// RecordCalendarCall はCalendar API呼び出しの結果を記録する。
func (c *Collector) RecordCalendarCall(op string, status int) {
	c.calendarCalls.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
