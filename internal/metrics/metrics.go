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
// 認証サービスとカレンダークライアントから利用する。
type MetricsCollector interface {
	RecordCodeExchange(success bool)
	RecordTokenRefresh(success bool)
	RecordGraphStatus(statusCode int)
	RecordGraphLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	exchangeSuccess prometheus.Counter
	exchangeFail    prometheus.Counter
	refreshSuccess  prometheus.Counter
	refreshFail     prometheus.Counter
	graphStatus     *prometheus.CounterVec
	graphLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		exchangeSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calbridge_code_exchange_success_total",
			Help: "認可コード交換成功の合計数",
		}),
		exchangeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calbridge_code_exchange_fail_total",
			Help: "認可コード交換失敗の合計数",
		}),
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calbridge_token_refresh_success_total",
			Help: "トークンリフレッシュ成功の合計数",
		}),
		refreshFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calbridge_token_refresh_fail_total",
			Help: "トークンリフレッシュ失敗の合計数",
		}),
		graphStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calbridge_graph_status_total",
			Help: "Graph API呼び出しのHTTPステータスコード別の合計数",
		}, []string{"status_code"}),
		graphLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calbridge_graph_latency_seconds",
			Help:    "Graph API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.exchangeSuccess,
		c.exchangeFail,
		c.refreshSuccess,
		c.refreshFail,
		c.graphStatus,
		c.graphLatency,
	)

	return c
}

// RecordCodeExchange は認可コード交換の結果を記録する。
func (c *Collector) RecordCodeExchange(success bool) {
	if success {
		c.exchangeSuccess.Inc()
	} else {
		c.exchangeFail.Inc()
	}
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	if success {
		c.refreshSuccess.Inc()
	} else {
		c.refreshFail.Inc()
	}
}

// RecordGraphStatus はGraph API呼び出しのHTTPステータスコードを記録する。
func (c *Collector) RecordGraphStatus(statusCode int) {
	c.graphStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordGraphLatency はGraph API呼び出しのレイテンシを記録する。
func (c *Collector) RecordGraphLatency(duration time.Duration) {
	c.graphLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector実装。テスト用。
type Nop struct{}

func (Nop) RecordCodeExchange(bool)          {}
func (Nop) RecordTokenRefresh(bool)          {}
func (Nop) RecordGraphStatus(int)            {}
func (Nop) RecordGraphLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
