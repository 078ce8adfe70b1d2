// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ポーリング結果のラベル値。
const (
	PollResultSuccess   = "success"
	PollResultAuthError = "auth_error"
	PollResultTransport = "transport_error"
)

// 配信結果のラベル値。
const (
	DeliveryResultSent    = "sent"
	DeliveryResultDropped = "dropped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スケジューラから利用する。
type MetricsCollector interface {
	RecordPoll(tier string, result string)
	RecordDelivery(kind string, result string)
	RecordCycleDuration(tier string, duration time.Duration)
	RecordSkippedTick(tier string)
	RecordCommitFailure(tier string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	polls          *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	skippedTicks   *prometheus.CounterVec
	commitFailures *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghnotify_polls_total",
			Help: "購読者ごとのポーリング結果の合計数",
		}, []string{"tier", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghnotify_deliveries_total",
			Help: "配信イベントの送信結果の合計数",
		}, []string{"kind", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ghnotify_cycle_duration_seconds",
			Help:    "ティアごとのサイクル所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),
		skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghnotify_skipped_ticks_total",
			Help: "前回サイクル実行中のためスキップしたティック数",
		}, []string{"tier"}),
		commitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ghnotify_commit_failures_total",
			Help: "スナップショットの保存に失敗した購読者数",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		c.polls,
		c.deliveries,
		c.cycleDuration,
		c.skippedTicks,
		c.commitFailures,
	)

	return c
}

// RecordPoll は購読者1件分のポーリング結果を記録する。
func (c *Collector) RecordPoll(tier string, result string) {
	c.polls.WithLabelValues(tier, result).Inc()
}

// RecordDelivery は配信イベント1件の送信結果を記録する。
func (c *Collector) RecordDelivery(kind string, result string) {
	c.deliveries.WithLabelValues(kind, result).Inc()
}

// RecordCycleDuration はサイクルの所要時間を記録する。
func (c *Collector) RecordCycleDuration(tier string, duration time.Duration) {
	c.cycleDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordSkippedTick は重複実行を避けるためにスキップしたティックを記録する。
func (c *Collector) RecordSkippedTick(tier string) {
	c.skippedTicks.WithLabelValues(tier).Inc()
}

// RecordCommitFailure はスナップショット保存に失敗した購読者を記録する。
func (c *Collector) RecordCommitFailure(tier string) {
	c.commitFailures.WithLabelValues(tier).Inc()
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

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成やテストで利用する。
type Nop struct{}

func (Nop) RecordPoll(string, string)                 {}
func (Nop) RecordDelivery(string, string)             {}
func (Nop) RecordCycleDuration(string, time.Duration) {}
func (Nop) RecordSkippedTick(string)                  {}
func (Nop) RecordCommitFailure(string)                {}
