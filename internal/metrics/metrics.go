// Package metrics はPrometheusメトリクスの収集と公開を提供する。
// パイプラインのイベントはイベントバス経由で受け取り、パイプライン側はメトリクスに依存しない。
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/newsrelay/internal/eventbus"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	items          *prometheus.CounterVec
	errors         prometheus.Counter
	sourceFetches  *prometheus.CounterVec
	sourceDuration prometheus.Histogram
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	breakerState   *prometheus.GaugeVec
	breakerChanges *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_items_total",
			Help: "ステージ別に処理したニュースの合計数",
		}, []string{"stage"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_errors_total",
			Help: "パイプラインで発生したエラーの合計数",
		}),
		sourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_source_fetch_total",
			Help: "取得元の取得結果別の合計数",
		}, []string{"outcome"}),
		sourceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsrelay_source_fetch_duration_seconds",
			Help:    "取得元1件の取得時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_cycles_total",
			Help: "結果別のサイクル実行数",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsrelay_cycle_duration_seconds",
			Help:    "1サイクルの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsrelay_breaker_state",
			Help: "サーキットブレーカーの状態（0=CLOSED, 1=OPEN, 2=HALF_OPEN）",
		}, []string{"name"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_breaker_transitions_total",
			Help: "サーキットブレーカーの状態遷移数",
		}, []string{"name", "to"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsrelay_external_call_duration_seconds",
			Help:    "外部サービス呼び出しの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "result"}),
	}

	reg.MustRegister(
		c.items,
		c.errors,
		c.sourceFetches,
		c.sourceDuration,
		c.cycles,
		c.cycleDuration,
		c.breakerState,
		c.breakerChanges,
		c.callDuration,
	)

	return c
}

// Subscribe はイベントバスに購読者を登録する。
func (c *Collector) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.NewsIngested, c.countItem("ingested"))
	bus.Subscribe(eventbus.NewsTransformed, c.countItem("transformed"))
	bus.Subscribe(eventbus.NewsDelivered, c.countItem("delivered"))
	bus.Subscribe(eventbus.ErrorOccurred, func(ctx context.Context, e eventbus.Event) error {
		c.errors.Inc()
		return nil
	})
	bus.Subscribe(eventbus.SourceFetched, func(ctx context.Context, e eventbus.Event) error {
		if e.Source != nil {
			c.RecordSourceFetch(e.Source.Outcome, e.Source.Duration)
		}
		return nil
	})
	bus.Subscribe(eventbus.CycleCompleted, func(ctx context.Context, e eventbus.Event) error {
		if e.Cycle != nil {
			c.RecordCycle(e.Cycle.Success, e.Cycle.Duration)
		}
		return nil
	})
}

func (c *Collector) countItem(stage string) eventbus.Handler {
	return func(ctx context.Context, e eventbus.Event) error {
		c.items.WithLabelValues(stage).Inc()
		return nil
	}
}

// RecordSourceFetch は取得元1件の取得結果を記録する。
func (c *Collector) RecordSourceFetch(outcome string, d time.Duration) {
	c.sourceFetches.WithLabelValues(outcome).Inc()
	c.sourceDuration.Observe(d.Seconds())
}

// RecordCycle はサイクルの結果を記録する。
func (c *Collector) RecordCycle(success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(d.Seconds())
}

// RecordBreakerState はブレーカーの状態遷移を記録する。resilience.WithStateChange に渡す。
func (c *Collector) RecordBreakerState(name string, from, to resilience.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.breakerChanges.WithLabelValues(name, to.String()).Inc()
}

// ObserveCall は外部呼び出しの所要時間を記録する関数を返す。resilience.WithTiming に渡す。
func (c *Collector) ObserveCall(service string) func(d time.Duration, err error) {
	return func(d time.Duration, err error) {
		result := "success"
		if err != nil {
			result = "error"
		}
		c.callDuration.WithLabelValues(service, result).Observe(d.Seconds())
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
