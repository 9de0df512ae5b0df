// Package metrics exposes the small set of prometheus instruments the
// dispatcher needs to measure per-event and per-flush latency: event counts
// and latency by method, match latency, flush counts and latency, trade
// counts, and working-set size.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the dispatcher and matching engine record.
type Collector struct {
	EventsTotal    *prometheus.CounterVec
	EventLatency   *prometheus.HistogramVec
	MatchLatency   *prometheus.HistogramVec
	FlushLatency   *prometheus.HistogramVec
	FlushesTotal   *prometheus.CounterVec
	TradesTotal    *prometheus.CounterVec
	FeesCollected  *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	WorkingSetSize *prometheus.GaugeVec
}

// New builds and registers a Collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across package-level test runs.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockex",
			Name:      "dispatcher_events_total",
			Help:      "Events processed by the dispatcher, by market/method/result.",
		}, []string{"market", "method", "result"}),
		EventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mockex",
			Name:      "dispatcher_event_latency_seconds",
			Help:      "End-to-end latency of one dispatched event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"market", "method"}),
		MatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mockex",
			Name:      "matching_engine_latency_seconds",
			Help:      "Latency of a single MatchingEngine.Process call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"market"}),
		FlushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mockex",
			Name:      "flush_latency_seconds",
			Help:      "Latency of a book+ledger+tape flush.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"market"}),
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockex",
			Name:      "flushes_total",
			Help:      "Flushes performed, by market and trigger (count/interval/shutdown/manual).",
		}, []string{"market", "trigger"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockex",
			Name:      "trades_total",
			Help:      "Trades produced, by market.",
		}, []string{"market"}),
		FeesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockex",
			Name:      "fees_collected_total",
			Help:      "Fee amount collected, by market and asset id.",
		}, []string{"market", "asset_id"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mockex",
			Name:      "queue_depth",
			Help:      "Last observed depth of a market's event queue.",
		}, []string{"market"}),
		WorkingSetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mockex",
			Name:      "working_set_size",
			Help:      "Orders resident in a side's in-memory working set.",
		}, []string{"market", "side"}),
	}
	reg.MustRegister(
		c.EventsTotal, c.EventLatency, c.MatchLatency, c.FlushLatency,
		c.FlushesTotal, c.TradesTotal, c.FeesCollected, c.QueueDepth, c.WorkingSetSize,
	)
	return c
}

// Timer measures elapsed wall-clock time for one stage.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() Timer { return Timer{start: time.Now()} }

// Seconds returns elapsed time since NewTimer.
func (t Timer) Seconds() float64 { return time.Since(t.start).Seconds() }
