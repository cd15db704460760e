// Package metrics exposes the control loop and HTTP surface as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payops-agent/internal/schema"
)

const namespace = "payops"

// Metrics holds every collector the agent reports.
type Metrics struct {
	registry *prometheus.Registry

	// Ticks counts control ticks by the furthest state reached.
	Ticks *prometheus.CounterVec
	// TickDuration measures one control tick.
	TickDuration prometheus.Histogram
	// Signals counts detected signals by kind.
	Signals *prometheus.CounterVec
	// Decisions counts decisions by action and blocking guardrail ("" when allowed).
	Decisions *prometheus.CounterVec
	// Outcomes counts executed actions by action and result (kept, rolled_back, failed).
	Outcomes *prometheus.CounterVec

	TransactionsIngested prometheus.Counter
	TransactionsDropped  prometheus.Counter

	Window      *prometheus.GaugeVec
	Baselines   *prometheus.GaugeVec
	Sensitivity prometheus.Gauge
	Enabled     prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "ticks_total",
			Help:      "Control ticks by the furthest state reached.",
		}, []string{"state"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one control tick.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "signals_total",
			Help:      "Detected degradation signals by kind.",
		}, []string{"kind"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardrail",
			Name:      "decisions_total",
			Help:      "Decisions by action and blocking guardrail.",
		}, []string{"action", "blocked_by"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actuator",
			Name:      "outcomes_total",
			Help:      "Executed actions by action and result.",
		}, []string{"action", "result"}),
		TransactionsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "transactions_ingested_total",
			Help:      "Transactions folded into the rolling window.",
		}),
		TransactionsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "transactions_dropped_total",
			Help:      "Malformed transactions rejected by the aggregator.",
		}),
		Window: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "value",
			Help:      "Current projected metric window.",
		}, []string{"metric"}),
		Baselines: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "baseline",
			Help:      "Adaptive baseline by signal kind.",
		}, []string{"kind"}),
		Sensitivity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "learner",
			Name:      "sensitivity",
			Help:      "Detector sensitivity multiplier.",
		}),
		Enabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "enabled",
			Help:      "1 when the agent is enabled.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveWindow records the window gauges.
func (m *Metrics) ObserveWindow(w schema.MetricWindow) {
	m.Window.WithLabelValues("success_rate").Set(w.SuccessRate)
	m.Window.WithLabelValues("p50_latency_ms").Set(w.P50LatencyMS)
	m.Window.WithLabelValues("p95_latency_ms").Set(w.P95LatencyMS)
	m.Window.WithLabelValues("retry_rate").Set(w.RetryRate)
	m.Window.WithLabelValues("sample_size").Set(float64(w.SampleSize))
}

// ObserveThresholds records the learner gauges.
func (m *Metrics) ObserveThresholds(th schema.ThresholdState) {
	for kind, v := range th.Baselines {
		m.Baselines.WithLabelValues(string(kind)).Set(v)
	}
	m.Sensitivity.Set(th.Sensitivity)
}

// ObserveDecision counts a decision and, when it executed, its outcome.
func (m *Metrics) ObserveDecision(d schema.Decision, o *schema.ActionOutcome) {
	m.Decisions.WithLabelValues(string(d.Action), d.BlockedBy).Inc()
	if o == nil || !d.Executed() {
		return
	}
	result := "kept"
	switch {
	case o.FailureReason != "":
		result = "failed"
	case o.RolledBack:
		result = "rolled_back"
	}
	m.Outcomes.WithLabelValues(string(d.Action), result).Inc()
}

// SetEnabled records the agent toggle.
func (m *Metrics) SetEnabled(enabled bool) {
	if enabled {
		m.Enabled.Set(1)
		return
	}
	m.Enabled.Set(0)
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
