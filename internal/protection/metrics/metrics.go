package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the protection layer.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	ThreatEventsTotal *prometheus.CounterVec
	BlocksTotal       *prometheus.CounterVec
	StoreFailures     prometheus.Counter
	EvaluateDuration  prometheus.Histogram
}

// New creates and registers all protection metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gridshield_protection_decisions_total",
			Help: "Request decisions by outcome",
		}, []string{"reason"}),
		ThreatEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gridshield_protection_threat_events_total",
			Help: "Threat events recorded, by type and severity",
		}, []string{"type", "severity"}),
		BlocksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gridshield_protection_blocks_total",
			Help: "Blocks placed, by severity and trigger",
		}, []string{"severity", "trigger"}),
		StoreFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gridshield_protection_store_failures_total",
			Help: "Counter store calls that failed and resolved to fail-open",
		}),
		EvaluateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridshield_protection_evaluate_duration_seconds",
			Help:    "Latency of full request evaluation",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
}

// ObserveDecision counts one decision outcome. Nil-safe.
func (m *Metrics) ObserveDecision(reason string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(reason).Inc()
}

// ObserveThreatEvent counts one recorded threat event. Nil-safe.
func (m *Metrics) ObserveThreatEvent(eventType, severity string) {
	if m == nil {
		return
	}
	m.ThreatEventsTotal.WithLabelValues(eventType, severity).Inc()
}

// ObserveBlock counts one placed block. Nil-safe.
func (m *Metrics) ObserveBlock(severity, trigger string) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(severity, trigger).Inc()
}

// ObserveStoreFailure counts one fail-open store error. Nil-safe.
func (m *Metrics) ObserveStoreFailure() {
	if m == nil {
		return
	}
	m.StoreFailures.Inc()
}

// Timer measures a scoped operation: acquire on entry, observe on every exit
// path via defer.
type Timer struct {
	start time.Time
	obs   prometheus.Observer
}

// StartEvaluateTimer starts a timer against the Evaluate latency histogram.
// Returns a usable timer even on a nil receiver so callers never branch.
func (m *Metrics) StartEvaluateTimer() *Timer {
	t := &Timer{start: time.Now()}
	if m != nil {
		t.obs = m.EvaluateDuration
	}
	return t
}

// ObserveDuration records the elapsed time since the timer started.
func (t *Timer) ObserveDuration() {
	if t.obs != nil {
		t.obs.Observe(time.Since(t.start).Seconds())
	}
}
