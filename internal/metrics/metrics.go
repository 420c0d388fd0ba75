package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SagaMetrics holds the settlement saga collectors. A nil *SagaMetrics is a
// valid no-op so services can run without a registry in tests.
type SagaMetrics struct {
	Transitions      *prometheus.CounterVec
	StepAttempts     *prometheus.CounterVec
	BroadcastLatency *prometheus.HistogramVec
	RunsInFlight     *prometheus.GaugeVec
	Alerts           *prometheus.CounterVec
}

// NewSagaMetrics creates and registers the saga collectors on registry
func NewSagaMetrics(registry *prometheus.Registry) *SagaMetrics {
	m := &SagaMetrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_transitions_total",
				Help: "Settlement state transitions written by the saga engine.",
			},
			[]string{"kind", "status"},
		),
		StepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_step_attempts_total",
				Help: "Saga step attempts by outcome.",
			},
			[]string{"step", "outcome"},
		),
		BroadcastLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_broadcast_latency_seconds",
				Help:    "Transaction broadcast latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		RunsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_runs_in_flight",
				Help: "Saga runs currently executing.",
			},
			[]string{"kind"},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_alerts_total",
				Help: "Operator alerts raised by the saga engine.",
			},
			[]string{"severity"},
		),
	}

	registry.MustRegister(m.Transitions, m.StepAttempts, m.BroadcastLatency, m.RunsInFlight, m.Alerts)
	return m
}

// ObserveTransition counts a persisted status change
func (m *SagaMetrics) ObserveTransition(kind, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, status).Inc()
}

// ObserveStepAttempt counts one step attempt
func (m *SagaMetrics) ObserveStepAttempt(step, outcome string) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(step, outcome).Inc()
}

// ObserveBroadcast records broadcast latency
func (m *SagaMetrics) ObserveBroadcast(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RunStarted increments the in-flight gauge and returns its decrement
func (m *SagaMetrics) RunStarted(kind string) func() {
	if m == nil {
		return func() {}
	}
	g := m.RunsInFlight.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// ObserveAlert counts an alert by severity
func (m *SagaMetrics) ObserveAlert(severity string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(severity).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
