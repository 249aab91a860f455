// Package metrics exposes Prometheus collectors for task dispositions and
// behavioral telemetry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the orchestrator and trackers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Task outcomes by final status and risk level
	TaskOutcome *prometheus.CounterVec

	// Latency of the single security evaluation per task
	EvaluatorLatency prometheus.Histogram

	// Evaluator calls that returned an error
	EvaluatorErrors prometheus.Counter

	// Crums tracked by pattern at the time of the event
	CrumsTracked *prometheus.CounterVec
}

// New registers all collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isabella_task_outcomes_total",
			Help: "Total task dispositions by status and risk level",
		}, []string{"status", "risk"}),

		EvaluatorLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "isabella_evaluator_duration_seconds",
			Help:    "Duration of security evaluator calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		EvaluatorErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "isabella_evaluator_errors_total",
			Help: "Security evaluator calls that failed",
		}),

		CrumsTracked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "isabella_crums_tracked_total",
			Help: "Telemetry events tracked by behavioral pattern",
		}, []string{"pattern"}), // stable, focused, overloaded, scattered
	}
}

// IncrementOutcome records a task disposition.
func (m *Metrics) IncrementOutcome(status, risk string) {
	if m != nil {
		m.TaskOutcome.WithLabelValues(status, risk).Inc()
	}
}

// ObserveEvaluatorLatency records one evaluator call.
func (m *Metrics) ObserveEvaluatorLatency(d time.Duration) {
	if m != nil {
		m.EvaluatorLatency.Observe(d.Seconds())
	}
}

// IncrementEvaluatorError records a failed evaluator call.
func (m *Metrics) IncrementEvaluatorError() {
	if m != nil {
		m.EvaluatorErrors.Inc()
	}
}

// IncrementCrum records a tracked telemetry event.
func (m *Metrics) IncrementCrum(pattern string) {
	if m != nil {
		m.CrumsTracked.WithLabelValues(pattern).Inc()
	}
}
