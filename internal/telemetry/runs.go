package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeUnresolved = "unresolved"
)

// RunMetrics counts closed runs.
type RunMetrics struct {
	runs *prometheus.CounterVec
}

// NewRunMetrics creates the run counters.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Closed runs by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// Observe counts one closed run.
func (r *RunMetrics) Observe(outcome string) {
	r.runs.WithLabelValues(outcome).Inc()
}

// Describe implements prometheus.Collector.
func (r *RunMetrics) Describe(ch chan<- *prometheus.Desc) {
	r.runs.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *RunMetrics) Collect(ch chan<- prometheus.Metric) {
	r.runs.Collect(ch)
}
