// Package telemetry exposes runtime metrics to Prometheus and configures
// OpenTelemetry span export.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/conduit/internal/strategy"
)

const namespace = "conduit"

// MetricsSource is anything reporting strategy metrics, e.g. a Strategy.
type MetricsSource interface {
	Metrics() strategy.Metrics
}

// Collector reads a MetricsSource at scrape time.
type Collector struct {
	src MetricsSource

	executions      *prometheus.Desc
	criticalFailed  *prometheus.Desc
	droppedFailures *prometheus.Desc
	queueDepth      *prometheus.Desc
	activeWorkers   *prometheus.Desc
	actors          *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over src.
func NewCollector(src MetricsSource) *Collector {
	labels := []string{"backend"}
	return &Collector{
		src: src,
		executions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "strategy", "executions_total"),
			"Handler executions by outcome.",
			[]string{"backend", "outcome"}, nil,
		),
		criticalFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "strategy", "critical_failures_total"),
			"Failed executions of critical handlers.",
			labels, nil,
		),
		droppedFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "strategy", "dropped_failures_total"),
			"Critical failures dropped because the escalation channel was full.",
			labels, nil,
		),
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "strategy", "queue_depth"),
			"Deliveries waiting for a worker or actor.",
			labels, nil,
		),
		activeWorkers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "strategy", "active_workers"),
			"Handlers running right now.",
			labels, nil,
		),
		actors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "strategy", "actors"),
			"Live actors of the actor backend.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executions
	ch <- c.criticalFailed
	ch <- c.droppedFailures
	ch <- c.queueDepth
	ch <- c.activeWorkers
	ch <- c.actors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.src.Metrics()
	b := m.Backend

	ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(m.Succeeded), b, "succeeded")
	ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(m.Failed), b, "failed")
	ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(m.Rejected), b, "rejected")
	ch <- prometheus.MustNewConstMetric(c.criticalFailed, prometheus.CounterValue, float64(m.CriticalFailed), b)
	ch <- prometheus.MustNewConstMetric(c.droppedFailures, prometheus.CounterValue, float64(m.DroppedFailures), b)
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(m.QueueDepth), b)
	ch <- prometheus.MustNewConstMetric(c.activeWorkers, prometheus.GaugeValue, float64(m.ActiveWorkers), b)
	ch <- prometheus.MustNewConstMetric(c.actors, prometheus.GaugeValue, float64(m.Actors), b)
}
