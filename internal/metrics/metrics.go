// Package metrics exposes the Prometheus instrumentation for run execution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the pipelines report into.
type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal counts finished runs by operation and terminal status.
	RunsTotal *prometheus.CounterVec

	// RunDuration observes wall-clock run duration in seconds by operation.
	RunDuration *prometheus.HistogramVec

	// BytesUploaded counts artifact bytes accepted by destinations.
	BytesUploaded prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbkeep",
			Name:      "runs_total",
			Help:      "Finished runs by operation and terminal status.",
		}, []string{"operation", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbkeep",
			Name:      "run_duration_seconds",
			Help:      "Run duration from start to finalize.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"operation"}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbkeep",
			Name:      "uploaded_bytes_total",
			Help:      "Artifact bytes accepted by destinations.",
		}),
	}
	m.registry.MustRegister(m.RunsTotal, m.RunDuration, m.BytesUploaded)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(operation, status).Inc()
	m.RunDuration.WithLabelValues(operation).Observe(seconds)
}

// AddUploadedBytes records artifact bytes stored at a destination.
func (m *Metrics) AddUploadedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesUploaded.Add(float64(n))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
