// Package metrics exposes Prometheus instrumentation for the calibration
// engine and its HTTP front end.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry
// so tests can create as many instances as they like.
type Metrics struct {
	Selections   *prometheus.CounterVec
	Verdicts     *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec
	Requests     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calibra_selections_total",
				Help: "Calibration selections by item and outcome",
			},
			[]string{"item", "outcome"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calibra_verify_verdicts_total",
				Help: "Verification verdicts by item",
			},
			[]string{"item", "verdict"},
		),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calibra_index_scan_duration_seconds",
				Help:    "Index scan latency per item",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"item"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calibra_http_requests_total",
				Help: "HTTP requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		registry: registry,
	}
	registry.MustRegister(m.Selections, m.Verdicts, m.ScanDuration, m.Requests)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
