package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	JobsStarted   *prometheus.CounterVec
	JobsCancelled prometheus.Counter

	SSESubscribers prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a private registry,
// so repeated construction in tests never collides with the default
// global registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reconciler",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests handled, by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "reconciler",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "route"},
		),

		JobsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reconciler",
				Subsystem: "jobs",
				Name:      "started_total",
				Help:      "Sync jobs accepted, by kind.",
			},
			[]string{"kind"},
		),

		JobsCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "reconciler",
				Subsystem: "jobs",
				Name:      "cancelled_total",
				Help:      "Sync jobs cancelled via the API.",
			},
		),

		SSESubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reconciler",
				Subsystem: "sse",
				Name:      "subscribers",
				Help:      "Currently connected progress-stream subscribers.",
			},
		),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
