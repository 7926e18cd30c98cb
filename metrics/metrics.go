// Package metrics holds the prometheus collectors shared by the relay, the
// fallback policy, the orchestration engine and the gateway. Every Metrics
// value owns a private registry so tests and embedded uses never collide on
// the global default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates Prometheus metrics for the relay core and the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway HTTP surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	// RateLimitHits and OriginRejects carry no caller-derived labels.
	RateLimitHits prometheus.Counter
	OriginRejects prometheus.Counter

	// Upstream calls made by the relay client
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// Fallback policy
	Substitutions *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	BreakerTrips  *prometheus.CounterVec

	// Orchestration turns
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	ActiveTurns  prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with a custom registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "construct_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "construct_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "construct_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "construct_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "construct_rate_limit_hits_total",
				Help: "Total number of requests rejected by the rate limit",
			},
		),
		OriginRejects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "construct_origin_rejections_total",
				Help: "Requests rejected because their origin is not allowed",
			},
		),
		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "construct_upstream_requests_total",
				Help: "Upstream chat-completion calls by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "construct_upstream_request_duration_seconds",
				Help:    "Duration of upstream chat-completion calls in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"model"},
		),
		Substitutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "construct_fallback_substitutions_total",
				Help: "Model substitutions performed after rate-limit failures",
			},
			[]string{"from", "to"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "construct_circuit_breaker_state",
				Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "construct_circuit_breaker_trips_total",
				Help: "Total number of times the circuit breaker has tripped",
			},
			[]string{"name"},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "construct_turns_total",
				Help: "Orchestrated user turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "construct_turn_duration_seconds",
				Help:    "Wall-clock duration of orchestrated user turns",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "construct_active_turns",
				Help: "Orchestrated turns currently running",
			},
		),
	}

	// Register default Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.RequestsTotal.WithLabelValues("/health", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/metrics", "200").Add(0)

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}
