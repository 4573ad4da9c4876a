// Package metrics owns the gateway's Prometheus collector set. One Collector
// is created at startup with a private registry and threaded into the
// frontend middleware, the proxy pipeline and the breaker registry's
// observers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge encoding.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Collector bundles every gateway metric on one private registry.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpErrors   *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	breakerState *prometheus.GaugeVec
}

// NewCollector creates the collector with process and Go runtime collectors
// registered alongside the gateway's own metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "HTTP responses with status >= 400.",
		}, []string{"method", "route", "status_code", "error_type"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests forwarded to upstreams.",
		}, []string{"upstream", "status_code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream", "status_code"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per upstream: 0=closed, 1=open, 2=half_open.",
		}, []string{"upstream"}),
	}

	registry.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.httpErrors,
		c.upstreamRequests,
		c.upstreamDuration,
		c.breakerState,
	)
	return c
}

// Handler returns the Prometheus exposition handler for /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed client request.
func (c *Collector) ObserveRequest(method, route, statusCode string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, statusCode).Inc()
	c.httpDuration.WithLabelValues(method, route, statusCode).Observe(duration.Seconds())

	if status >= http.StatusBadRequest {
		errorType := "client_error"
		if status >= http.StatusInternalServerError {
			errorType = "server_error"
		}
		c.httpErrors.WithLabelValues(method, route, statusCode, errorType).Inc()
	}
}

// ObserveUpstream records one upstream forward attempt.
func (c *Collector) ObserveUpstream(upstream, statusCode string, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(upstream, statusCode).Inc()
	c.upstreamDuration.WithLabelValues(upstream, statusCode).Observe(duration.Seconds())
}

// SetBreakerState publishes a breaker state transition.
func (c *Collector) SetBreakerState(upstream string, state float64) {
	c.breakerState.WithLabelValues(upstream).Set(state)
}

// RemoveUpstream drops an upstream's circuit-breaker state series. The
// upstream request counters and latency histograms are kept.
func (c *Collector) RemoveUpstream(upstream string) {
	c.breakerState.DeleteLabelValues(upstream)
}
