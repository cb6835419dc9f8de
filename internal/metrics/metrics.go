// Package metrics exposes the gateway's Prometheus series and the
// per-model engine metrics aggregation endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gateway series on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal             *prometheus.CounterVec
	RequestLatency            *prometheus.HistogramVec
	UpstreamLatency           *prometheus.HistogramVec
	UpstreamLatencyByUpstream *prometheus.HistogramVec
	StreamTTFT                *prometheus.HistogramVec
	UpstreamSelected          *prometheus.CounterVec
	AuthAllowed               *prometheus.CounterVec
	AuthBlocked               *prometheus.CounterVec
	UpstreamHealth            *prometheus.GaugeVec
	UsageDropped              prometheus.Counter
}

// New registers all gateway series on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	latencyBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by route and response status.",
		}, []string{"route", "status"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_seconds",
			Help:    "End-to-end request latency.",
			Buckets: latencyBuckets,
		}, []string{"route"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "Upstream call latency, by proxied path.",
			Buckets: latencyBuckets,
		}, []string{"path"}),
		UpstreamLatencyByUpstream: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_by_upstream_seconds",
			Help:    "Upstream call latency, by proxied path and backend.",
			Buckets: latencyBuckets,
		}, []string{"path", "base_url"}),
		StreamTTFT: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_stream_ttft_seconds",
			Help:    "Time to first streamed byte.",
			Buckets: latencyBuckets,
		}, []string{"path"}),
		UpstreamSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_selected_total",
			Help: "Upstream selections, by proxied path and backend.",
		}, []string{"path", "base_url"}),
		AuthAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_key_auth_allowed_total",
			Help: "Authenticated requests, by credential kind.",
		}, []string{"reason"}),
		AuthBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_key_auth_blocked_total",
			Help: "Rejected credentials, by rejection reason.",
		}, []string{"reason"}),
		UpstreamHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_upstream_health",
			Help: "1 when the backend's last health probe succeeded.",
		}, []string{"base_url"}),
		UsageDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_usage_records_dropped_total",
			Help: "Usage records lost to queue overflow or write failure.",
		}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
