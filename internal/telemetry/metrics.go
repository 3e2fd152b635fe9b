// Package telemetry exposes Prometheus metrics for the proxy.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors and their registry.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	bytesStreamed   prometheus.Counter
	inflight        prometheus.Gauge
}

// New registers the proxy collectors on the given registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cranlens_requests_total",
				Help: "Proxied requests by artifact type, method and status",
			},
			[]string{"artifact_type", "method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cranlens_request_duration_seconds",
				Help:    "Wall-clock request duration including body streaming",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"artifact_type"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cranlens_upstream_errors_total",
				Help: "Upstream failures by kind",
			},
			[]string{"kind"},
		),
		bytesStreamed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cranlens_streamed_bytes_total",
				Help: "Response bytes forwarded to clients",
			},
		),
		inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cranlens_inflight_requests",
				Help: "Requests currently being proxied",
			},
		),
	}
}

// ObserveRequest records one finished proxied request.
func (m *Metrics) ObserveRequest(artifactType, method string, status int, seconds float64, bytes int64) {
	m.requestsTotal.WithLabelValues(artifactType, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(artifactType).Observe(seconds)
	if bytes > 0 {
		m.bytesStreamed.Add(float64(bytes))
	}
}

// ObserveUpstreamError counts a forwarding failure by taxonomy kind.
func (m *Metrics) ObserveUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// RequestStarted marks a request in flight; the returned func ends it.
func (m *Metrics) RequestStarted() func() {
	m.inflight.Inc()
	return m.inflight.Dec
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
