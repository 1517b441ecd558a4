// Package telemetry exports transport metrics to Prometheus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the transport's Prometheus collectors. Each instance
// owns its registry so tests never collide on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	requestLatency *prometheus.HistogramVec
	requestsTotal  *prometheus.CounterVec
	fallbackTotal  prometheus.Counter
	cacheHitsTotal prometheus.Counter
	breakerState   *prometheus.GaugeVec
	streamChunks   *prometheus.CounterVec
	streamTier     *prometheus.CounterVec
}

// New creates and registers the transport collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brie_transport_request_latency_seconds",
		Help:    "End-to-end latency of resilient backend calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "outcome"})

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brie_transport_requests_total",
		Help: "Resilient backend calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	m.fallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brie_transport_fallback_total",
		Help: "Responses synthesized from the cached snapshot",
	})

	m.cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brie_transport_cache_hits_total",
		Help: "Calls served from the response cache",
	})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brie_transport_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	m.streamChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brie_transport_stream_chunks_total",
		Help: "Streaming chunks received by type",
	}, []string{"type"})

	m.streamTier = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brie_transport_stream_tier_total",
		Help: "Streaming sessions by the transport tier that served them",
	}, []string{"tier"})

	m.registry.MustRegister(
		m.requestLatency, m.requestsTotal, m.fallbackTotal,
		m.cacheHitsTotal, m.breakerState, m.streamChunks, m.streamTier,
	)
	return m
}

// ObserveRequest records one resilient call.
func (m *Metrics) ObserveRequest(endpoint, outcome string, seconds float64) {
	m.requestLatency.WithLabelValues(endpoint, outcome).Observe(seconds)
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordFallback counts one snapshot-synthesized response.
func (m *Metrics) RecordFallback() { m.fallbackTotal.Inc() }

// RecordCacheHit counts one response-cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHitsTotal.Inc() }

// SetBreakerState mirrors a breaker's state into the gauge.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.breakerState.WithLabelValues(name).Set(state)
}

// RecordStreamChunk counts one inbound chunk.
func (m *Metrics) RecordStreamChunk(chunkType string) {
	m.streamChunks.WithLabelValues(chunkType).Inc()
}

// RecordStreamTier counts the tier that ultimately served a session.
func (m *Metrics) RecordStreamTier(tier string) {
	m.streamTier.WithLabelValues(tier).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
