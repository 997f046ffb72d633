// Package metrics registers the prometheus collectors of the service on a
// private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// rpcRequests counts caller-side calls by kind and outcome
	rpcRequests *prometheus.CounterVec
	// rpcDuration tracks round-trip latency per kind
	rpcDuration *prometheus.HistogramVec
	rpcPending  prometheus.Gauge
	// workerRequests counts requests handled inside the worker
	workerRequests *prometheus.CounterVec
	versionsSaved  *prometheus.CounterVec
	// deltaApplications tracks patches applied per reconstruction
	deltaApplications prometheus.Histogram
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New builds the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specvault_rpc_requests_total",
			Help: "Total RPC calls by kind and status",
		}, []string{"kind", "status"}),
		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "specvault_rpc_request_duration_seconds",
			Help:    "RPC round-trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
		}, []string{"kind"}),
		rpcPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specvault_rpc_pending_requests",
			Help: "RPC calls awaiting a response",
		}),
		workerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specvault_worker_requests_total",
			Help: "Requests handled by the store worker by kind and status",
		}, []string{"kind", "status"}),
		versionsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specvault_versions_saved_total",
			Help: "Saved versions by admission reason",
		}, []string{"reason"}),
		deltaApplications: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "specvault_reconstruction_delta_applications",
			Help:    "Deltas applied per reconstruction",
			Buckets: []float64{0, 1, 2, 3, 5, 9, 15, 25},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specvault_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "specvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCall records one caller-side RPC call.
func (m *Metrics) ObserveCall(kind string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(kind, status).Inc()
	m.rpcDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetPending records the size of the pending table.
func (m *Metrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.rpcPending.Set(float64(count))
}

// ObserveHandled records one request handled by the worker.
func (m *Metrics) ObserveHandled(kind string, status string) {
	if m == nil {
		return
	}
	m.workerRequests.WithLabelValues(kind, status).Inc()
}

// VersionSaved records the admission reason of a stored version.
func (m *Metrics) VersionSaved(reason string) {
	if m == nil {
		return
	}
	m.versionsSaved.WithLabelValues(reason).Inc()
}

// Reconstructed records the number of deltas applied by one reconstruction.
func (m *Metrics) Reconstructed(applied int) {
	if m == nil {
		return
	}
	m.deltaApplications.Observe(float64(applied))
}

// ObserveHTTP records one served HTTP request. route is the matched pattern.
func (m *Metrics) ObserveHTTP(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
