package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the domain counters. Collectors are registered on a
// caller-supplied registry so tests can use a fresh one.
type Metrics struct {
	registry *prometheus.Registry

	AccessDecisions *prometheus.CounterVec
	Revocations     *prometheus.CounterVec
	DirectoryCalls  *prometheus.CounterVec
	HTTPInFlight    prometheus.Gauge
	HTTPDuration    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AccessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b1gate_access_decisions_total",
			Help: "Tenant isolation decisions by outcome.",
		}, []string{"outcome", "reason"}),
		Revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b1gate_revocations_total",
			Help: "Revoke and restore operations by resulting record status.",
		}, []string{"operation", "status"}),
		DirectoryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "b1gate_directory_calls_total",
			Help: "Calls to the identity provider by operation and result.",
		}, []string{"operation", "result"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "b1gate_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "b1gate_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.AccessDecisions,
		m.Revocations,
		m.DirectoryCalls,
		m.HTTPInFlight,
		m.HTTPDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAccess counts a tenant isolation decision. Safe on a nil receiver.
func (m *Metrics) RecordAccess(outcome, reason string) {
	if m == nil {
		return
	}
	m.AccessDecisions.WithLabelValues(outcome, reason).Inc()
}

// RecordRevocation counts a revoke or restore result. Safe on a nil receiver.
func (m *Metrics) RecordRevocation(operation, status string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(operation, status).Inc()
}

// RecordDirectoryCall counts an identity provider call. Safe on a nil receiver.
func (m *Metrics) RecordDirectoryCall(operation, result string) {
	if m == nil {
		return
	}
	m.DirectoryCalls.WithLabelValues(operation, result).Inc()
}

// ObserveAuditDrops exports dropped, the audit logger's running count of
// discarded events.
func (m *Metrics) ObserveAuditDrops(dropped func() int64) {
	if m == nil || dropped == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "b1gate_audit_events_dropped_total",
		Help: "Audit events discarded because the buffer stayed full.",
	}, func() float64 { return float64(dropped()) }))
}
