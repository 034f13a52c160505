// Package metrics exposes Prometheus collectors for the intermediary and peers.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeeper"

// Metrics holds the collectors, registered in a dedicated registry so they do
// not interfere with the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	challenges      *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	permissions     *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
	activeStreams   *prometheus.GaugeVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenge operations by purpose and result.",
		}, []string{"purpose", "result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registry writes by kind and result.",
		}, []string{"kind", "result"}),
		permissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_transitions_total",
			Help:      "Permission request lifecycle transitions.",
		}, []string{"status"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Mutual handshakes by role and outcome.",
		}, []string{"role", "outcome"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently being served, by protocol.",
		}, []string{"protocol"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Stream request latency by protocol and action.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"protocol", "action"}),
	}

	reg.MustRegister(
		m.challenges,
		m.registrations,
		m.permissions,
		m.handshakes,
		m.activeStreams,
		m.requestDuration,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry returns the Prometheus registry used by this collector
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Challenge(purpose, result string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) Registration(kind, result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Permission(status string) {
	if m == nil {
		return
	}
	m.permissions.WithLabelValues(status).Inc()
}

func (m *Metrics) Handshake(role, outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, outcome).Inc()
}

// StreamOpened increments the active stream gauge and returns a func that
// decrements it.
func (m *Metrics) StreamOpened(protocol string) func() {
	if m == nil {
		return func() {}
	}
	g := m.activeStreams.WithLabelValues(protocol)
	g.Inc()
	return g.Dec
}

func (m *Metrics) ObserveRequest(protocol, action string, started time.Time) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(protocol, action).Observe(time.Since(started).Seconds())
}
