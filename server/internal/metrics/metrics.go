// Package metrics exposes the server's ambient Prometheus surface: a
// connected-agent gauge, in-flight correlated-request gauge, and a
// command-router outcome counter by method and result. spec.md's
// Non-goals exclude a deployment/marketplace metrics catalog, not
// observability of the core itself, so this stays a small fixed set
// rather than growing into one.
//
// Grounded on SPEC_FULL.md's promotion of client_golang from an indirect
// (gocron-pulled) dependency to direct use, registered against a private
// *prometheus.Registry rather than the global default so tests can create
// more than one Metrics instance without a "duplicate metrics collector
// registration" panic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cbabil/fleetline/server/internal/router"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	agentsConnected   prometheus.Gauge
	inFlightRequests  prometheus.Gauge
	commandsTotal     *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetline",
			Name:      "agents_connected",
			Help:      "Number of agents currently holding a live session.",
		}),
		inFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetline",
			Name:      "inflight_agent_requests",
			Help:      "Number of agent requests currently awaiting a correlated response.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetline",
			Name:      "commands_total",
			Help:      "Command router outcomes by transport method and result.",
		}, []string{"method", "outcome"}),
	}

	registry.MustRegister(m.agentsConnected, m.inFlightRequests, m.commandsTotal)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetAgentsConnected sets the connected-agent gauge to n.
func (m *Metrics) SetAgentsConnected(n int) {
	m.agentsConnected.Set(float64(n))
}

// IncInFlight / DecInFlight track requests currently awaiting correlation.
func (m *Metrics) IncInFlight() { m.inFlightRequests.Inc() }
func (m *Metrics) DecInFlight() { m.inFlightRequests.Dec() }

// ObserveCommand implements router.Recorder.
func (m *Metrics) ObserveCommand(method string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.commandsTotal.WithLabelValues(method, outcome).Inc()
}

var _ router.Recorder = (*Metrics)(nil)
