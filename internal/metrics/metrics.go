// Package metrics exports orchestration counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors. It implements the registry and
// merge coordinator recorder interfaces.
//
// Metrics:
//   - parallax_registry_transitions_total{entity,to}
//   - parallax_merge_attempts_total{result}
//   - parallax_agents_active
//   - parallax_events_dropped_total (once CountDroppedEvents is called)
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	MergeAttempts *prometheus.CounterVec
	AgentsActive  prometheus.Gauge
}

// New creates collectors on a private registry so several sessions (and
// tests) never collide on registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parallax_registry_transitions_total",
				Help: "State transitions committed by the orchestration registry",
			},
			[]string{"entity", "to"}, // entity: task, agent, workspace, handoff, session
		),
		MergeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parallax_merge_attempts_total",
				Help: "Workspace merge attempts by outcome",
			},
			[]string{"result"}, // merged, conflict, refused, error
		),
		AgentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parallax_agents_active",
			Help: "Agents currently working on a task",
		}),
	}
}

// Transition counts one committed state change.
func (m *Metrics) Transition(entity, to string) {
	m.Transitions.WithLabelValues(entity, to).Inc()
}

// SetAgentsActive sets the number of active agents.
func (m *Metrics) SetAgentsActive(n int) {
	m.AgentsActive.Set(float64(n))
}

// MergeAttempt counts one merge outcome.
func (m *Metrics) MergeAttempt(result string) {
	m.MergeAttempts.WithLabelValues(result).Inc()
}

// CountDroppedEvents exports the event bus's count of deliveries skipped
// because a subscriber was full.
func (m *Metrics) CountDroppedEvents(dropped func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "parallax_events_dropped_total",
			Help: "Event deliveries skipped because a subscriber was full",
		},
		func() float64 { return float64(dropped()) },
	))
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
