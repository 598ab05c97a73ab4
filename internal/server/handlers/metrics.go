package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control server's Prometheus instruments on a
// private registry so tests can build servers without collisions.
type Metrics struct {
	registry *prometheus.Registry

	Polls   *prometheus.CounterVec
	Results *prometheus.CounterVec
	Steps   *prometheus.CounterVec
}

// NewMetrics builds a registry with the heartbeat and workflow
// counters plus the standard process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_heartbeat_polls_total",
			Help: "Heartbeat polls served, by node.",
		}, []string{"node"}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_heartbeat_results_total",
			Help: "Agent event results accepted, by outcome.",
		}, []string{"outcome"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_workflow_steps_total",
			Help: "Workflow step executions, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Polls, m.Results, m.Steps)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
