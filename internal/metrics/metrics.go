// Package metrics registers the ambient Prometheus instrumentation for
// the migration control plane: routing decisions by engine and reason,
// breaker phase, and engine execution time. The teacher repo lists
// github.com/prometheus/client_golang in its go.mod but never imports
// it, favoring a hand-rolled text-exposition writer instead; this
// package is where that dependency is actually put to work.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// phaseValue maps a breaker phase name to the gauge value the dashboard
// convention in the teacher's own metrics package used: 0=closed,
// 1=open, 2=half_open.
var phaseValue = map[string]float64{
	"closed":    0,
	"open":      1,
	"half_open": 2,
}

// Registry bundles every metric this process exports, each registered
// on its own *prometheus.Registry so multiple controllers in the same
// process (as in tests) never collide on the default global registry.
type Registry struct {
	reg *prometheus.Registry

	routingDecisions *prometheus.CounterVec
	breakerPhase     prometheus.Gauge
	engineDuration   *prometheus.HistogramVec
	rollbackEvents   *prometheus.CounterVec
}

// New constructs and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_routing_decisions_total",
			Help: "Routing decisions made by the router, labeled by chosen engine and reason.",
		}, []string{"engine", "reason"}),
		breakerPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "migration_circuit_breaker_phase",
			Help: "Circuit breaker phase: 0=closed, 1=open, 2=half_open.",
		}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migration_engine_execution_seconds",
			Help:    "Generation engine execution time in seconds, labeled by engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
		rollbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_rollback_events_total",
			Help: "Rollback events recorded, labeled by trigger and outcome.",
		}, []string{"trigger", "succeeded"}),
	}

	reg.MustRegister(r.routingDecisions, r.breakerPhase, r.engineDuration, r.rollbackEvents)
	return r
}

// RecordRoutingDecision increments the routing-decision counter.
func (r *Registry) RecordRoutingDecision(engine, reason string) {
	r.routingDecisions.WithLabelValues(engine, reason).Inc()
}

// SetBreakerPhase sets the breaker-phase gauge from a phase name.
func (r *Registry) SetBreakerPhase(phase string) {
	r.breakerPhase.Set(phaseValue[phase])
}

// ObserveEngineDuration records one engine's execution time.
func (r *Registry) ObserveEngineDuration(engine string, seconds float64) {
	r.engineDuration.WithLabelValues(engine).Observe(seconds)
}

// RecordRollbackEvent increments the rollback-event counter.
func (r *Registry) RecordRollbackEvent(trigger string, succeeded bool) {
	outcome := "false"
	if succeeded {
		outcome = "true"
	}
	r.rollbackEvents.WithLabelValues(trigger, outcome).Inc()
}

// Handler returns an http.Handler that serves this registry's metrics in
// Prometheus text exposition format, for a host process to mount at
// /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
