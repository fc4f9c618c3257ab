// Package metrics exposes Prometheus instrumentation for the dialogue core.
// All methods are safe on a nil receiver so instrumentation stays optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for the scheduler and the connection pool.
type Metrics struct {
	turns        *prometheus.CounterVec
	terminations *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	liveConns    prometheus.Gauge
}

// New creates the collectors and registers them with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "turns_total",
			Help:      "Dialogue turns taken, by role and outcome.",
		}, []string{"role", "outcome"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "cycle_terminations_total",
			Help:      "Dialogue cycle terminations, by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "pool_evictions_total",
			Help:      "Connection pool evictions, by reason.",
		}, []string{"reason"}),
		liveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "pool_live_connections",
			Help:      "Connections currently held by the pool.",
		}),
	}
	reg.MustRegister(m.turns, m.terminations, m.evictions, m.liveConns)
	return m
}

// Turn outcomes.
const (
	OutcomeSubstantive = "substantive"
	OutcomePlaceholder = "placeholder"
	OutcomeError       = "error"
)

// Eviction reasons.
const (
	EvictIdle      = "idle"
	EvictUnhealthy = "unhealthy"
	EvictDead      = "dead"
	EvictCap       = "cap"
	EvictDiscard   = "discard"
	EvictShutdown  = "shutdown"
)

// Termination reasons.
const (
	TerminateModerator      = "moderator"
	TerminateAllPlaceholder = "all_placeholder"
	TerminateAllError       = "all_error"
)

func (m *Metrics) ObserveTurn(role, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) ObserveTermination(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.liveConns.Set(float64(n))
}
