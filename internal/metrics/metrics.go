// Package metrics exposes engine counters to Prometheus. Counters are fed
// from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
)

// Metrics holds all the Prometheus metrics for the engine.
type Metrics struct {
	reg *prometheus.Registry

	LinksCreated    prometheus.Counter
	LinkTransitions *prometheus.CounterVec
	FactsAdded      prometheus.Counter
	Checkins        prometheus.Counter
	AbilitySkips    prometheus.Counter
	Overrides       prometheus.Counter
	PhaseAdvances   prometheus.Counter
	StateChanges    *prometheus.CounterVec
}

// New registers the engine metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		LinksCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "chainops_links_created_total",
			Help: "Total number of links added to operation chains",
		}),
		LinkTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chainops_link_transitions_total",
			Help: "Link status changes by resulting state",
		}, []string{"state"}),
		FactsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "chainops_facts_added_total",
			Help: "Total number of facts collected",
		}),
		Checkins: f.NewCounter(prometheus.CounterOpts{
			Name: "chainops_agent_checkins_total",
			Help: "Total number of agent beacons",
		}),
		AbilitySkips: f.NewCounter(prometheus.CounterOpts{
			Name: "chainops_ability_skips_total",
			Help: "Abilities the planner could not build a link for",
		}),
		Overrides: f.NewCounter(prometheus.CounterOpts{
			Name: "chainops_operator_overrides_total",
			Help: "Operator actions that moved a link out of a terminal status",
		}),
		PhaseAdvances: f.NewCounter(prometheus.CounterOpts{
			Name: "chainops_phase_advances_total",
			Help: "Total number of phase advances",
		}),
		StateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chainops_operation_state_changes_total",
			Help: "Operation state changes by resulting state",
		}, []string{"state"}),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// TrackOperations exports the number of operations per state, sampled from
// counts on every scrape.
func (m *Metrics) TrackOperations(counts func() map[operation.State]int) {
	f := promauto.With(m.reg)
	for _, s := range []operation.State{
		operation.StateRunning, operation.StatePaused, operation.StateCleanup, operation.StateFinished,
	} {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "chainops_operations",
			Help:        "Operations by state",
			ConstLabels: prometheus.Labels{"state": string(s)},
		}, func() float64 { return float64(counts()[s]) })
	}
}

// TrackBus exports the number of events the bus dropped.
func (m *Metrics) TrackBus(bus *events.Bus) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chainops_events_dropped",
		Help: "Events not delivered to a slow subscriber",
	}, func() float64 { return float64(bus.Dropped()) })
}

// Observe updates counters for one event.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.LinkCreated:
		m.LinksCreated.Inc()
	case events.LinkUpdated:
		if w, ok := e.Data.(link.Wire); ok {
			m.LinkTransitions.WithLabelValues(w.State).Inc()
		}
	case events.FactAdded:
		m.FactsAdded.Inc()
	case events.AgentCheckin:
		m.Checkins.Inc()
	case events.AbilitySkipped:
		m.AbilitySkips.Inc()
	case events.OperatorOverride:
		m.Overrides.Inc()
	case events.OperationPhase:
		m.PhaseAdvances.Inc()
	case events.OperationState:
		if d, ok := e.Data.(map[string]string); ok && d["state"] != "" {
			m.StateChanges.WithLabelValues(d["state"]).Inc()
		}
	}
}

// Run observes events until ctx is cancelled or ch is closed.
func (m *Metrics) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
