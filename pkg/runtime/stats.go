package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plcforge/edgevault/pkg/slot"
)

// Metrics is the runtime's Prometheus surface.
type Metrics struct {
	updates       *prometheus.CounterVec
	violations    prometheus.Counter
	activeInfo    *prometheus.GaugeVec
	cycleDuration prometheus.Histogram

	mu         sync.Mutex
	lastActive []string
}

// NewMetrics registers the runtime metric family on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgevault",
			Name:      "updates_total",
			Help:      "Update attempts by final result.",
		}, []string{"result"}),
		violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgevault",
			Name:      "invariant_violations_total",
			Help:      "Control cycles whose actuation was clamped by a safety rule.",
		}),
		activeInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgevault",
			Name:      "active_agent_info",
			Help:      "Set to 1 for the currently active agent, labelled by identity.",
		}, []string{"agent", "version", "bank"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgevault",
			Name:      "cycle_duration_seconds",
			Help:      "Control cycle wall time.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}

// observeActive points the info gauge at the given agent, clearing the
// previous series.
func (m *Metrics) observeActive(agent *ActiveAgent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastActive != nil {
		m.activeInfo.DeleteLabelValues(m.lastActive...)
		m.lastActive = nil
	}
	if agent == nil {
		return
	}
	labels := []string{agent.ID, agent.Version.String(), agent.Bank.String()}
	m.activeInfo.WithLabelValues(labels...).Set(1)
	m.lastActive = labels
}

// Stats is the read-only snapshot served to telemetry and status tooling.
type Stats struct {
	ActiveAgent    string        `json:"activeAgent"`
	ActiveVersion  string        `json:"activeVersion"`
	ActiveBank     string        `json:"activeBank"`
	ActiveSequence uint64        `json:"activeSequence"`
	HasActive      bool          `json:"hasActive"`
	Updates        slot.Counters `json:"updates"`
	Violations     uint64        `json:"violations"`
}

// Stats returns the current snapshot. Safe from any goroutine.
func (r *Runtime) Stats() Stats {
	s := Stats{
		Updates:    r.slots.Stats(),
		Violations: r.violations.Load(),
	}
	if agent := r.agent.Load(); agent != nil {
		s.HasActive = true
		s.ActiveAgent = agent.ID
		s.ActiveVersion = agent.Version.String()
		s.ActiveBank = agent.Bank.String()
		s.ActiveSequence = agent.Sequence
	}
	return s
}
