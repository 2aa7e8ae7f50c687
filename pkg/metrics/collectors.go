package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TrustMetrics follows the relationship lifecycle as seen on the event bus.
type TrustMetrics struct {
	EventsTotal            *prometheus.CounterVec
	RelationshipsActivated prometheus.Counter
	// Reapprovals counts updates that widened sharing and sent an active
	// relationship back to pending.
	Reapprovals      prometheus.Counter
	ObserverFailures *prometheus.CounterVec
}

// NewTrustMetrics registers the trust lifecycle metrics.
func NewTrustMetrics() *TrustMetrics {
	m := &TrustMetrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trust",
				Name:      "events_total",
				Help:      "Trust events by action and result",
			},
			[]string{"action", "result"},
		),
		RelationshipsActivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trust",
				Name:      "relationships_activated_total",
				Help:      "Relationships that reached the active state",
			},
		),
		Reapprovals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trust",
				Name:      "reapprovals_total",
				Help:      "Relationship updates that require the partner to approve again",
			},
		),
		ObserverFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trust",
				Name:      "observer_failures_total",
				Help:      "Observer failures isolated by the event bus",
			},
			[]string{"observer"},
		),
	}

	GetRegistry().MustRegister(m.EventsTotal, m.RelationshipsActivated, m.Reapprovals, m.ObserverFailures)
	return m
}

// AccessMetrics counts access decisions between organizations.
type AccessMetrics struct {
	// DecisionsTotal is labelled by the deciding strategy, or "chain" when
	// every strategy denied.
	DecisionsTotal *prometheus.CounterVec
	// TrustLevelDecisions is labelled by the trust level in force, "none"
	// without an effective relationship.
	TrustLevelDecisions *prometheus.CounterVec
	DecisionLatency     *prometheus.HistogramVec
	StrategyFailures    *prometheus.CounterVec
}

// NewAccessMetrics registers the access decision metrics.
func NewAccessMetrics() *AccessMetrics {
	m := &AccessMetrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "access",
				Name:      "decisions_total",
				Help:      "Access decisions by strategy, granted access level and result",
			},
			[]string{"strategy", "access_level", "result"},
		),
		TrustLevelDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "access",
				Name:      "trust_level_decisions_total",
				Help:      "Access decisions by the trust level in force",
			},
			[]string{"trust_level", "result"},
		),
		DecisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "access",
				Name:      "decision_duration_seconds",
				Help:      "Time to load trust data and evaluate the strategy chain",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"result"},
		),
		StrategyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "access",
				Name:      "strategy_failures_total",
				Help:      "Strategy errors isolated by the manager",
			},
			[]string{"strategy"},
		),
	}

	GetRegistry().MustRegister(m.DecisionsTotal, m.TrustLevelDecisions, m.DecisionLatency, m.StrategyFailures)
	return m
}

// SharingMetrics counts sharing decisions and the transport behind them.
type SharingMetrics struct {
	// ShareDecisions is labelled by result, anonymization level and TLP
	// marking of each recipient's copy.
	ShareDecisions      *prometheus.CounterVec
	AnonymizationsTotal *prometheus.CounterVec
	TransportState      prometheus.Gauge
}

// NewSharingMetrics registers the sharing metrics.
func NewSharingMetrics() *SharingMetrics {
	m := &SharingMetrics{
		ShareDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sharing",
				Name:      "share_decisions_total",
				Help:      "Per-recipient share outcomes",
			},
			[]string{"result", "anonymization", "tlp"},
		),
		AnonymizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sharing",
				Name:      "anonymizations_total",
				Help:      "Objects anonymized by effective level",
			},
			[]string{"level"},
		),
		TransportState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sharing",
				Name:      "transport_breaker_state",
				Help:      "TAXII transport breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
	}

	GetRegistry().MustRegister(m.ShareDecisions, m.AnonymizationsTotal, m.TransportState)
	return m
}
