package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dunning/internal/ledger/models"
)

// Metrics counts persisted transitions and optimistic-lock conflicts.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Conflicts   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_stage_transitions_total",
			Help: "Invoice stage transitions persisted, by target stage",
		}, []string{"stage"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "dunning_invoice_version_conflicts_total",
			Help: "Invoice writes rejected for a stale version and retried",
		}),
	}
}

func (m *Metrics) IncTransition(stage models.Stage) {
	if m != nil {
		m.Transitions.WithLabelValues(stage.String()).Inc()
	}
}

func (m *Metrics) IncConflict() {
	if m != nil {
		m.Conflicts.Inc()
	}
}
