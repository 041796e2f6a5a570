package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks which tier served each assessment.
type Metrics struct {
	Lookups      *prometheus.CounterVec
	Computations prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_risk_lookups_total",
			Help: "Risk assessments served, by source (cache, record, computed)",
		}, []string{"source"}),
		Computations: f.NewCounter(prometheus.CounterOpts{
			Name: "dunning_risk_computations_total",
			Help: "Risk scores computed from payment history",
		}),
	}
}

func (m *Metrics) IncLookup(source string) {
	if m != nil {
		m.Lookups.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncComputation() {
	if m != nil {
		m.Computations.Inc()
	}
}
