package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks outbox relay throughput and failures.
type Metrics struct {
	Processed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Dead      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_outbox_events_processed_total",
			Help: "Outbox events handled successfully, by event type",
		}, []string{"type"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_outbox_events_failed_total",
			Help: "Outbox event handling failures scheduled for retry, by event type",
		}, []string{"type"}),
		Dead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_outbox_events_dead_total",
			Help: "Outbox events abandoned after exhausting retries, by event type",
		}, []string{"type"}),
	}
}

func (m *Metrics) IncProcessed(t Type) {
	if m != nil {
		m.Processed.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) IncFailed(t Type) {
	if m != nil {
		m.Failed.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) IncDead(t Type) {
	if m != nil {
		m.Dead.WithLabelValues(string(t)).Inc()
	}
}
