package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dunning/internal/ledger/models"
)

// Metrics tracks delivery attempts and their outcomes per channel.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Outcomes *prometheus.CounterVec
	Skipped  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_dispatch_attempts_total",
			Help: "Delivery attempts, by channel",
		}, []string{"channel"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_dispatch_outcomes_total",
			Help: "Final per-channel delivery outcomes, by channel and status",
		}, []string{"channel", "status"}),
		Skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "dunning_dispatch_duplicates_skipped_total",
			Help: "Dispatch requests ignored because the stage was already delivered",
		}),
	}
}

func (m *Metrics) IncAttempt(ch models.Channel) {
	if m != nil {
		m.Attempts.WithLabelValues(string(ch)).Inc()
	}
}

func (m *Metrics) IncOutcome(ch models.Channel, status models.DeliveryStatus) {
	if m != nil {
		m.Outcomes.WithLabelValues(string(ch), string(status)).Inc()
	}
}

func (m *Metrics) IncSkipped() {
	if m != nil {
		m.Skipped.Inc()
	}
}
