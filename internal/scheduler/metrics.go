package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dunning/internal/events"
	dErrors "dunning/pkg/domain-errors"
)

// Metrics provides observability for deadline sweeps.
type Metrics struct {
	SweepDuration prometheus.Histogram
	Evaluated     prometheus.Counter
	Emitted       *prometheus.CounterVec
	Failures      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dunning_sweep_duration_seconds",
			Help:    "Duration of a full deadline sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		Evaluated: f.NewCounter(prometheus.CounterOpts{
			Name: "dunning_sweep_invoices_evaluated_total",
			Help: "Invoices evaluated by deadline sweeps",
		}),
		Emitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_sweep_emissions_total",
			Help: "Threshold transitions emitted by sweeps, by event type",
		}, []string{"type"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dunning_sweep_invoice_failures_total",
			Help: "Invoices a sweep flagged and skipped, by error code",
		}, []string{"code"}),
	}
}

// ObserveSweep records the duration of a sweep.
// Call with time.Now() at the start of the sweep.
func (m *Metrics) ObserveSweep(start time.Time) {
	if m != nil {
		m.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncEvaluated() {
	if m != nil {
		m.Evaluated.Inc()
	}
}

func (m *Metrics) IncEmitted(t events.Type) {
	if m != nil {
		m.Emitted.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) IncFailure(code dErrors.Code) {
	if m != nil {
		m.Failures.WithLabelValues(string(code)).Inc()
	}
}
