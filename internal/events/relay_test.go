package events_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/ledger/store"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/retry"
)

// =============================================================================
// Outbox Relay Test Suite
// =============================================================================
// Justification for unit tests: the retry schedule, dead-lettering and
// per-invoice ordering are decided by the relay against the outbox rows, so
// they are checked here against the in-memory ledger with a fixed clock.

type RelaySuite struct {
	suite.Suite
	ctx     context.Context
	ledger  *store.InMemory
	metrics *events.Metrics
	now     time.Time
	policy  retry.Policy
	handled []events.Event
	fail    func(evt events.Event) error
	relay   *events.Relay
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = store.NewInMemory()
	s.metrics = events.NewMetrics(prometheus.NewRegistry())
	s.now = time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	s.policy = retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, Multiplier: 2, MaxDelay: time.Minute}
	s.handled = nil
	s.fail = func(events.Event) error { return nil }
	s.relay = s.newRelay(events.HandlerFunc(func(_ context.Context, evt events.Event) error {
		s.handled = append(s.handled, evt)
		return s.fail(evt)
	}))
}

func (s *RelaySuite) newRelay(h events.Handler) *events.Relay {
	return events.NewRelay(s.ledger, h,
		events.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		events.WithMetrics(s.metrics),
		events.WithPolicy(s.policy),
		events.WithLease(time.Minute),
		events.WithClock(func() time.Time { return s.now }),
	)
}

// seed stores an invoice and advances it through stages, queuing one event
// per transition.
func (s *RelaySuite) seed(stages ...models.Stage) *models.Invoice {
	inv, err := models.NewInvoice(domain.NewInvoiceID(), domain.NewRetailerID(), domain.NewBuyerID(), "INV-R",
		s.now.AddDate(0, -2, 0), decimal.NewFromInt(25000), "en", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.CreateInvoice(s.ctx, inv))
	for _, to := range stages {
		from := inv.Stage
		inv.ApplyAdvance(to, s.now)
		evt := events.NewTransition(inv, from, to, s.now, nil)
		s.Require().NoError(s.ledger.CompareAndSwap(s.ctx, inv, evt))
	}
	return inv
}

func (s *RelaySuite) outbox(inv *models.Invoice) []events.Envelope {
	envs, err := s.ledger.ListByInvoice(s.ctx, inv.ID)
	s.Require().NoError(err)
	return envs
}

func (s *RelaySuite) runAt(at time.Time) int {
	s.now = at
	n, err := s.relay.RunOnce(s.ctx)
	s.Require().NoError(err)
	return n
}

func handledTypes(evts []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evts))
	for _, evt := range evts {
		out = append(out, evt.Type)
	}
	return out
}

// =============================================================================
// Delivery and retry
// =============================================================================

func (s *RelaySuite) TestProcessesDueEventsInOrder() {
	inv := s.seed(models.StageReminder1Sent, models.StageReminder2Sent)

	s.Equal(2, s.runAt(s.now))
	s.Equal([]events.Type{events.TypeReminderFirst, events.TypeReminderSecond}, handledTypes(s.handled))
	for _, env := range s.outbox(inv) {
		s.Equal(events.StatusProcessed, env.Status)
		s.Equal(1, env.Attempts)
	}
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Processed.WithLabelValues(string(events.TypeReminderFirst))))

	s.Run("processed events are not handed out again", func() {
		s.Zero(s.runAt(s.now.Add(time.Hour)))
		s.Len(s.handled, 2)
	})
}

func (s *RelaySuite) TestBackoffScheduleThenDeadLetter() {
	inv := s.seed(models.StageReminder1Sent)
	start := s.now
	s.fail = func(events.Event) error { return errors.New("broker down") }

	s.Zero(s.runAt(start))
	env := s.outbox(inv)[0]
	s.Equal(events.StatusPending, env.Status)
	s.Equal(1, env.Attempts)
	s.Equal(start.Add(s.policy.Delay(0)), env.NextAttemptAt)
	s.Equal("broker down", env.LastError)

	s.Zero(s.runAt(start.Add(5 * time.Second)))
	s.Len(s.handled, 1, "not due before the first backoff elapses")

	second := start.Add(s.policy.Delay(0))
	s.runAt(second)
	env = s.outbox(inv)[0]
	s.Equal(2, env.Attempts)
	s.Equal(second.Add(s.policy.Delay(1)), env.NextAttemptAt)

	s.runAt(second.Add(s.policy.Delay(1)))
	env = s.outbox(inv)[0]
	s.Equal(events.StatusDead, env.Status)
	s.Equal(3, env.Attempts)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Dead.WithLabelValues(string(events.TypeReminderFirst))))
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.Failed.WithLabelValues(string(events.TypeReminderFirst))))

	s.Zero(s.runAt(start.Add(24 * time.Hour)))
	s.Len(s.handled, 3, "dead events are never handled again")
}

func (s *RelaySuite) TestErrorCodesDecideRetry() {
	tests := []struct {
		name      string
		err       error
		status    events.Status
		retryable bool
	}{
		{"delivery failure is dead-lettered at once", dErrors.New(dErrors.CodeDeliveryFailed, "all channels exhausted"), events.StatusDead, false},
		{"fatal data is dead-lettered at once", dErrors.New(dErrors.CodeFatalData, "buyer unreachable"), events.StatusDead, false},
		{"concurrency conflict is retried", dErrors.New(dErrors.CodeConcurrencyConflict, "record changed"), events.StatusPending, true},
		{"transient dependency is retried", dErrors.New(dErrors.CodeTransientDependency, "gateway down"), events.StatusPending, true},
		{"unclassified errors are retried", errors.New("connection reset"), events.StatusPending, true},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			inv := s.seed(models.StageReminder1Sent)
			cause := tt.err
			s.fail = func(evt events.Event) error {
				if evt.InvoiceID == inv.ID {
					return cause
				}
				return nil
			}
			s.runAt(s.now)

			env := s.outbox(inv)[0]
			s.Equal(tt.status, env.Status)
			s.Equal(1, env.Attempts)
			if tt.retryable {
				s.Equal(s.now.Add(s.policy.Delay(0)), env.NextAttemptAt)
			}
		})
	}
}

// =============================================================================
// Per-invoice ordering
// =============================================================================

func (s *RelaySuite) TestFailedEventHoldsBackLaterEventsOfItsInvoice() {
	held := s.seed(models.StageReminder1Sent, models.StageReminder2Sent)
	other := s.seed(models.StageReminder1Sent)
	start := s.now

	failures := 1
	s.fail = func(evt events.Event) error {
		if evt.InvoiceID == held.ID && evt.Type == events.TypeReminderFirst && failures > 0 {
			failures--
			return dErrors.New(dErrors.CodeTransientDependency, "gateway down")
		}
		return nil
	}

	s.Equal(1, s.runAt(start))
	s.Require().Len(s.handled, 2)
	s.Equal(held.ID, s.handled[0].InvoiceID)
	s.Equal(other.ID, s.handled[1].InvoiceID, "the second reminder of the failing invoice is skipped")

	envs := s.outbox(held)
	s.Equal(1, envs[0].Attempts)
	s.Equal(events.StatusPending, envs[1].Status)
	s.Zero(envs[1].Attempts, "a held event is not charged an attempt")

	s.Run("the later event waits while the earlier one backs off", func() {
		s.Zero(s.runAt(start.Add(time.Second)))
		s.Len(s.handled, 2)
	})

	s.Run("after the retry both go out in stage order", func() {
		s.Equal(2, s.runAt(start.Add(s.policy.Delay(0))))
		s.Require().Len(s.handled, 4)
		s.Equal([]events.Type{events.TypeReminderFirst, events.TypeReminderSecond}, handledTypes(s.handled[2:]))
		for _, env := range s.outbox(held) {
			s.Equal(events.StatusProcessed, env.Status)
		}
	})
}

func (s *RelaySuite) TestAbandonedEventDoesNotBlockItsInvoice() {
	inv := s.seed(models.StageReminder1Sent, models.StageReminder2Sent)
	s.fail = func(evt events.Event) error {
		if evt.Type == events.TypeReminderFirst {
			return dErrors.New(dErrors.CodeFatalData, "buyer unreachable")
		}
		return nil
	}

	s.Equal(1, s.runAt(s.now))
	envs := s.outbox(inv)
	s.Equal(events.StatusDead, envs[0].Status)
	s.Equal(events.StatusProcessed, envs[1].Status)
}

// =============================================================================
// Router taps
// =============================================================================

func (s *RelaySuite) TestTapFailureRedeliversEvent() {
	inv := s.seed(models.StageReminder1Sent)

	var typed, tapped int
	tapFailures := 1
	router := events.NewRouter(nil, nil)
	router.Register(events.TypeReminderFirst, events.HandlerFunc(func(context.Context, events.Event) error {
		typed++
		return nil
	}))
	router.Tap(events.HandlerFunc(func(context.Context, events.Event) error {
		tapped++
		if tapFailures > 0 {
			tapFailures--
			return dErrors.New(dErrors.CodeTransientDependency, "stream unavailable")
		}
		return nil
	}))
	s.relay = s.newRelay(router)

	s.Zero(s.runAt(s.now))
	s.Equal(events.StatusPending, s.outbox(inv)[0].Status)

	s.Equal(1, s.runAt(s.now.Add(s.policy.Delay(0))))
	s.Equal(2, typed, "the type handler sees the redelivery")
	s.Equal(2, tapped)
	s.Equal(events.StatusProcessed, s.outbox(inv)[0].Status)
}
