// Package lifecycle owns every change to an invoice's stage. Writes are
// optimistic: read, decide, compare-and-swap on version, and on conflict
// re-read and decide again.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/penalty"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/sentinel"
)

// Store is the slice of the ledger the machine writes through.
type Store interface {
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
	CompareAndSwap(ctx context.Context, inv *models.Invoice, evts ...events.Event) error
}

// ErrNoChange is returned by a Mutation that found nothing to do.
var ErrNoChange = errors.New("no change")

// Mutation inspects a freshly read invoice, mutates it in place and returns
// the events the change produces. It may be called several times for one
// Execute when writers race, so it must not have side effects beyond inv.
type Mutation func(inv *models.Invoice) ([]events.Event, error)

// Result describes the outcome of Execute.
type Result struct {
	Invoice  *models.Invoice
	Events   []events.Event
	Applied  bool
	Attempts int
}

// Machine applies stage transitions under optimistic concurrency.
type Machine struct {
	store      Store
	rates      penalty.RateProvider
	maxRetries int
	logger     *slog.Logger
	metrics    *Metrics
}

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// WithMaxRetries bounds how many times a conflicting write is re-decided.
func WithMaxRetries(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

func New(store Store, rates penalty.RateProvider, opts ...Option) *Machine {
	m := &Machine{
		store:      store,
		rates:      rates,
		maxRetries: 5,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs mutate against the current invoice and persists the result
// with a version check. Conflicts are retried with a fresh read; running out
// of retries is reported as fatal data.
func (m *Machine) Execute(ctx context.Context, invoiceID domain.InvoiceID, mutate Mutation) (*Result, error) {
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		inv, err := m.store.GetInvoice(ctx, invoiceID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeNotFound, "invoice not found").
					WithDetail("invoice_id", invoiceID.String())
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load invoice")
		}

		evts, err := mutate(inv)
		if errors.Is(err, ErrNoChange) {
			return &Result{Invoice: inv, Attempts: attempt}, nil
		}
		if err != nil {
			return nil, err
		}

		err = m.store.CompareAndSwap(ctx, inv, evts...)
		if err == nil {
			for _, evt := range evts {
				m.metrics.IncTransition(evt.To)
			}
			return &Result{Invoice: inv, Events: evts, Applied: true, Attempts: attempt}, nil
		}
		if !errors.Is(err, sentinel.ErrVersionConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist invoice")
		}
		m.metrics.IncConflict()
		m.logger.DebugContext(ctx, "invoice version conflict, re-reading",
			"invoice_id", invoiceID.String(),
			"attempt", attempt,
		)
	}
	return nil, dErrors.Wrap(sentinel.ErrVersionConflict, dErrors.CodeFatalData, "invoice kept changing during update").
		WithDetail("invoice_id", invoiceID.String())
}

// Advance moves an invoice from one stage to the next. It is idempotent: an
// invoice already at or past to is left unchanged. A paid invoice is never
// advanced.
func (m *Machine) Advance(ctx context.Context, invoiceID domain.InvoiceID, from, to models.Stage, now time.Time, payload map[string]string) (*Result, error) {
	rate, err := m.bankRate(ctx)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, invoiceID, func(inv *models.Invoice) ([]events.Event, error) {
		if inv.IsPaid() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice is paid").
				WithDetail("invoice_id", inv.ID.String())
		}
		if inv.Stage >= to {
			return nil, ErrNoChange
		}
		if inv.Stage != from {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice is not in the expected stage").
				WithDetail("expected", from.String()).
				WithDetail("actual", inv.Stage.String())
		}
		return m.step(inv, to, rate, now, payload)
	})
}

// Step advances inv by one forward stage in memory and returns the event for
// the transition. It is the building block scheduler mutations use.
func (m *Machine) Step(inv *models.Invoice, to models.Stage, bankRate decimal.Decimal, now time.Time) ([]events.Event, error) {
	return m.step(inv, to, bankRate, now, nil)
}

func (m *Machine) step(inv *models.Invoice, to models.Stage, bankRate decimal.Decimal, now time.Time, extra map[string]string) ([]events.Event, error) {
	if err := inv.CanAdvanceTo(to); err != nil {
		return nil, err
	}
	payload, err := amountsPayload(inv, bankRate, now)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		payload[k] = v
	}
	from := inv.Stage
	inv.ApplyAdvance(to, now)
	return []events.Event{events.NewTransition(inv, from, to, now, payload)}, nil
}

// MarkPaid settles an invoice. Any scheduler write computed against the
// pre-payment version will fail its version check and, on re-read, find the
// invoice paid.
func (m *Machine) MarkPaid(ctx context.Context, invoiceID domain.InvoiceID, paidAt time.Time, reference string, now time.Time) (*Result, error) {
	return m.Execute(ctx, invoiceID, func(inv *models.Invoice) ([]events.Event, error) {
		if err := inv.CanMarkPaid(); err != nil {
			return nil, err
		}
		from := inv.Stage
		inv.ApplyPayment(paidAt, reference, now)
		payload := map[string]string{"paid_at": paidAt.UTC().Format(time.RFC3339)}
		return []events.Event{events.NewTransition(inv, from, models.StagePaid, now, payload)}, nil
	})
}

// Anonymize strips retailer identity from an invoice in place.
func (m *Machine) Anonymize(ctx context.Context, invoiceID domain.InvoiceID, pseudonym string, now time.Time) (*Result, error) {
	return m.Execute(ctx, invoiceID, func(inv *models.Invoice) ([]events.Event, error) {
		if err := inv.CanAnonymize(); err != nil {
			return nil, err
		}
		inv.ApplyAnonymization(pseudonym, now)
		return nil, nil
	})
}

// BankRate exposes the configured reference rate to callers that build
// their own mutations.
func (m *Machine) BankRate(ctx context.Context) (decimal.Decimal, error) {
	return m.bankRate(ctx)
}

func (m *Machine) bankRate(ctx context.Context) (decimal.Decimal, error) {
	rate, err := m.rates.BankRate(ctx)
	if err != nil {
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeTransientDependency, "bank reference rate unavailable")
	}
	return rate, nil
}

// amountsPayload snapshots the amounts owed at transition time for the
// notification layer. The snapshot is informational; penalty is always
// recomputed on read.
func amountsPayload(inv *models.Invoice, bankRate decimal.Decimal, now time.Time) (map[string]string, error) {
	res, err := penalty.ForInvoice(inv, bankRate, now)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"principal":    inv.Principal.String(),
		"penalty":      res.Penalty.StringFixed(penalty.AmountPlaces),
		"total_due":    res.TotalDue.StringFixed(penalty.AmountPlaces),
		"overdue_days": strconv.Itoa(res.OverdueDays),
		"days_elapsed": strconv.Itoa(inv.DaysElapsed(now)),
		"due_date":     inv.DueDate.Format(time.DateOnly),
		"language":     inv.Language,
		"buyer_id":     inv.BuyerID.String(),
	}, nil
}
