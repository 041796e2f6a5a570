// Package scheduler runs deadline sweeps: for every open invoice it compares
// elapsed days against the threshold table and advances the invoice through
// every stage it has become due for, one stage at a time and in order.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/lifecycle"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/sentinel"
)

// Store is the read side a sweep needs.
type Store interface {
	ListSchedulable(ctx context.Context) ([]*models.Invoice, error)
	GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error)
}

// Machine applies transitions under optimistic concurrency.
type Machine interface {
	Execute(ctx context.Context, invoiceID domain.InvoiceID, mutate lifecycle.Mutation) (*lifecycle.Result, error)
	Step(inv *models.Invoice, to models.Stage, bankRate decimal.Decimal, now time.Time) ([]events.Event, error)
	BankRate(ctx context.Context) (decimal.Decimal, error)
}

// Outcome is what one sweep did to one invoice.
type Outcome struct {
	InvoiceID domain.InvoiceID `json:"invoice_id"`
	Emitted   []events.Type    `json:"emitted,omitempty"`
	Err       error            `json:"-"`
	Code      dErrors.Code     `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Report summarises a sweep. Failures are attached to the invoice they
// concern; a failing invoice never aborts the batch.
type Report struct {
	Now       time.Time `json:"now"`
	Evaluated int       `json:"evaluated"`
	Emitted   int       `json:"emitted"`
	Failed    []Outcome `json:"failed,omitempty"`
	Advanced  []Outcome `json:"advanced,omitempty"`
}

// Scheduler evaluates open invoices against the threshold table.
type Scheduler struct {
	store      Store
	machine    Machine
	thresholds Thresholds
	workers    int
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithThresholds(t Thresholds) Option {
	return func(s *Scheduler) { s.thresholds = t }
}

// WithWorkers bounds how many invoices are evaluated in parallel.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

func New(store Store, machine Machine, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		machine:    machine,
		thresholds: DefaultThresholds(),
		workers:    8,
		logger:     slog.Default(),
		tracer:     otel.Tracer("dunning/scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep evaluates every schedulable invoice at now. Running it repeatedly
// over unchanged data is a no-op after the first run; overlapping sweeps are
// safe because each step is a version-checked write.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (*Report, error) {
	start := time.Now()
	defer s.metrics.ObserveSweep(start)

	ctx, span := s.tracer.Start(ctx, "scheduler.Sweep",
		trace.WithAttributes(attribute.String("sweep.now", now.UTC().Format(time.RFC3339))))
	defer span.End()

	invoices, err := s.store.ListSchedulable(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list invoices")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list schedulable invoices")
	}
	rate, err := s.machine.BankRate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bank rate")
		return nil, err
	}

	outcomes := make([]Outcome, len(invoices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, inv := range invoices {
		g.Go(func() error {
			outcomes[i] = s.evaluate(gctx, inv, rate, now)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Now: now, Evaluated: len(invoices)}
	for _, o := range outcomes {
		report.Emitted += len(o.Emitted)
		if o.Err != nil {
			report.Failed = append(report.Failed, o)
		} else if len(o.Emitted) > 0 {
			report.Advanced = append(report.Advanced, o)
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.evaluated", report.Evaluated),
		attribute.Int("sweep.emitted", report.Emitted),
		attribute.Int("sweep.failed", len(report.Failed)),
	)
	s.logger.InfoContext(ctx, "deadline sweep complete",
		"evaluated", report.Evaluated,
		"emitted", report.Emitted,
		"failed", len(report.Failed),
		"duration", time.Since(start),
	)
	return report, nil
}

// evaluate advances one invoice through every threshold it has crossed. Each
// step is a separate compare-and-swap, so a payment recorded between steps
// stops the catch-up at the next re-read.
func (s *Scheduler) evaluate(ctx context.Context, inv *models.Invoice, rate decimal.Decimal, now time.Time) Outcome {
	out := Outcome{InvoiceID: inv.ID}
	s.metrics.IncEvaluated()

	if s.thresholds.Due(inv.DaysElapsed(now)) <= inv.Watermark {
		return out
	}
	if err := s.requireBuyer(ctx, inv); err != nil {
		return s.fail(ctx, out, err)
	}

	// One iteration per threshold plus the final no-change read.
	for range len(s.thresholds) + 1 {
		res, err := s.machine.Execute(ctx, inv.ID, func(current *models.Invoice) ([]events.Event, error) {
			if !current.IsSchedulable() {
				return nil, lifecycle.ErrNoChange
			}
			if s.thresholds.Due(current.DaysElapsed(now)) <= current.Watermark {
				return nil, lifecycle.ErrNoChange
			}
			return s.machine.Step(current, current.Watermark+1, rate, now)
		})
		if err != nil {
			return s.fail(ctx, out, err)
		}
		if !res.Applied {
			break
		}
		for _, evt := range res.Events {
			out.Emitted = append(out.Emitted, evt.Type)
			s.metrics.IncEmitted(evt.Type)
		}
	}
	return out
}

func (s *Scheduler) requireBuyer(ctx context.Context, inv *models.Invoice) error {
	_, err := s.store.GetBuyer(ctx, inv.BuyerID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeFatalData, "invoice references a missing buyer").
			WithDetail("buyer_id", inv.BuyerID.String())
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to load buyer")
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, out Outcome, err error) Outcome {
	out.Err = err
	out.Code = dErrors.CodeOf(err)
	out.Message = err.Error()
	s.metrics.IncFailure(out.Code)
	s.logger.WarnContext(ctx, "invoice skipped by sweep",
		"invoice_id", out.InvoiceID.String(),
		"code", out.Code,
		"error", err,
	)
	return out
}

// Runner triggers sweeps on a fixed interval. Sweeps never overlap within one
// runner.
type Runner struct {
	scheduler *Scheduler
	interval  time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	mu        sync.Mutex
	last      *Report
}

func NewRunner(s *Scheduler, interval time.Duration, clock func() time.Time) *Runner {
	if clock == nil {
		clock = time.Now
	}
	return &Runner{scheduler: s, interval: interval, clock: clock, logger: s.logger}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		report, err := r.scheduler.Sweep(ctx, r.clock())
		if err != nil {
			r.logger.ErrorContext(ctx, "deadline sweep failed", "error", err)
		} else {
			r.mu.Lock()
			r.last = report
			r.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LastReport returns the most recent successful sweep report, if any.
func (r *Runner) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
