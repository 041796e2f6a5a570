package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/retry"
)

// Relay drains the outbox into a Handler. Failed events are retried on the
// relay's backoff policy and marked dead once attempts run out.
type Relay struct {
	outbox   Outbox
	handler  Handler
	policy   retry.Policy
	batch    int
	lease    time.Duration
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
}

type RelayOption func(*Relay)

func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

func WithMetrics(m *Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithPolicy(p retry.Policy) RelayOption {
	return func(r *Relay) { r.policy = p }
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLease(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.lease = d
		}
	}
}

func WithClock(clock func() time.Time) RelayOption {
	return func(r *Relay) { r.clock = clock }
}

func NewRelay(outbox Outbox, handler Handler, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:   outbox,
		handler:  handler,
		policy:   retry.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 10 * time.Minute},
		batch:    50,
		lease:    2 * time.Minute,
		interval: 2 * time.Second,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce handles one batch of due events and returns how many were
// processed successfully. Once an invoice's event fails and is scheduled for
// retry, its later events in the batch are released unhandled so they never
// overtake it.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.clock()
	claimed, err := r.outbox.ClaimPending(ctx, now, r.batch, r.lease)
	if err != nil {
		return 0, err
	}
	processed := 0
	held := make(map[domain.InvoiceID]bool)
	for _, env := range claimed {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if held[env.Event.InvoiceID] {
			r.release(ctx, env, now)
			continue
		}
		switch r.deliver(ctx, env) {
		case outcomeProcessed:
			processed++
		case outcomeRetrying:
			held[env.Event.InvoiceID] = true
		}
	}
	return processed, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeRetrying
	outcomeAbandoned
	// outcomeUnrecorded: the handler succeeded but the outbox write did not.
	outcomeUnrecorded
)

func (r *Relay) deliver(ctx context.Context, env Envelope) outcome {
	evt := env.Event
	err := r.handler.Handle(ctx, evt)
	if err == nil {
		if markErr := r.outbox.MarkProcessed(ctx, evt.ID, r.clock()); markErr != nil {
			r.logger.ErrorContext(ctx, "failed to mark event processed",
				"event_id", evt.ID.String(),
				"error", markErr,
			)
			return outcomeUnrecorded
		}
		r.metrics.IncProcessed(evt.Type)
		return outcomeProcessed
	}

	attempts := env.Attempts + 1
	dead := !shouldRetry(err) || attempts >= r.policy.Attempts()
	next := r.clock().Add(r.policy.Delay(attempts - 1))
	if markErr := r.outbox.MarkFailed(ctx, evt.ID, err.Error(), next, dead); markErr != nil {
		r.logger.ErrorContext(ctx, "failed to record event failure",
			"event_id", evt.ID.String(),
			"error", markErr,
		)
	}

	attrs := []any{
		"event_id", evt.ID.String(),
		"event_type", evt.Type,
		"invoice_id", evt.InvoiceID.String(),
		"attempts", attempts,
		"code", dErrors.CodeOf(err),
		"error", err,
	}
	if dead {
		r.metrics.IncDead(evt.Type)
		r.logger.ErrorContext(ctx, "event abandoned", attrs...)
		return outcomeAbandoned
	}
	r.metrics.IncFailed(evt.Type)
	r.logger.WarnContext(ctx, "event handling failed, will retry", attrs...)
	return outcomeRetrying
}

// release hands a held-back event to the next pass. If the release itself
// fails the lease simply runs out.
func (r *Relay) release(ctx context.Context, env Envelope, now time.Time) {
	evt := env.Event
	r.logger.DebugContext(ctx, "holding event behind earlier failure",
		"event_id", evt.ID.String(),
		"event_type", evt.Type,
		"invoice_id", evt.InvoiceID.String(),
	)
	if err := r.outbox.Release(ctx, evt.ID, now); err != nil {
		r.logger.WarnContext(ctx, "failed to release held event",
			"event_id", evt.ID.String(),
			"error", err,
		)
	}
}

// shouldRetry retries unclassified errors; coded errors carry their own
// retryable flag.
func shouldRetry(err error) bool {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
