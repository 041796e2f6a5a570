// Package dispatch delivers stage content to buyers. Each channel is tried
// with bounded exponential backoff; when a channel is exhausted the next one
// in the plan is tried, and when every channel is exhausted the failure is
// recorded and reported rather than dropped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dunning/internal/collab"
	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/retry"
	"dunning/pkg/platform/sentinel"
)

// Store persists one communication record per (invoice, stage, channel).
type Store interface {
	GetCommunication(ctx context.Context, invoiceID domain.InvoiceID, stage models.Stage, channel models.Channel) (*models.CommunicationRecord, error)
	SaveCommunication(ctx context.Context, rec *models.CommunicationRecord) error
}

// Renderer produces content for a channel on demand. Failures count as
// delivery attempts.
type Renderer func(ctx context.Context, channel models.Channel) (collab.Content, error)

// Request asks for a stage's message to reach the buyer.
type Request struct {
	InvoiceID domain.InvoiceID
	Stage     models.Stage
	// Channels in preference order: primary first, then backups.
	Channels []models.Channel
	// Recipients per channel. A channel without one is recorded as
	// permanently failed without an attempt.
	Recipients map[models.Channel]collab.Recipient
	// Content per channel. Channels missing here are rendered with Render.
	Content map[models.Channel]collab.Content
	Render  Renderer
}

// Result reports what a dispatch did.
type Result struct {
	// DeliveredVia is the channel that succeeded, empty if none did.
	DeliveredVia models.Channel
	// Duplicate is set when an earlier dispatch had already delivered.
	Duplicate bool
	Records   []*models.CommunicationRecord
}

// DefaultPolicy is three attempts per channel with a doubling delay.
func DefaultPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Dispatcher sends through registered channel senders.
type Dispatcher struct {
	store   Store
	senders map[models.Channel]collab.Sender
	policy  retry.Policy
	sleep   retry.Sleeper
	clock   func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithSleeper replaces the backoff wait, e.g. with a no-op in tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(d *Dispatcher) { d.sleep = s }
}

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func New(store Store, senders []collab.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		senders: make(map[models.Channel]collab.Sender, len(senders)),
		policy:  DefaultPolicy(),
		sleep:   retry.Sleep,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels lists the channels a sender is registered for.
func (d *Dispatcher) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(d.senders))
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelWhatsApp, models.ChannelPost} {
		if _, ok := d.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Dispatch delivers req over the first channel that succeeds. A request for
// a stage that already reached the buyer on any of its channels is a no-op.
// When every channel is exhausted the records are left permanently failed
// and a delivery_failed error is returned alongside the result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}

	records := make([]*models.CommunicationRecord, 0, len(req.Channels))
	for _, ch := range req.Channels {
		rec, err := d.load(ctx, req, ch)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsSuccessful() {
			d.metrics.IncSkipped()
			d.logger.DebugContext(ctx, "stage already delivered, skipping dispatch",
				"invoice_id", req.InvoiceID.String(),
				"stage", req.Stage.String(),
				"channel", string(ch),
			)
			return &Result{DeliveredVia: ch, Duplicate: true, Records: []*models.CommunicationRecord{rec}}, nil
		}
		records = append(records, rec)
	}

	result := &Result{Records: records}
	for _, rec := range records {
		if rec.Status == models.DeliveryPermanentlyFailed {
			continue
		}
		if err := d.deliver(ctx, req, rec); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if errors.Is(err, errStore) {
				return result, err
			}
			continue
		}
		result.DeliveredVia = rec.Channel
		return result, nil
	}

	d.logger.ErrorContext(ctx, "all channels exhausted",
		"invoice_id", req.InvoiceID.String(),
		"stage", req.Stage.String(),
		"channels", len(records),
	)
	return result, dErrors.New(dErrors.CodeDeliveryFailed, "delivery failed on every channel").
		WithDetail("invoice_id", req.InvoiceID.String()).
		WithDetail("stage", req.Stage.String())
}

func (d *Dispatcher) validate(req Request) error {
	if req.InvoiceID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "invoice id is required")
	}
	if len(req.Channels) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one channel is required")
	}
	seen := make(map[models.Channel]bool, len(req.Channels))
	for _, ch := range req.Channels {
		if _, ok := d.senders[ch]; !ok {
			return dErrors.New(dErrors.CodeValidation, "no sender for channel").
				WithDetail("channel", string(ch))
		}
		if seen[ch] {
			return dErrors.New(dErrors.CodeValidation, "channel listed twice").
				WithDetail("channel", string(ch))
		}
		seen[ch] = true
		if _, ok := req.Content[ch]; !ok && req.Render == nil {
			return dErrors.New(dErrors.CodeValidation, "no content for channel").
				WithDetail("channel", string(ch))
		}
	}
	return nil
}

func (d *Dispatcher) load(ctx context.Context, req Request, ch models.Channel) (*models.CommunicationRecord, error) {
	rec, err := d.store.GetCommunication(ctx, req.InvoiceID, req.Stage, ch)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load communication record")
	}
	rec = models.NewCommunicationRecord(req.InvoiceID, req.Stage, ch, d.clock())
	if err := d.store.SaveCommunication(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			// A concurrent dispatch created it first.
			return d.store.GetCommunication(ctx, req.InvoiceID, req.Stage, ch)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create communication record")
	}
	return rec, nil
}

var (
	errStore     = errors.New("communication store write failed")
	errExhausted = errors.New("channel exhausted")
)

// deliver runs the backoff loop for one channel. Attempts already spent by
// earlier dispatches count against the limit.
func (d *Dispatcher) deliver(ctx context.Context, req Request, rec *models.CommunicationRecord) error {
	ch := rec.Channel
	recipient, ok := req.Recipients[ch]
	if !ok {
		return d.giveUp(ctx, rec, "no recipient for channel")
	}
	if !rec.CanAttempt(d.policy.Attempts()) {
		return d.giveUp(ctx, rec, "")
	}
	policy := d.policy
	policy.MaxAttempts = d.policy.Attempts() - rec.RetryCount

	sender := d.senders[ch]
	content, haveContent := req.Content[ch]
	_, err := retry.Do(ctx, policy, d.sleep, retryableSend, func(attempt int) error {
		if !haveContent {
			rendered, err := req.Render(ctx, ch)
			if err != nil {
				return d.recordFailure(ctx, rec, "", err)
			}
			content, haveContent = rendered, true
		}

		d.metrics.IncAttempt(ch)
		receipt, err := sender.Send(ctx, collab.Message{
			InvoiceID:      req.InvoiceID,
			Stage:          req.Stage,
			Channel:        ch,
			Recipient:      recipient,
			Content:        content,
			IdempotencyKey: idempotencyKey(req.InvoiceID, req.Stage, ch),
		})
		if err != nil {
			return d.recordFailure(ctx, rec, content.Ref, err)
		}

		now := d.clock()
		rec.ApplyAttempt(content.Ref, now)
		if receipt.Delivered {
			rec.ApplyDelivered(now)
		} else {
			rec.ApplySent(now)
		}
		if err := d.save(ctx, rec); err != nil {
			return err
		}
		d.metrics.IncOutcome(ch, rec.Status)
		d.logger.InfoContext(ctx, "stage message sent",
			"invoice_id", req.InvoiceID.String(),
			"stage", req.Stage.String(),
			"channel", string(ch),
			"attempt", attempt+1,
		)
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errStore) || ctx.Err() != nil {
		return err
	}
	return d.giveUp(ctx, rec, "")
}

// retryableSend retries sender failures by their classification. A failed
// record write ends the loop; retrying it would send again.
func retryableSend(err error) bool {
	return !errors.Is(err, errStore) && collab.IsRetryable(err)
}

// recordFailure counts a failed attempt on the record and returns the
// original error so the retry loop can classify it.
func (d *Dispatcher) recordFailure(ctx context.Context, rec *models.CommunicationRecord, contentRef string, cause error) error {
	now := d.clock()
	rec.ApplyAttempt(contentRef, now)
	rec.ApplyFailure(cause.Error(), now)
	d.logger.WarnContext(ctx, "delivery attempt failed",
		"invoice_id", rec.InvoiceID.String(),
		"stage", rec.Stage.String(),
		"channel", string(rec.Channel),
		"attempt", rec.RetryCount,
		"error", cause,
	)
	if err := d.save(ctx, rec); err != nil {
		return err
	}
	return cause
}

func (d *Dispatcher) giveUp(ctx context.Context, rec *models.CommunicationRecord, reason string) error {
	rec.ApplyPermanentFailure(reason, d.clock())
	if err := d.save(ctx, rec); err != nil {
		return err
	}
	d.metrics.IncOutcome(rec.Channel, rec.Status)
	d.logger.WarnContext(ctx, "channel permanently failed",
		"invoice_id", rec.InvoiceID.String(),
		"stage", rec.Stage.String(),
		"channel", string(rec.Channel),
		"attempts", rec.RetryCount,
		"error", rec.LastError,
	)
	return errExhausted
}

// save writes rec under its version. Losing the race to another dispatch of
// the same stage is a concurrency conflict: the event is retried and the
// next pass sees whatever the winner recorded.
func (d *Dispatcher) save(ctx context.Context, rec *models.CommunicationRecord) error {
	err := d.store.SaveCommunication(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrVersionConflict):
		d.logger.WarnContext(ctx, "communication record changed concurrently",
			"invoice_id", rec.InvoiceID.String(),
			"stage", rec.Stage.String(),
			"channel", string(rec.Channel),
		)
		return dErrors.Wrap(fmt.Errorf("%w: %w", errStore, err), dErrors.CodeConcurrencyConflict, "communication record changed concurrently").
			WithDetail("channel", string(rec.Channel))
	default:
		return dErrors.Wrap(fmt.Errorf("%w: %w", errStore, err), dErrors.CodeInternal, "failed to save communication record")
	}
}

func idempotencyKey(invoiceID domain.InvoiceID, stage models.Stage, ch models.Channel) string {
	return invoiceID.String() + ":" + stage.String() + ":" + string(ch)
}
