// Package events carries stage-transition events from the ledger outbox to
// their consumers: the dispatcher, the notice gate and the event stream.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
)

type Type string

const (
	TypeReminderFirst  Type = "reminder.first"
	TypeReminderSecond Type = "reminder.second"
	TypeReminderFinal  Type = "reminder.final"
	TypeNoticeGenerate Type = "notice.generate"
	TypeNoticeSent     Type = "notice.sent"
	TypeDisputeFiled   Type = "dispute.filed"
	TypeInvoicePaid    Type = "invoice.paid"
)

// TypeForStage names the event emitted when an invoice enters stage.
func TypeForStage(stage models.Stage) (Type, bool) {
	switch stage {
	case models.StageReminder1Sent:
		return TypeReminderFirst, true
	case models.StageReminder2Sent:
		return TypeReminderSecond, true
	case models.StageFinalReminderSent:
		return TypeReminderFinal, true
	case models.StageNoticePendingApproval:
		return TypeNoticeGenerate, true
	case models.StageNoticeSent:
		return TypeNoticeSent, true
	case models.StageDisputeFiled:
		return TypeDisputeFiled, true
	case models.StagePaid:
		return TypeInvoicePaid, true
	}
	return "", false
}

// IsReminder reports whether the event asks for a reminder to be sent.
func (t Type) IsReminder() bool {
	return t == TypeReminderFirst || t == TypeReminderSecond || t == TypeReminderFinal
}

// Event is a stage transition that already happened.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       Type              `json:"type"`
	InvoiceID  domain.InvoiceID  `json:"invoice_id"`
	From       models.Stage      `json:"from"`
	To         models.Stage      `json:"to"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// NewTransition builds the event for inv moving from -> to.
func NewTransition(inv *models.Invoice, from, to models.Stage, at time.Time, payload map[string]string) Event {
	t, _ := TypeForStage(to)
	return Event{
		ID:         uuid.New(),
		Type:       t,
		InvoiceID:  inv.ID,
		From:       from,
		To:         to,
		OccurredAt: at,
		Payload:    payload,
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Envelope is an outbox row: an event plus its delivery bookkeeping.
type Envelope struct {
	Event         Event      `json:"event"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Outbox is the durable side of event delivery. Events enter it in the same
// atomic write as the transition that produced them.
type Outbox interface {
	// ClaimPending returns up to limit pending events due at now, oldest
	// first, and leases them until now+lease so concurrent relays skip them.
	// An event is held back while an earlier pending event of the same
	// invoice is leased or waiting out its backoff.
	ClaimPending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Envelope, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, reason string, nextAttemptAt time.Time, dead bool) error
	// Release ends a lease early without counting an attempt.
	Release(ctx context.Context, eventID uuid.UUID, at time.Time) error
	ListByInvoice(ctx context.Context, invoiceID domain.InvoiceID) ([]Envelope, error)
}

// Handler consumes one event. Handlers must tolerate redelivery.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}
