package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
)

// Invoice is the aggregate root for a tracked receivable.
//
// Invariants:
//   - DueDate is InvoiceDate + PaymentTermDays and never changes
//   - Principal is strictly positive
//   - Watermark is the highest forward stage ever reached; it never decreases
//   - Stage only moves forward one step at a time, or to StagePaid
//   - Version increases by exactly one on every persisted change
//   - Once Anonymized, RetailerID and PaymentReference are cleared and the
//     invoice number is replaced by a pseudonym
type Invoice struct {
	ID               domain.InvoiceID  `json:"id"`
	RetailerID       domain.RetailerID `json:"retailer_id"`
	BuyerID          domain.BuyerID    `json:"buyer_id"`
	Number           string            `json:"number"`
	InvoiceDate      time.Time         `json:"invoice_date"`
	DueDate          time.Time         `json:"due_date"`
	Principal        decimal.Decimal   `json:"principal"`
	Language         string            `json:"language"`
	Stage            Stage             `json:"stage"`
	Watermark        Stage             `json:"watermark"`
	Version          int64             `json:"version"`
	PaidAt           *time.Time        `json:"paid_at,omitempty"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	Anonymized       bool              `json:"anonymized"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewInvoice validates input and builds an invoice in StageActive.
func NewInvoice(
	invoiceID domain.InvoiceID,
	retailerID domain.RetailerID,
	buyerID domain.BuyerID,
	number string,
	invoiceDate time.Time,
	principal decimal.Decimal,
	language string,
	now time.Time,
) (*Invoice, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "invoice number is required")
	}
	if retailerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "retailer id is required")
	}
	if buyerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "buyer id is required")
	}
	if invoiceDate.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "invoice date is required")
	}
	if !principal.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "principal must be positive")
	}
	if DateOf(invoiceDate).After(DateOf(now)) {
		return nil, dErrors.New(dErrors.CodeValidation, "invoice date cannot be in the future")
	}
	if language == "" {
		language = "en"
	}
	date := DateOf(invoiceDate)
	return &Invoice{
		ID:          invoiceID,
		RetailerID:  retailerID,
		BuyerID:     buyerID,
		Number:      number,
		InvoiceDate: date,
		DueDate:     DueDateFor(date),
		Principal:   principal,
		Language:    language,
		Stage:       StageActive,
		Watermark:   StageActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DaysElapsed returns whole calendar days since the invoice date.
func (i *Invoice) DaysElapsed(now time.Time) int {
	return DaysBetween(i.InvoiceDate, now)
}

// OverdueDays returns whole days past the due date, never negative.
func (i *Invoice) OverdueDays(now time.Time) int {
	return max(0, DaysBetween(i.DueDate, now))
}

func (i *Invoice) IsPaid() bool {
	return i.Stage == StagePaid
}

// IsSchedulable reports whether sweeps should still look at this invoice.
func (i *Invoice) IsSchedulable() bool {
	return !i.Stage.IsTerminal() && !i.Anonymized
}

// CanAdvanceTo checks a forward transition to next.
func (i *Invoice) CanAdvanceTo(next Stage) error {
	if i.Stage.IsTerminal() {
		return dErrors.New(dErrors.CodeInvariantViolation, "invoice is paid").
			WithDetail("stage", i.Stage.String())
	}
	if next == StagePaid {
		return dErrors.New(dErrors.CodeInvariantViolation, "use payment to settle an invoice")
	}
	if !i.Stage.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvariantViolation, "stage transition not allowed").
			WithDetail("from", i.Stage.String()).
			WithDetail("to", next.String())
	}
	return nil
}

// ApplyAdvance moves the invoice to next and raises the watermark.
// Call CanAdvanceTo first.
func (i *Invoice) ApplyAdvance(next Stage, now time.Time) {
	i.Stage = next
	if next > i.Watermark {
		i.Watermark = next
	}
	i.UpdatedAt = now
}

// CanMarkPaid checks whether a payment may be recorded.
func (i *Invoice) CanMarkPaid() error {
	if i.IsPaid() {
		return dErrors.New(dErrors.CodeConflict, "invoice is already paid")
	}
	if i.Anonymized {
		return dErrors.New(dErrors.CodeInvariantViolation, "invoice has been anonymized")
	}
	return nil
}

// ApplyPayment settles the invoice. The watermark is left untouched.
func (i *Invoice) ApplyPayment(paidAt time.Time, reference string, now time.Time) {
	i.Stage = StagePaid
	i.PaidAt = &paidAt
	i.PaymentReference = strings.TrimSpace(reference)
	i.UpdatedAt = now
}

func (i *Invoice) CanAnonymize() error {
	if i.Anonymized {
		return dErrors.New(dErrors.CodeConflict, "invoice is already anonymized")
	}
	return nil
}

// ApplyAnonymization strips retailer identity from the invoice while keeping
// the payment facts that feed buyer risk history.
func (i *Invoice) ApplyAnonymization(pseudonym string, now time.Time) {
	i.RetailerID = domain.RetailerID{}
	i.PaymentReference = ""
	i.Number = pseudonym
	i.Anonymized = true
	i.UpdatedAt = now
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (i *Invoice) Clone() *Invoice {
	c := *i
	if i.PaidAt != nil {
		paid := *i.PaidAt
		c.PaidAt = &paid
	}
	return &c
}
