package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
)

type DisputeStatus string

const (
	DisputePrepared  DisputeStatus = "prepared"
	DisputeApproved  DisputeStatus = "approved"
	DisputeFailed    DisputeStatus = "submission_failed"
	DisputeSubmitted DisputeStatus = "submitted"
)

// CommunicationSummary is the slice of delivery history attached to a
// dispute package.
type CommunicationSummary struct {
	Stage      Stage          `json:"stage"`
	Channel    Channel        `json:"channel"`
	Status     DeliveryStatus `json:"status"`
	RetryCount int            `json:"retry_count"`
	SentAt     time.Time      `json:"sent_at"`
}

// DisputePackage is the pre-filled submission handed to the dispute portal.
type DisputePackage struct {
	InvoiceID        domain.InvoiceID       `json:"invoice_id"`
	InvoiceNumber    string                 `json:"invoice_number"`
	InvoiceDate      time.Time              `json:"invoice_date"`
	DueDate          time.Time              `json:"due_date"`
	Principal        decimal.Decimal        `json:"principal"`
	Penalty          decimal.Decimal        `json:"penalty"`
	TotalDue         decimal.Decimal        `json:"total_due"`
	OverdueDays      int                    `json:"overdue_days"`
	BuyerRegistryID  string                 `json:"buyer_registry_id"`
	BuyerEntityName  string                 `json:"buyer_entity_name,omitempty"`
	NoticeID         domain.NoticeID        `json:"notice_id"`
	NoticeContentRef string                 `json:"notice_content_ref,omitempty"`
	NoticeApprovedBy string                 `json:"notice_approved_by"`
	NoticeApprovedAt time.Time              `json:"notice_approved_at"`
	Communications   []CommunicationSummary `json:"communications"`
	PreparedAt       time.Time              `json:"prepared_at"`
}

// DisputeSubmission is a dispute being readied for, or already lodged with,
// the external portal.
//
// Invariants:
//   - Only created after an approved notice exists and the registry ID validated
//   - At most one submission per invoice
//   - ReferenceNumber is set exactly once, on successful submission, and is unique
//   - Submission requires a second approval distinct from the notice approval
type DisputeSubmission struct {
	ID              domain.DisputeID `json:"id"`
	InvoiceID       domain.InvoiceID `json:"invoice_id"`
	NoticeID        domain.NoticeID  `json:"notice_id"`
	Package         DisputePackage   `json:"package"`
	Status          DisputeStatus    `json:"status"`
	ReferenceNumber string           `json:"reference_number,omitempty"`
	ApprovedBy      string           `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func NewDisputeSubmission(pkg DisputePackage, now time.Time) *DisputeSubmission {
	return &DisputeSubmission{
		ID:        domain.NewDisputeID(),
		InvoiceID: pkg.InvoiceID,
		NoticeID:  pkg.NoticeID,
		Package:   pkg,
		Status:    DisputePrepared,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (d *DisputeSubmission) CanApprove(approver string) error {
	if strings.TrimSpace(approver) == "" {
		return dErrors.New(dErrors.CodeValidation, "approver identity is required")
	}
	if d.Status != DisputePrepared {
		return dErrors.New(dErrors.CodeConflict, "dispute is not awaiting approval").
			WithDetail("status", string(d.Status))
	}
	return nil
}

func (d *DisputeSubmission) ApplyApproval(approver string, at time.Time) {
	d.Status = DisputeApproved
	d.ApprovedBy = strings.TrimSpace(approver)
	d.ApprovedAt = &at
	d.UpdatedAt = at
}

// CanSubmit permits a first submission after approval or a retry after a
// failed attempt.
func (d *DisputeSubmission) CanSubmit() error {
	switch d.Status {
	case DisputeApproved, DisputeFailed:
		return nil
	case DisputeSubmitted:
		return dErrors.New(dErrors.CodeConflict, "dispute already submitted").
			WithDetail("reference_number", d.ReferenceNumber)
	default:
		return dErrors.New(dErrors.CodeInvariantViolation, "dispute requires approval before submission")
	}
}

func (d *DisputeSubmission) ApplySubmitted(reference string, at time.Time) {
	d.Status = DisputeSubmitted
	d.ReferenceNumber = reference
	d.SubmittedAt = &at
	d.LastError = ""
	d.UpdatedAt = at
}

func (d *DisputeSubmission) ApplySubmissionFailure(reason string, at time.Time) {
	d.Status = DisputeFailed
	d.LastError = reason
	d.UpdatedAt = at
}

func (d *DisputeSubmission) Clone() *DisputeSubmission {
	c := *d
	c.Package.Communications = append([]CommunicationSummary(nil), d.Package.Communications...)
	if d.ApprovedAt != nil {
		t := *d.ApprovedAt
		c.ApprovedAt = &t
	}
	if d.SubmittedAt != nil {
		t := *d.SubmittedAt
		c.SubmittedAt = &t
	}
	return &c
}
