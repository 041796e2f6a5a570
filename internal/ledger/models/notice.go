package models

import (
	"strings"
	"time"

	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
)

type NoticeStatus string

const (
	NoticePendingApproval NoticeStatus = "pending_approval"
	NoticeApproved        NoticeStatus = "approved"
	NoticeSent            NoticeStatus = "sent"
)

// LegalNotice is the formal demand generated once an invoice passes the
// notice threshold. It may not leave the system before a human approves it.
//
// Invariants:
//   - At most one notice exists per invoice
//   - ApprovedBy and ApprovedAt are set together, exactly once
//   - SentAt is only ever set on an approved notice
type LegalNotice struct {
	ID         domain.NoticeID  `json:"id"`
	InvoiceID  domain.InvoiceID `json:"invoice_id"`
	Content    string           `json:"content"`
	ContentRef string           `json:"content_ref,omitempty"`
	Status     NoticeStatus     `json:"status"`
	ApprovedBy string           `json:"approved_by,omitempty"`
	ApprovedAt *time.Time       `json:"approved_at,omitempty"`
	SentAt     *time.Time       `json:"sent_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func NewLegalNotice(invoiceID domain.InvoiceID, content, contentRef string, now time.Time) *LegalNotice {
	return &LegalNotice{
		ID:         domain.NewNoticeID(),
		InvoiceID:  invoiceID,
		Content:    content,
		ContentRef: contentRef,
		Status:     NoticePendingApproval,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (n *LegalNotice) IsApproved() bool {
	return n.ApprovedAt != nil
}

func (n *LegalNotice) CanApprove(approver string) error {
	if strings.TrimSpace(approver) == "" {
		return dErrors.New(dErrors.CodeValidation, "approver identity is required")
	}
	if n.Status != NoticePendingApproval {
		return dErrors.New(dErrors.CodeConflict, "notice is not awaiting approval").
			WithDetail("status", string(n.Status))
	}
	return nil
}

func (n *LegalNotice) ApplyApproval(approver string, at time.Time) {
	n.Status = NoticeApproved
	n.ApprovedBy = strings.TrimSpace(approver)
	n.ApprovedAt = &at
	n.UpdatedAt = at
}

func (n *LegalNotice) CanMarkSent() error {
	if !n.IsApproved() {
		return dErrors.New(dErrors.CodeInvariantViolation, "notice has not been approved")
	}
	if n.Status == NoticeSent {
		return dErrors.New(dErrors.CodeConflict, "notice already sent")
	}
	return nil
}

func (n *LegalNotice) ApplySent(at time.Time) {
	n.Status = NoticeSent
	n.SentAt = &at
	n.UpdatedAt = at
}

func (n *LegalNotice) Clone() *LegalNotice {
	c := *n
	if n.ApprovedAt != nil {
		t := *n.ApprovedAt
		c.ApprovedAt = &t
	}
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	return &c
}
