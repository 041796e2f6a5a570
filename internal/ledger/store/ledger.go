package store

import (
	"context"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
)

// Ledger is the full repository surface. Services depend on narrower
// slices of it; the process wires one Ledger into all of them.
type Ledger interface {
	events.Outbox

	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateInvoice(ctx context.Context, inv *models.Invoice, evts ...events.Event) error
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
	CompareAndSwap(ctx context.Context, inv *models.Invoice, evts ...events.Event) error
	ListSchedulable(ctx context.Context) ([]*models.Invoice, error)

	CreateBuyer(ctx context.Context, buyer *models.Buyer) error
	GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error)
	GetBuyerByRegistryID(ctx context.Context, registryID string) (*models.Buyer, error)
	UpdateBuyerRisk(ctx context.Context, buyerID domain.BuyerID, assessment models.RiskAssessment) error
	PaymentHistory(ctx context.Context, buyerID domain.BuyerID) (models.PaymentHistory, error)

	GetCommunication(ctx context.Context, invoiceID domain.InvoiceID, stage models.Stage, channel models.Channel) (*models.CommunicationRecord, error)
	SaveCommunication(ctx context.Context, rec *models.CommunicationRecord) error
	ListCommunications(ctx context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error)

	CreateNotice(ctx context.Context, notice *models.LegalNotice) error
	GetNotice(ctx context.Context, noticeID domain.NoticeID) (*models.LegalNotice, error)
	GetNoticeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.LegalNotice, error)
	SaveNotice(ctx context.Context, notice *models.LegalNotice) error
	ListPendingNotices(ctx context.Context) ([]*models.LegalNotice, error)

	CreateDispute(ctx context.Context, dispute *models.DisputeSubmission) error
	GetDispute(ctx context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error)
	GetDisputeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.DisputeSubmission, error)
	SaveDispute(ctx context.Context, dispute *models.DisputeSubmission) error
}

var (
	_ Ledger = (*InMemory)(nil)
	_ Ledger = (*PostgresStore)(nil)
)
