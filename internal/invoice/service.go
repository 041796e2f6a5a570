// Package invoice is the retailer-facing side of the ledger: registering
// buyers, ingesting invoices, recording payments, anonymizing on request
// and reading invoices back with their current penalty.
package invoice

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/lifecycle"
	"dunning/internal/penalty"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/sentinel"
)

type Store interface {
	CreateBuyer(ctx context.Context, buyer *models.Buyer) error
	GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error)
	CreateInvoice(ctx context.Context, inv *models.Invoice, evts ...events.Event) error
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
	ListCommunications(ctx context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error)
}

type Machine interface {
	MarkPaid(ctx context.Context, invoiceID domain.InvoiceID, paidAt time.Time, reference string, now time.Time) (*lifecycle.Result, error)
	Anonymize(ctx context.Context, invoiceID domain.InvoiceID, pseudonym string, now time.Time) (*lifecycle.Result, error)
	BankRate(ctx context.Context) (decimal.Decimal, error)
}

type Service struct {
	store   Store
	machine Machine
	// pseudonymKey keys the hash that replaces anonymized invoice numbers.
	pseudonymKey []byte
	clock        func() time.Time
	logger       *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithPseudonymKey sets the secret mixed into anonymized invoice numbers.
// Keys longer than 64 bytes are truncated.
func WithPseudonymKey(key []byte) Option {
	return func(s *Service) {
		if len(key) > blake2b.Size {
			key = key[:blake2b.Size]
		}
		s.pseudonymKey = key
	}
}

func New(store Store, machine Machine, opts ...Option) *Service {
	s := &Service{
		store:   store,
		machine: machine,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterBuyerRequest struct {
	RegistryID string `json:"registry_id" validate:"required,alphanum,len=15"`
	Name       string `json:"name" validate:"required,max=200"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`
	Address    string `json:"address" validate:"omitempty,max=500"`
}

func (s *Service) RegisterBuyer(ctx context.Context, req RegisterBuyerRequest) (*models.Buyer, error) {
	req.RegistryID = strings.TrimSpace(req.RegistryID)
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	buyer, err := models.NewBuyer(domain.NewBuyerID(), req.RegistryID, req.Name, req.Email, req.Phone, req.Address, s.clock())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateBuyer(ctx, buyer); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "buyer with this registry id already exists").
				WithDetail("registry_id", buyer.RegistryID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store buyer")
	}
	s.logger.InfoContext(ctx, "buyer registered",
		"buyer_id", buyer.ID.String(),
	)
	return buyer, nil
}

type CreateInvoiceRequest struct {
	RetailerID  domain.RetailerID `json:"retailer_id"`
	BuyerID     domain.BuyerID    `json:"buyer_id"`
	Number      string            `json:"number" validate:"required,max=64"`
	InvoiceDate time.Time         `json:"invoice_date" validate:"required"`
	Principal   decimal.Decimal   `json:"principal"`
	Language    string            `json:"language" validate:"omitempty,bcp47_language_tag"`
}

// CreateInvoice ingests an invoice. Its due date is fixed at creation and it
// starts at Active.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*models.Invoice, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if req.BuyerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "buyer_id is required")
	}
	if _, err := s.store.GetBuyer(ctx, req.BuyerID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeValidation, "unknown buyer").
				WithDetail("buyer_id", req.BuyerID.String())
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load buyer")
	}

	inv, err := models.NewInvoice(domain.NewInvoiceID(), req.RetailerID, req.BuyerID, req.Number,
		req.InvoiceDate, req.Principal, req.Language, s.clock())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "invoice number already used by this retailer").
				WithDetail("number", inv.Number)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store invoice")
	}
	s.logger.InfoContext(ctx, "invoice created",
		"invoice_id", inv.ID.String(),
		"due_date", inv.DueDate.Format(time.DateOnly),
	)
	return inv, nil
}

func (s *Service) Get(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "invoice not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load invoice")
	}
	return inv, nil
}

// MarkPaid settles the invoice. A zero paidAt means now. Payment is final:
// nothing further is sent for the invoice.
func (s *Service) MarkPaid(ctx context.Context, invoiceID domain.InvoiceID, paidAt time.Time, reference string) (*models.Invoice, error) {
	now := s.clock()
	if paidAt.IsZero() {
		paidAt = now
	}
	if paidAt.After(now) {
		return nil, dErrors.New(dErrors.CodeValidation, "payment date cannot be in the future")
	}
	res, err := s.machine.MarkPaid(ctx, invoiceID, paidAt, reference, now)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "invoice paid",
		"invoice_id", invoiceID.String(),
		"attempts", res.Attempts,
	)
	return res.Invoice, nil
}

// Anonymize removes retailer identity from the invoice in place. Buyer,
// dates and amounts stay so the buyer's payment statistics survive.
func (s *Service) Anonymize(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := inv.CanAnonymize(); err != nil {
		return nil, err
	}
	pseudonym, err := s.pseudonym(inv)
	if err != nil {
		return nil, err
	}
	res, err := s.machine.Anonymize(ctx, invoiceID, pseudonym, s.clock())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "invoice anonymized",
		"invoice_id", invoiceID.String(),
	)
	return res.Invoice, nil
}

func (s *Service) pseudonym(inv *models.Invoice) (string, error) {
	h, err := blake2b.New256(s.pseudonymKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to initialise pseudonym hash")
	}
	h.Write([]byte(inv.RetailerID.String()))
	h.Write([]byte{0})
	h.Write([]byte(inv.Number))
	return "anon-" + hex.EncodeToString(h.Sum(nil)[:12]), nil
}

// Summary is an invoice with the amounts owed as of a point in time.
type Summary struct {
	Invoice *models.Invoice `json:"invoice"`
	Amounts penalty.Result  `json:"amounts"`
	AsOf    time.Time       `json:"as_of"`
}

// Summary recomputes the penalty for the invoice at now. Penalties are
// never read from storage.
func (s *Service) Summary(ctx context.Context, invoiceID domain.InvoiceID, now time.Time) (*Summary, error) {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	rate, err := s.machine.BankRate(ctx)
	if err != nil {
		return nil, err
	}
	at := now
	if inv.PaidAt != nil {
		at = *inv.PaidAt
	}
	amounts, err := penalty.ForInvoice(inv, rate, at)
	if err != nil {
		return nil, err
	}
	return &Summary{Invoice: inv, Amounts: amounts, AsOf: at}, nil
}

func (s *Service) Communications(ctx context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error) {
	if _, err := s.Get(ctx, invoiceID); err != nil {
		return nil, err
	}
	records, err := s.store.ListCommunications(ctx, invoiceID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list communications")
	}
	return records, nil
}
