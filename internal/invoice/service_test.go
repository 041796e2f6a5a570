package invoice

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"dunning/internal/ledger/models"
	"dunning/internal/ledger/store"
	"dunning/internal/lifecycle"
	"dunning/internal/penalty"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
)

// =============================================================================
// Invoice Service Test Suite
// =============================================================================
// Justification for unit tests: request validation, conflict mapping and
// anonymization are retailer-visible rules that no other layer checks.

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	ledger   *store.InMemory
	service  *Service
	now      time.Time
	retailer domain.RetailerID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = store.NewInMemory()
	s.now = time.Date(2024, 5, 15, 9, 0, 0, 0, time.UTC)
	s.retailer = domain.NewRetailerID()

	rates, err := penalty.NewStaticRate(decimal.RequireFromString("0.06"))
	s.Require().NoError(err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := lifecycle.New(s.ledger, rates, lifecycle.WithLogger(logger))
	s.service = New(s.ledger, machine,
		WithLogger(logger),
		WithClock(func() time.Time { return s.now }),
		WithPseudonymKey([]byte("test-key")),
	)
}

func (s *ServiceSuite) buyer() *models.Buyer {
	b, err := s.service.RegisterBuyer(s.ctx, RegisterBuyerRequest{
		RegistryID: "27AAPFU0939F1ZV",
		Name:       "Acme Traders",
		Email:      "accounts@acme.example",
	})
	s.Require().NoError(err)
	return b
}

func (s *ServiceSuite) invoice(buyerID domain.BuyerID, number string) *models.Invoice {
	inv, err := s.service.CreateInvoice(s.ctx, CreateInvoiceRequest{
		RetailerID:  s.retailer,
		BuyerID:     buyerID,
		Number:      number,
		InvoiceDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Principal:   decimal.RequireFromString("10000"),
	})
	s.Require().NoError(err)
	return inv
}

// =============================================================================
// Buyers
// =============================================================================

func (s *ServiceSuite) TestRegisterBuyer() {
	s.Run("normalises the registry id", func() {
		b := s.buyer()
		s.Equal("27AAPFU0939F1ZV", b.RegistryID)
	})

	s.Run("duplicate registry id is a conflict", func() {
		_, err := s.service.RegisterBuyer(s.ctx, RegisterBuyerRequest{
			RegistryID: "27AAPFU0939F1ZV",
			Name:       "Someone Else",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("reports each invalid field by its json name", func() {
		_, err := s.service.RegisterBuyer(s.ctx, RegisterBuyerRequest{
			RegistryID: "short",
			Email:      "not-an-email",
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		var de *dErrors.Error
		s.Require().ErrorAs(err, &de)
		s.Equal("len", de.Details["registry_id"])
		s.Equal("required", de.Details["name"])
		s.Equal("email", de.Details["email"])
	})
}

// =============================================================================
// Invoices
// =============================================================================

func (s *ServiceSuite) TestCreateInvoice() {
	b := s.buyer()

	s.Run("fixes the due date at creation", func() {
		inv := s.invoice(b.ID, "INV-1")
		s.Equal(models.StageActive, inv.Stage)
		s.Equal(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), inv.DueDate)
		s.Equal("en", inv.Language)
	})

	s.Run("duplicate number for the same retailer is a conflict", func() {
		_, err := s.service.CreateInvoice(s.ctx, CreateInvoiceRequest{
			RetailerID:  s.retailer,
			BuyerID:     b.ID,
			Number:      "INV-1",
			InvoiceDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Principal:   decimal.RequireFromString("5"),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("unknown buyer is a validation error", func() {
		_, err := s.service.CreateInvoice(s.ctx, CreateInvoiceRequest{
			RetailerID:  s.retailer,
			BuyerID:     domain.NewBuyerID(),
			Number:      "INV-2",
			InvoiceDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Principal:   decimal.RequireFromString("5"),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a non-positive principal", func() {
		_, err := s.service.CreateInvoice(s.ctx, CreateInvoiceRequest{
			RetailerID:  s.retailer,
			BuyerID:     b.ID,
			Number:      "INV-3",
			InvoiceDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Principal:   decimal.Zero,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a malformed language tag", func() {
		_, err := s.service.CreateInvoice(s.ctx, CreateInvoiceRequest{
			RetailerID:  s.retailer,
			BuyerID:     b.ID,
			Number:      "INV-4",
			InvoiceDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Principal:   decimal.RequireFromString("5"),
			Language:    "not a tag",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestMarkPaid() {
	b := s.buyer()

	s.Run("records the payment", func() {
		inv := s.invoice(b.ID, "INV-10")
		paidAt := s.now.Add(-time.Hour)
		got, err := s.service.MarkPaid(s.ctx, inv.ID, paidAt, " UTR-1 ")
		s.Require().NoError(err)
		s.Equal(models.StagePaid, got.Stage)
		s.Equal("UTR-1", got.PaymentReference)
		s.True(got.PaidAt.Equal(paidAt))
	})

	s.Run("defaults to now", func() {
		inv := s.invoice(b.ID, "INV-11")
		got, err := s.service.MarkPaid(s.ctx, inv.ID, time.Time{}, "")
		s.Require().NoError(err)
		s.True(got.PaidAt.Equal(s.now))
	})

	s.Run("rejects a future payment date", func() {
		inv := s.invoice(b.ID, "INV-12")
		_, err := s.service.MarkPaid(s.ctx, inv.ID, s.now.Add(time.Hour), "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("second payment is a conflict", func() {
		inv := s.invoice(b.ID, "INV-13")
		_, err := s.service.MarkPaid(s.ctx, inv.ID, time.Time{}, "")
		s.Require().NoError(err)
		_, err = s.service.MarkPaid(s.ctx, inv.ID, time.Time{}, "")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestAnonymize() {
	b := s.buyer()
	inv := s.invoice(b.ID, "INV-20")

	got, err := s.service.Anonymize(s.ctx, inv.ID)
	s.Require().NoError(err)
	s.True(got.Anonymized)
	s.True(got.RetailerID.IsNil())
	s.True(strings.HasPrefix(got.Number, "anon-"))
	s.NotContains(got.Number, "INV-20")
	s.Equal(b.ID, got.BuyerID)
	s.True(got.Principal.Equal(inv.Principal))

	_, err = s.service.Anonymize(s.ctx, inv.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ServiceSuite) TestSummary() {
	b := s.buyer()

	s.Run("computes the penalty at the requested time", func() {
		inv := s.invoice(b.ID, "INV-30")
		sum, err := s.service.Summary(s.ctx, inv.ID, s.now)
		s.Require().NoError(err)
		s.Equal(90, sum.Amounts.OverdueDays)
		s.Equal(3, sum.Amounts.MonthsOverdue)
		s.True(sum.Amounts.Penalty.IsPositive())
		s.True(sum.Amounts.TotalDue.Equal(inv.Principal.Add(sum.Amounts.Penalty)))
	})

	s.Run("stops accruing at the payment date", func() {
		inv := s.invoice(b.ID, "INV-31")
		paidAt := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
		_, err := s.service.MarkPaid(s.ctx, inv.ID, paidAt, "")
		s.Require().NoError(err)

		sum, err := s.service.Summary(s.ctx, inv.ID, s.now)
		s.Require().NoError(err)
		s.Equal(5, sum.Amounts.OverdueDays)
		s.True(sum.Amounts.Penalty.IsZero())
	})

	s.Run("unknown invoice is not found", func() {
		_, err := s.service.Summary(s.ctx, domain.NewInvoiceID(), s.now)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestCommunications() {
	b := s.buyer()
	inv := s.invoice(b.ID, "INV-40")

	rec := models.NewCommunicationRecord(inv.ID, models.StageReminder1Sent, models.ChannelEmail, s.now)
	s.Require().NoError(s.ledger.SaveCommunication(s.ctx, rec))

	got, err := s.service.Communications(s.ctx, inv.ID)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(models.ChannelEmail, got[0].Channel)

	_, err = s.service.Communications(s.ctx, domain.NewInvoiceID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
