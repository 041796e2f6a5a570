package notice

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dunning/internal/collab"
	"dunning/internal/collab/mocks"
	"dunning/internal/dispatch"
	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/ledger/store"
	"dunning/internal/lifecycle"
	"dunning/internal/penalty"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
)

type deliverFunc func(ctx context.Context, evt events.Event, content *collab.Content) (*dispatch.Result, error)

func (f deliverFunc) Deliver(ctx context.Context, evt events.Event, content *collab.Content) (*dispatch.Result, error) {
	return f(ctx, evt, content)
}

// =============================================================================
// Notice Gate Test Suite
// =============================================================================
// Justification for unit tests: nothing may leave the system as a legal
// notice without an approval, and generation must survive redelivery.

type GateSuite struct {
	suite.Suite
	ctx     context.Context
	ctrl    *gomock.Controller
	ledger  *store.InMemory
	content *mocks.MockContentGenerator
	gate    *Gate
	now     time.Time
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.ledger = store.NewInMemory()
	s.content = mocks.NewMockContentGenerator(s.ctrl)
	s.now = time.Date(2024, 2, 16, 10, 0, 0, 0, time.UTC)
	rates, err := penalty.NewStaticRate(decimal.RequireFromString("0.065"))
	s.Require().NoError(err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := lifecycle.New(s.ledger, rates, lifecycle.WithLogger(logger))
	s.gate = New(s.ledger, machine, s.content,
		WithLogger(logger),
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *GateSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *GateSuite) seed(stage models.Stage) *models.Invoice {
	inv, err := models.NewInvoice(domain.NewInvoiceID(), domain.NewRetailerID(), domain.NewBuyerID(), "INV-46",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(250000), "en", s.now)
	s.Require().NoError(err)
	for st := models.StageActive + 1; st <= stage; st++ {
		inv.ApplyAdvance(st, s.now)
	}
	s.Require().NoError(s.ledger.CreateInvoice(s.ctx, inv))
	return inv
}

func (s *GateSuite) generateEvent(inv *models.Invoice) events.Event {
	return events.NewTransition(inv, models.StageFinalReminderSent, models.StageNoticePendingApproval, s.now,
		map[string]string{"total_due": "250812.50"})
}

func (s *GateSuite) pendingNotice(inv *models.Invoice) *models.LegalNotice {
	s.content.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(collab.Content{Body: "LEGAL NOTICE", Ref: "c-1"}, nil)
	s.Require().NoError(s.gate.HandleGenerate(s.ctx, s.generateEvent(inv)))
	n, err := s.ledger.GetNoticeByInvoice(s.ctx, inv.ID)
	s.Require().NoError(err)
	return n
}

// =============================================================================
// Generation
// =============================================================================

func (s *GateSuite) TestHandleGenerate() {
	s.Run("creates one pending notice with generated text", func() {
		inv := s.seed(models.StageNoticePendingApproval)
		s.content.EXPECT().Generate(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req collab.ContentRequest) (collab.Content, error) {
				s.Equal(models.StageNoticePendingApproval, req.Stage)
				s.Equal("INV-46", req.Facts["number"])
				s.Equal("250812.50", req.Facts["total_due"])
				return collab.Content{Body: "LEGAL NOTICE", Ref: "c-1"}, nil
			}).Times(1)

		evt := s.generateEvent(inv)
		s.Require().NoError(s.gate.HandleGenerate(s.ctx, evt))
		s.Require().NoError(s.gate.HandleGenerate(s.ctx, evt), "redelivery is a no-op")

		pending, err := s.gate.ListPending(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(pending, 1)
		s.Equal("LEGAL NOTICE", pending[0].Content)
		s.Equal(models.NoticePendingApproval, pending[0].Status)
		s.False(pending[0].IsApproved())
	})

	s.Run("transient generation failure is retryable", func() {
		inv := s.seed(models.StageNoticePendingApproval)
		s.content.EXPECT().Generate(gomock.Any(), gomock.Any()).
			Return(collab.Content{}, collab.NewError(collab.ErrorTimeout, "content", "slow", nil))

		err := s.gate.HandleGenerate(s.ctx, s.generateEvent(inv))
		s.True(dErrors.HasCode(err, dErrors.CodeTransientDependency))
		s.True(dErrors.IsRetryable(err))
	})

	s.Run("paid invoice gets no notice", func() {
		inv := s.seed(models.StageNoticePendingApproval)
		inv.ApplyPayment(s.now, "", s.now)
		s.Require().NoError(s.ledger.CompareAndSwap(s.ctx, inv))

		s.Require().NoError(s.gate.HandleGenerate(s.ctx, s.generateEvent(inv)))
		_, err := s.ledger.GetNoticeByInvoice(s.ctx, inv.ID)
		s.Error(err)
	})
}

// =============================================================================
// Approval
// =============================================================================

func (s *GateSuite) TestApprove() {
	s.Run("approval advances the invoice and emits notice.sent", func() {
		inv := s.seed(models.StageNoticePendingApproval)
		n := s.pendingNotice(inv)

		approved, err := s.gate.Approve(s.ctx, n.ID, "  owner@retailer.test ")
		s.Require().NoError(err)
		s.Equal("owner@retailer.test", approved.ApprovedBy)
		s.Equal(models.NoticeApproved, approved.Status)

		got, err := s.ledger.GetInvoice(s.ctx, inv.ID)
		s.Require().NoError(err)
		s.Equal(models.StageNoticeSent, got.Stage)

		envs, err := s.ledger.ListByInvoice(s.ctx, inv.ID)
		s.Require().NoError(err)
		s.Require().Len(envs, 1)
		s.Equal(events.TypeNoticeSent, envs[0].Event.Type)
		s.Equal(n.ID.String(), envs[0].Event.Payload["notice_id"])

		s.Run("second approval conflicts", func() {
			_, err := s.gate.Approve(s.ctx, n.ID, "someone-else")
			s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		})
	})

	s.Run("approver is required", func() {
		inv := s.seed(models.StageNoticePendingApproval)
		n := s.pendingNotice(inv)
		_, err := s.gate.Approve(s.ctx, n.ID, " ")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		got, _ := s.ledger.GetInvoice(s.ctx, inv.ID)
		s.Equal(models.StageNoticePendingApproval, got.Stage)
	})

	s.Run("paid invoice cannot be approved", func() {
		inv := s.seed(models.StageNoticePendingApproval)
		n := s.pendingNotice(inv)
		paid, _ := s.ledger.GetInvoice(s.ctx, inv.ID)
		paid.ApplyPayment(s.now, "UTR-9", s.now)
		s.Require().NoError(s.ledger.CompareAndSwap(s.ctx, paid))

		_, err := s.gate.Approve(s.ctx, n.ID, "owner")
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		stored, _ := s.ledger.GetNotice(s.ctx, n.ID)
		s.False(stored.IsApproved())
	})

	s.Run("unknown notice", func() {
		_, err := s.gate.Approve(s.ctx, domain.NewNoticeID(), "owner")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// =============================================================================
// Delivery
// =============================================================================

func (s *GateSuite) TestSentHandler() {
	inv := s.seed(models.StageNoticePendingApproval)
	n := s.pendingNotice(inv)
	evt := events.NewTransition(inv, models.StageNoticePendingApproval, models.StageNoticeSent, s.now, nil)

	calls := 0
	handler := s.gate.SentHandler(deliverFunc(func(_ context.Context, _ events.Event, content *collab.Content) (*dispatch.Result, error) {
		calls++
		s.Require().NotNil(content)
		s.Equal("LEGAL NOTICE", content.Body)
		return &dispatch.Result{DeliveredVia: models.ChannelEmail}, nil
	}))

	s.Run("unapproved notice is retried later", func() {
		err := handler.Handle(s.ctx, evt)
		s.True(dErrors.IsRetryable(err))
		s.Zero(calls)
	})

	_, err := s.gate.Approve(s.ctx, n.ID, "owner")
	s.Require().NoError(err)

	s.Require().NoError(handler.Handle(s.ctx, evt))
	s.Require().NoError(handler.Handle(s.ctx, evt))
	s.Equal(1, calls, "sent notices are not re-sent")

	stored, err := s.ledger.GetNotice(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(models.NoticeSent, stored.Status)
	s.NotNil(stored.SentAt)
}
