package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dunning/internal/collab"
	"dunning/internal/collab/mocks"
	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/ledger/store"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/retry"
)

// =============================================================================
// Dispatcher Test Suite
// =============================================================================
// Justification for unit tests: the retry budget, channel fallback and
// duplicate suppression are all decided here, and each is observable only
// through the exact number of sender calls.

type DispatcherSuite struct {
	suite.Suite
	ctx    context.Context
	ctrl   *gomock.Controller
	ledger *store.InMemory
	email  *mocks.MockSender
	sms    *mocks.MockSender
	slept  []time.Duration
	now    time.Time
	d      *Dispatcher
	buyers int
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.ledger = store.NewInMemory()
	s.email = mocks.NewMockSender(s.ctrl)
	s.email.EXPECT().Channel().Return(models.ChannelEmail).AnyTimes()
	s.sms = mocks.NewMockSender(s.ctrl)
	s.sms.EXPECT().Channel().Return(models.ChannelSMS).AnyTimes()
	s.slept = nil
	s.now = time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC)
	s.d = New(s.ledger, []collab.Sender{s.email, s.sms},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			s.slept = append(s.slept, d)
			return nil
		}),
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *DispatcherSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *DispatcherSuite) request(channels ...models.Channel) Request {
	req := Request{
		InvoiceID:  domain.NewInvoiceID(),
		Stage:      models.StageReminder1Sent,
		Channels:   channels,
		Recipients: map[models.Channel]collab.Recipient{},
		Content:    map[models.Channel]collab.Content{},
	}
	for _, ch := range channels {
		req.Recipients[ch] = collab.Recipient{Name: "Acme", Email: "ap@acme.test", Phone: "+16502530000"}
		req.Content[ch] = collab.Content{Body: "please pay", Ref: "ref-" + string(ch)}
	}
	return req
}

func (s *DispatcherSuite) record(req Request, ch models.Channel) *models.CommunicationRecord {
	rec, err := s.ledger.GetCommunication(s.ctx, req.InvoiceID, req.Stage, ch)
	s.Require().NoError(err)
	return rec
}

var outage = collab.NewError(collab.ErrorOutage, "gateway", "502", nil)

// =============================================================================
// Delivery
// =============================================================================

func (s *DispatcherSuite) TestFirstAttemptSucceeds() {
	req := s.request(models.ChannelEmail)
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msg collab.Message) (collab.Receipt, error) {
			s.Equal(req.InvoiceID.String()+":reminder_1_sent:email", msg.IdempotencyKey)
			s.Equal("please pay", msg.Content.Body)
			return collab.Receipt{}, nil
		})

	res, err := s.d.Dispatch(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.ChannelEmail, res.DeliveredVia)
	s.False(res.Duplicate)

	rec := s.record(req, models.ChannelEmail)
	s.Equal(models.DeliverySent, rec.Status)
	s.Equal(1, rec.RetryCount)
	s.Equal("ref-email", rec.ContentRef)
}

func (s *DispatcherSuite) TestRetriesWithBackoffThenPermanentlyFails() {
	req := s.request(models.ChannelEmail)
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, outage).Times(3)

	res, err := s.d.Dispatch(s.ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDeliveryFailed))
	s.False(dErrors.IsRetryable(err))
	s.Empty(res.DeliveredVia)
	s.Equal([]time.Duration{2 * time.Second, 4 * time.Second}, s.slept)

	rec := s.record(req, models.ChannelEmail)
	s.Equal(models.DeliveryPermanentlyFailed, rec.Status)
	s.Equal(3, rec.RetryCount)
	s.Contains(rec.LastError, "502")

	s.Run("a permanently failed channel is never attempted again", func() {
		_, err := s.d.Dispatch(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeDeliveryFailed))
		s.Equal(3, s.record(req, models.ChannelEmail).RetryCount)
	})
}

func (s *DispatcherSuite) TestFallsBackToNextChannel() {
	req := s.request(models.ChannelEmail, models.ChannelSMS)
	gomock.InOrder(
		s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, outage).Times(3),
		s.sms.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{Delivered: true}, nil),
	)

	res, err := s.d.Dispatch(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.ChannelSMS, res.DeliveredVia)
	s.Len(res.Records, 2)
	s.Equal(models.DeliveryPermanentlyFailed, s.record(req, models.ChannelEmail).Status)
	s.Equal(models.DeliveryDelivered, s.record(req, models.ChannelSMS).Status)
}

func (s *DispatcherSuite) TestRejectionSkipsRemainingAttempts() {
	req := s.request(models.ChannelEmail, models.ChannelSMS)
	rejected := collab.NewError(collab.ErrorRejected, "gateway", "mailbox does not exist", nil)
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, rejected).Times(1)
	s.sms.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, nil)

	res, err := s.d.Dispatch(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.ChannelSMS, res.DeliveredVia)
	s.Equal(1, s.record(req, models.ChannelEmail).RetryCount)
	s.Empty(s.slept)
}

func (s *DispatcherSuite) TestDuplicateDispatchIsNoop() {
	req := s.request(models.ChannelEmail, models.ChannelSMS)
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, nil).Times(1)

	_, err := s.d.Dispatch(s.ctx, req)
	s.Require().NoError(err)

	for range 3 {
		res, err := s.d.Dispatch(s.ctx, req)
		s.Require().NoError(err)
		s.True(res.Duplicate)
		s.Equal(models.ChannelEmail, res.DeliveredVia)
	}
	s.Equal(1, s.record(req, models.ChannelEmail).RetryCount)
}

func (s *DispatcherSuite) TestConcurrentRecordWriteIsNotOverwritten() {
	req := s.request(models.ChannelEmail)
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ collab.Message) (collab.Receipt, error) {
			// Another dispatch of the same stage lands while this send is in flight.
			other := s.record(req, models.ChannelEmail)
			other.ApplyAttempt("ref-other", s.now)
			other.ApplyDelivered(s.now)
			s.Require().NoError(s.ledger.SaveCommunication(ctx, other))
			return collab.Receipt{}, outage
		}).Times(1)

	_, err := s.d.Dispatch(s.ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConcurrencyConflict))
	s.True(dErrors.IsRetryable(err))

	rec := s.record(req, models.ChannelEmail)
	s.Equal(models.DeliveryDelivered, rec.Status, "the concurrent write survives")
	s.Equal("ref-other", rec.ContentRef)
	s.Equal(1, rec.RetryCount)
	s.Equal(int64(2), rec.Version)

	s.Run("redelivery sees the winner and does not send again", func() {
		res, err := s.d.Dispatch(s.ctx, req)
		s.Require().NoError(err)
		s.True(res.Duplicate)
	})
}

func (s *DispatcherSuite) TestResumesWithRemainingBudget() {
	req := s.request(models.ChannelEmail)
	rec := models.NewCommunicationRecord(req.InvoiceID, req.Stage, models.ChannelEmail, s.now)
	rec.ApplyAttempt("", s.now)
	rec.ApplyAttempt("", s.now)
	rec.ApplyFailure("timeout", s.now)
	s.Require().NoError(s.ledger.SaveCommunication(s.ctx, rec))

	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, outage).Times(1)

	_, err := s.d.Dispatch(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeDeliveryFailed))
	got := s.record(req, models.ChannelEmail)
	s.Equal(3, got.RetryCount)
	s.Equal(rec.ID, got.ID, "re-sends reuse the record")
}

func (s *DispatcherSuite) TestRenderFailuresCountAsAttempts() {
	req := s.request(models.ChannelEmail)
	req.Content = nil
	renders := 0
	req.Render = func(context.Context, models.Channel) (collab.Content, error) {
		renders++
		if renders < 3 {
			return collab.Content{}, collab.NewError(collab.ErrorTimeout, "content", "slow", nil)
		}
		return collab.Content{Body: "rendered", Ref: "r-3"}, nil
	}
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, nil)

	res, err := s.d.Dispatch(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.ChannelEmail, res.DeliveredVia)
	rec := s.record(req, models.ChannelEmail)
	s.Equal(3, rec.RetryCount)
	s.Equal("r-3", rec.ContentRef)
}

func (s *DispatcherSuite) TestMissingRecipientFailsChannelWithoutAttempt() {
	req := s.request(models.ChannelEmail, models.ChannelSMS)
	delete(req.Recipients, models.ChannelEmail)
	s.sms.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, nil)

	res, err := s.d.Dispatch(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.ChannelSMS, res.DeliveredVia)
	rec := s.record(req, models.ChannelEmail)
	s.Equal(models.DeliveryPermanentlyFailed, rec.Status)
	s.Zero(rec.RetryCount)
}

func (s *DispatcherSuite) TestCancelledContextKeepsRecordRetryable() {
	req := s.request(models.ChannelEmail)
	ctx, cancel := context.WithCancel(s.ctx)
	d := New(s.ledger, []collab.Sender{s.email}, WithSleeper(retry.Sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.email.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, collab.Message) (collab.Receipt, error) {
			cancel()
			return collab.Receipt{}, outage
		})

	_, err := d.Dispatch(ctx, req)
	s.ErrorIs(err, context.Canceled)
	rec := s.record(req, models.ChannelEmail)
	s.Equal(models.DeliveryFailed, rec.Status)
	s.Equal(1, rec.RetryCount)
}

func (s *DispatcherSuite) TestValidation() {
	s.Run("no channels", func() {
		_, err := s.d.Dispatch(s.ctx, Request{InvoiceID: domain.NewInvoiceID()})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
	s.Run("channel without sender", func() {
		_, err := s.d.Dispatch(s.ctx, s.request(models.ChannelPost))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
	s.Run("channel without content", func() {
		req := s.request(models.ChannelEmail)
		req.Content = nil
		_, err := s.d.Dispatch(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
	s.Run("channel listed twice", func() {
		req := s.request(models.ChannelEmail)
		req.Channels = append(req.Channels, models.ChannelEmail)
		_, err := s.d.Dispatch(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Event handler
// =============================================================================

func (s *DispatcherSuite) seed(phone string) (*models.Invoice, *models.Buyer) {
	s.buyers++
	registryID := fmt.Sprintf("27AAPFU%04dF1ZV", s.buyers)
	buyer, err := models.NewBuyer(domain.NewBuyerID(), registryID, "Acme Traders", "ap@acme.test", phone, "", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.CreateBuyer(s.ctx, buyer))
	inv, err := models.NewInvoice(domain.NewInvoiceID(), domain.NewRetailerID(), buyer.ID, "INV-9",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(5000), "en", s.now)
	s.Require().NoError(err)
	inv.ApplyAdvance(models.StageReminder1Sent, s.now)
	s.Require().NoError(s.ledger.CreateInvoice(s.ctx, inv))
	return inv, buyer
}

func (s *DispatcherSuite) TestEventHandler() {
	content := mocks.NewMockContentGenerator(s.ctrl)
	h := NewEventHandler(s.d, s.ledger, s.ledger, content,
		WithChannelPlan(models.ChannelSMS, models.ChannelEmail),
		WithRegion("US"),
		WithHandlerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	s.Run("renders with invoice facts and normalizes the phone", func() {
		inv, _ := s.seed("(650) 253-0000")
		evt := events.NewTransition(inv, models.StageActive, models.StageReminder1Sent, s.now, map[string]string{"total_due": "5000.00"})

		content.EXPECT().Generate(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req collab.ContentRequest) (collab.Content, error) {
				s.Equal(models.ChannelSMS, req.Channel)
				s.Equal("INV-9", req.Facts["number"])
				s.Equal("5000.00", req.Facts["total_due"])
				s.Equal("Acme Traders", req.Facts["buyer_name"])
				return collab.Content{Body: "pay"}, nil
			})
		s.sms.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, msg collab.Message) (collab.Receipt, error) {
				s.Equal("+16502530000", msg.Recipient.Phone)
				return collab.Receipt{}, nil
			})

		s.Require().NoError(h.Handle(s.ctx, evt))
	})

	s.Run("unreachable channels are left out of the plan", func() {
		inv, _ := s.seed("not a number")
		evt := events.NewTransition(inv, models.StageActive, models.StageReminder1Sent, s.now, nil)
		content.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(collab.Content{Body: "pay"}, nil)
		s.email.EXPECT().Send(gomock.Any(), gomock.Any()).Return(collab.Receipt{}, nil)

		res, err := h.Deliver(s.ctx, evt, nil)
		s.Require().NoError(err)
		s.Equal(models.ChannelEmail, res.DeliveredVia)
		_, err = s.ledger.GetCommunication(s.ctx, inv.ID, models.StageReminder1Sent, models.ChannelSMS)
		s.Error(err)
	})

	s.Run("given content is sent verbatim", func() {
		inv, _ := s.seed("+16502530000")
		evt := events.NewTransition(inv, models.StageActive, models.StageReminder1Sent, s.now, nil)
		s.sms.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, msg collab.Message) (collab.Receipt, error) {
				s.Equal("approved text", msg.Content.Body)
				return collab.Receipt{}, nil
			})

		_, err := h.Deliver(s.ctx, evt, &collab.Content{Body: "approved text", Ref: "n-1"})
		s.Require().NoError(err)
	})

	s.Run("paid invoices are not chased", func() {
		inv, _ := s.seed("+16502530000")
		evt := events.NewTransition(inv, models.StageActive, models.StageReminder1Sent, s.now, nil)
		inv.ApplyPayment(s.now, "UTR-1", s.now)
		s.Require().NoError(s.ledger.CompareAndSwap(s.ctx, inv))

		res, err := h.Deliver(s.ctx, evt, nil)
		s.NoError(err)
		s.Nil(res)
	})

	s.Run("missing buyer is fatal data", func() {
		inv, err := models.NewInvoice(domain.NewInvoiceID(), domain.NewRetailerID(), domain.NewBuyerID(), "INV-X",
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(5000), "en", s.now)
		s.Require().NoError(err)
		s.Require().NoError(s.ledger.CreateInvoice(s.ctx, inv))
		evt := events.NewTransition(inv, models.StageActive, models.StageReminder1Sent, s.now, nil)

		err = h.Handle(s.ctx, evt)
		s.True(dErrors.HasCode(err, dErrors.CodeFatalData))
	})
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("+1 650-253-0000", "IN")
	if err != nil || got != "+16502530000" {
		t.Fatalf("NormalizePhone = %q, %v", got, err)
	}
	if _, err := NormalizePhone("12", "US"); !dErrors.HasCode(err, dErrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := NormalizePhone(" ", "US"); !dErrors.HasCode(err, dErrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
