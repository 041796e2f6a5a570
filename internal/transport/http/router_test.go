package httptransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dunning/internal/invoice"
	"dunning/internal/ledger/models"
	"dunning/internal/platform/middleware"
	"dunning/internal/scheduler"
	"dunning/internal/transport/http/mocks"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/testutil"
)

//go:generate mockgen -source=router.go -destination=mocks/mocks.go -package=mocks InvoiceService,NoticeGate,DisputeWorkflow,RiskEngine,Sweeper

// =============================================================================
// Router Test Suite
// =============================================================================
// Justification for unit tests: request parsing, the acting-user requirement
// and error-code to status mapping live only in this layer. Services are
// mocked; their behaviour is covered in their own packages.

type RouterSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	invoices *mocks.MockInvoiceService
	notices  *mocks.MockNoticeGate
	disputes *mocks.MockDisputeWorkflow
	risk     *mocks.MockRiskEngine
	sweeper  *mocks.MockSweeper
	handler  *Handler
	router   http.Handler
	now      time.Time
	healthy  error
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.invoices = mocks.NewMockInvoiceService(s.ctrl)
	s.notices = mocks.NewMockNoticeGate(s.ctrl)
	s.disputes = mocks.NewMockDisputeWorkflow(s.ctrl)
	s.risk = mocks.NewMockRiskEngine(s.ctrl)
	s.sweeper = mocks.NewMockSweeper(s.ctrl)
	s.now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.healthy = nil

	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("dunning_up 1\n"))
	})
	s.handler = NewHandler(s.invoices, s.notices, s.disputes, s.risk, s.sweeper,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
		WithMetrics(middleware.NewMetrics(nil), scrape),
		WithHealthCheck("ledger", func(context.Context) error { return s.healthy }),
	)
	s.router = NewRouter(s.handler)
}

func (s *RouterSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *RouterSuite) do(req *http.Request) *httptest.ResponseRecorder {
	return testutil.DoRequest(s.router, req)
}

// =============================================================================
// Buyers and invoices
// =============================================================================

func (s *RouterSuite) TestRegisterBuyer() {
	want := invoice.RegisterBuyerRequest{RegistryID: "27AAPFU0939F1ZV", Name: "Acme"}
	s.invoices.EXPECT().RegisterBuyer(gomock.Any(), want).
		Return(&models.Buyer{ID: domain.NewBuyerID(), RegistryID: want.RegistryID, Name: want.Name}, nil)

	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/buyers", want))

	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	testutil.AssertJSONContains(s.T(), rr, "registry_id", "27AAPFU0939F1ZV")
}

func (s *RouterSuite) TestRegisterBuyer_UnknownFieldIsBadRequest() {
	rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/buyers", `{"gstin":"x"}`))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
}

func (s *RouterSuite) TestCreateInvoice() {
	retailer := domain.NewRetailerID()
	buyer := domain.NewBuyerID()

	s.Run("parses ids, date and decimal principal", func() {
		s.invoices.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req invoice.CreateInvoiceRequest) (*models.Invoice, error) {
				s.Equal(retailer, req.RetailerID)
				s.Equal(buyer, req.BuyerID)
				s.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), req.InvoiceDate)
				s.True(req.Principal.Equal(decimal.RequireFromString("1234.50")))
				return &models.Invoice{ID: domain.NewInvoiceID(), Number: req.Number}, nil
			})

		rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/invoices", `{
			"retailer_id": "`+retailer.String()+`",
			"buyer_id": "`+buyer.String()+`",
			"number": "INV-7",
			"invoice_date": "2024-01-15",
			"principal": "1234.50"
		}`))
		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	})

	s.Run("malformed date never reaches the service", func() {
		rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/invoices", `{
			"retailer_id": "`+retailer.String()+`",
			"buyer_id": "`+buyer.String()+`",
			"number": "INV-8",
			"invoice_date": "15/01/2024",
			"principal": 10
		}`))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation")
	})

	s.Run("duplicate number maps to 409", func() {
		s.invoices.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeConflict, "invoice number already used by this retailer"))

		rr := s.do(testutil.NewRequestWithBody(s.T(), http.MethodPost, "/invoices", `{
			"retailer_id": "`+retailer.String()+`",
			"buyer_id": "`+buyer.String()+`",
			"number": "INV-7",
			"invoice_date": "2024-01-15",
			"principal": 10
		}`))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})
}

func (s *RouterSuite) TestGetInvoice() {
	id := domain.NewInvoiceID()

	s.Run("defaults to the request time", func() {
		s.invoices.EXPECT().Summary(gomock.Any(), id, s.now).
			Return(&invoice.Summary{Invoice: &models.Invoice{ID: id}, AsOf: s.now}, nil)
		rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/invoices/"+id.String()))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONHasKey(s.T(), rr, "amounts")
	})

	s.Run("honours as_of", func() {
		asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		s.invoices.EXPECT().Summary(gomock.Any(), id, asOf).
			Return(&invoice.Summary{Invoice: &models.Invoice{ID: id}, AsOf: asOf}, nil)
		rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/invoices/"+id.String()+"?as_of=2024-06-01"))
		testutil.AssertStatusOK(s.T(), rr)
	})

	s.Run("rejects a malformed id", func() {
		rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/invoices/not-a-uuid"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation")
	})

	s.Run("unknown invoice is 404", func() {
		s.invoices.EXPECT().Summary(gomock.Any(), id, s.now).
			Return(nil, dErrors.New(dErrors.CodeNotFound, "invoice not found"))
		rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/invoices/"+id.String()))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

func (s *RouterSuite) TestMarkPaid() {
	id := domain.NewInvoiceID()
	paidAt := time.Date(2024, 2, 28, 9, 30, 0, 0, time.UTC)
	s.invoices.EXPECT().MarkPaid(gomock.Any(), id, paidAt, "UTR-9").
		Return(&models.Invoice{ID: id, Stage: models.StagePaid}, nil)

	rr := s.do(testutil.NewJSONRequest(s.T(), http.MethodPost, "/invoices/"+id.String()+"/payment",
		map[string]any{"paid_at": paidAt, "reference": "UTR-9"}))

	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "stage", "paid")
}

func (s *RouterSuite) TestAnonymize() {
	id := domain.NewInvoiceID()
	s.invoices.EXPECT().Anonymize(gomock.Any(), id).
		Return(&models.Invoice{ID: id, Anonymized: true}, nil)

	rr := s.do(testutil.NewRequest(s.T(), http.MethodDelete, "/invoices/"+id.String()))

	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "anonymized", true)
}

func (s *RouterSuite) TestCommunications() {
	id := domain.NewInvoiceID()
	rec := models.NewCommunicationRecord(id, models.StageReminder1Sent, models.ChannelEmail, s.now)
	s.invoices.EXPECT().Communications(gomock.Any(), id).Return([]*models.CommunicationRecord{rec}, nil)

	rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/invoices/"+id.String()+"/communications"))

	testutil.AssertStatusOK(s.T(), rr)
	body := testutil.UnmarshalResponse[map[string][]map[string]any](s.T(), rr)
	s.Len((*body)["communications"], 1)
}

// =============================================================================
// Approvals
// =============================================================================

func (s *RouterSuite) TestApproveNotice() {
	id := domain.NewNoticeID()

	testutil.Given(s.T(), "no acting user", func(t *testing.T) {
		rr := s.do(testutil.NewRequest(t, http.MethodPost, "/notices/"+id.String()+"/approve"))
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})

	testutil.Given(s.T(), "an acting user", func(t *testing.T) {
		s.notices.EXPECT().Approve(gomock.Any(), id, "priya@retailer").
			Return(&models.LegalNotice{ID: id, Status: models.NoticeApproved, ApprovedBy: "priya@retailer"}, nil)

		req := testutil.NewRequest(t, http.MethodPost, "/notices/"+id.String()+"/approve")
		req.Header.Set(middleware.HeaderActor, "priya@retailer")
		rr := s.do(req)
		testutil.AssertStatusOK(t, rr)
	})
}

func (s *RouterSuite) TestApproveNotice_HandlerReadsActorFromContext() {
	id := domain.NewNoticeID()
	s.notices.EXPECT().Approve(gomock.Any(), id, "ops@retailer").Return(&models.LegalNotice{ID: id}, nil)

	req := testutil.NewRequest(s.T(), http.MethodPost, "/notices/"+id.String()+"/approve")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	req = testutil.WithActor(req, "ops@retailer")

	rr := httptest.NewRecorder()
	s.handler.handleApproveNotice(rr, req)
	testutil.AssertStatusOK(s.T(), rr)
}

func (s *RouterSuite) TestPendingNotices() {
	s.notices.EXPECT().ListPending(gomock.Any()).Return([]*models.LegalNotice{{ID: domain.NewNoticeID()}}, nil)
	rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/notices/pending"))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONHasKey(s.T(), rr, "notices")
}

func (s *RouterSuite) TestDisputes() {
	invoiceID := domain.NewInvoiceID()
	disputeID := domain.NewDisputeID()

	s.Run("invalid registry id carries guidance", func() {
		s.disputes.EXPECT().Prepare(gomock.Any(), invoiceID).Return(nil,
			dErrors.New(dErrors.CodeRegistryInvalid, "buyer registry id failed validation").
				WithDetail("guidance", "check the buyer's registry id"))

		rr := s.do(testutil.NewRequest(s.T(), http.MethodPost, "/invoices/"+invoiceID.String()+"/disputes"))
		s.Equal(http.StatusUnprocessableEntity, rr.Code)
		body := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal("registry_invalid", body["error"])
		s.Equal(map[string]any{"guidance": "check the buyer's registry id"}, body["details"])
	})

	s.Run("prepare returns 201", func() {
		s.disputes.EXPECT().Prepare(gomock.Any(), invoiceID).
			Return(&models.DisputeSubmission{ID: disputeID, InvoiceID: invoiceID}, nil)
		rr := s.do(testutil.NewRequest(s.T(), http.MethodPost, "/invoices/"+invoiceID.String()+"/disputes"))
		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	})

	s.Run("approval needs an acting user and submits", func() {
		s.disputes.EXPECT().Approve(gomock.Any(), disputeID, "legal@retailer").
			Return(&models.DisputeSubmission{ID: disputeID, Status: models.DisputeSubmitted, ReferenceNumber: "MSEF-1"}, nil)
		req := testutil.NewRequest(s.T(), http.MethodPost, "/disputes/"+disputeID.String()+"/approve")
		req.Header.Set(middleware.HeaderActor, "legal@retailer")
		rr := s.do(req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "reference_number", "MSEF-1")
	})

	s.Run("portal outage on resubmit is retryable 503", func() {
		s.disputes.EXPECT().Submit(gomock.Any(), disputeID).
			Return(nil, dErrors.New(dErrors.CodeTransientDependency, "dispute portal unavailable"))
		rr := s.do(testutil.NewRequest(s.T(), http.MethodPost, "/disputes/"+disputeID.String()+"/submit"))
		s.Equal(http.StatusServiceUnavailable, rr.Code)
		body := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal(true, body["retryable"])
	})
}

// =============================================================================
// Risk, sweeps and operations
// =============================================================================

func (s *RouterSuite) TestBuyerRisk() {
	id := domain.NewBuyerID()
	s.risk.EXPECT().Assess(gomock.Any(), id).
		Return(&models.RiskAssessment{Score: 82, Category: models.RiskLow}, nil)

	rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/buyers/"+id.String()+"/risk"))

	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "score", float64(82))
}

func (s *RouterSuite) TestSweepUsesRequestTime() {
	s.sweeper.EXPECT().Sweep(gomock.Any(), s.now).Return(&scheduler.Report{Now: s.now, Evaluated: 3, Emitted: 1}, nil)

	rr := s.do(testutil.NewRequest(s.T(), http.MethodPost, "/sweeps"))

	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "evaluated", float64(3))
}

func (s *RouterSuite) TestInternalErrorsHideTheirMessage() {
	s.sweeper.EXPECT().Sweep(gomock.Any(), gomock.Any()).Return(nil, errors.New("pq: connection refused"))

	rr := s.do(testutil.NewRequest(s.T(), http.MethodPost, "/sweeps"))

	s.Equal(http.StatusInternalServerError, rr.Code)
	s.NotContains(rr.Body.String(), "connection refused")
}

func (s *RouterSuite) TestHealthz() {
	rr := s.do(testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
	testutil.AssertStatusOK(s.T(), rr)

	s.healthy = errors.New("down")
	rr = s.do(testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
	s.Equal(http.StatusServiceUnavailable, rr.Code)
}

func (s *RouterSuite) TestMetricsAndRequestID() {
	req := testutil.NewRequest(s.T(), http.MethodGet, "/metrics")
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	rr := s.do(req)

	testutil.AssertStatusOK(s.T(), rr)
	assert.Contains(s.T(), rr.Body.String(), "dunning_up 1")
	require.Equal(s.T(), "req-123", rr.Header().Get(middleware.HeaderRequestID))
}
