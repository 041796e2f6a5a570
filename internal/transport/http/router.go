package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"dunning/internal/invoice"
	"dunning/internal/ledger/models"
	"dunning/internal/platform/middleware"
	"dunning/internal/scheduler"
	"dunning/pkg/domain"
	"dunning/pkg/platform/httputil"
)

type InvoiceService interface {
	RegisterBuyer(ctx context.Context, req invoice.RegisterBuyerRequest) (*models.Buyer, error)
	CreateInvoice(ctx context.Context, req invoice.CreateInvoiceRequest) (*models.Invoice, error)
	Summary(ctx context.Context, invoiceID domain.InvoiceID, now time.Time) (*invoice.Summary, error)
	MarkPaid(ctx context.Context, invoiceID domain.InvoiceID, paidAt time.Time, reference string) (*models.Invoice, error)
	Anonymize(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
	Communications(ctx context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error)
}

type NoticeGate interface {
	ListPending(ctx context.Context) ([]*models.LegalNotice, error)
	Approve(ctx context.Context, noticeID domain.NoticeID, approver string) (*models.LegalNotice, error)
}

type DisputeWorkflow interface {
	Prepare(ctx context.Context, invoiceID domain.InvoiceID) (*models.DisputeSubmission, error)
	Approve(ctx context.Context, disputeID domain.DisputeID, approver string) (*models.DisputeSubmission, error)
	Submit(ctx context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error)
}

type RiskEngine interface {
	Assess(ctx context.Context, buyerID domain.BuyerID) (*models.RiskAssessment, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*scheduler.Report, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler is the thin HTTP layer. It delegates to domain services without
// embedding business logic.
type Handler struct {
	invoices InvoiceService
	notices  NoticeGate
	disputes DisputeWorkflow
	risk     RiskEngine
	sweeper  Sweeper
	checks   map[string]HealthCheck
	metrics  *middleware.Metrics
	scrape   http.Handler
	clock    func() time.Time
	logger   *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *middleware.Metrics, scrape http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
		h.scrape = scrape
	}
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

func NewHandler(invoices InvoiceService, notices NoticeGate, disputes DisputeWorkflow, risk RiskEngine, sweeper Sweeper, opts ...Option) *Handler {
	h := &Handler{
		invoices: invoices,
		notices:  notices,
		disputes: disputes,
		risk:     risk,
		sweeper:  sweeper,
		checks:   make(map[string]HealthCheck),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter wires all public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime(h.clock))
	r.Use(middleware.Actor)
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Latency(h.metrics))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	if h.scrape != nil {
		r.Method(http.MethodGet, "/metrics", h.scrape)
	}

	r.Post("/buyers", h.handleRegisterBuyer)
	r.Get("/buyers/{id}/risk", h.handleBuyerRisk)

	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.handleCreateInvoice)
		r.Get("/{id}", h.handleGetInvoice)
		r.Delete("/{id}", h.handleAnonymize)
		r.Post("/{id}/payment", h.handleMarkPaid)
		r.Get("/{id}/communications", h.handleCommunications)
		r.Post("/{id}/disputes", h.handlePrepareDispute)
	})

	r.Get("/notices/pending", h.handlePendingNotices)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireActor(h.logger))
		r.Post("/notices/{id}/approve", h.handleApproveNotice)
		r.Post("/disputes/{id}/approve", h.handleApproveDispute)
	})
	r.Post("/disputes/{id}/submit", h.handleSubmitDispute)

	r.Post("/sweeps", h.handleSweep)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
}
