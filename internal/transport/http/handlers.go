package httptransport

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"dunning/internal/invoice"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/httputil"
	"dunning/pkg/requestcontext"
)

type createInvoiceRequest struct {
	RetailerID  string          `json:"retailer_id"`
	BuyerID     string          `json:"buyer_id"`
	Number      string          `json:"number"`
	InvoiceDate string          `json:"invoice_date"`
	Principal   decimal.Decimal `json:"principal"`
	Language    string          `json:"language,omitempty"`
}

type markPaidRequest struct {
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	Reference string     `json:"reference,omitempty"`
}

func (h *Handler) handleRegisterBuyer(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[invoice.RegisterBuyerRequest](w, r, h.logger)
	if !ok {
		return
	}
	buyer, err := h.invoices.RegisterBuyer(r.Context(), *req)
	if err != nil {
		h.fail(w, r, "register buyer", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, buyer)
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeJSON[createInvoiceRequest](w, r, h.logger)
	if !ok {
		return
	}
	in, err := req.toService()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	inv, err := h.invoices.CreateInvoice(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create invoice", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, inv)
}

func (req *createInvoiceRequest) toService() (invoice.CreateInvoiceRequest, error) {
	retailerID, err := domain.ParseRetailerID(req.RetailerID)
	if err != nil {
		return invoice.CreateInvoiceRequest{}, err
	}
	buyerID, err := domain.ParseBuyerID(req.BuyerID)
	if err != nil {
		return invoice.CreateInvoiceRequest{}, err
	}
	date, err := time.Parse(time.DateOnly, strings.TrimSpace(req.InvoiceDate))
	if err != nil {
		return invoice.CreateInvoiceRequest{}, dErrors.New(dErrors.CodeValidation, "invoice_date must be YYYY-MM-DD").
			WithDetail("invoice_date", "date")
	}
	return invoice.CreateInvoiceRequest{
		RetailerID:  retailerID,
		BuyerID:     buyerID,
		Number:      req.Number,
		InvoiceDate: date,
		Principal:   req.Principal,
		Language:    req.Language,
	}, nil
}

// handleGetInvoice returns the invoice with its amounts as of now, or as of
// the as_of query parameter (YYYY-MM-DD) when given.
func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceParam(w, r)
	if !ok {
		return
	}
	now := requestcontext.Now(r.Context())
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "as_of must be YYYY-MM-DD"))
			return
		}
		now = asOf
	}
	summary, err := h.invoices.Summary(r.Context(), id, now)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeJSON[markPaidRequest](w, r, h.logger)
	if !ok {
		return
	}
	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}
	inv, err := h.invoices.MarkPaid(r.Context(), id, paidAt, req.Reference)
	if err != nil {
		h.fail(w, r, "mark invoice paid", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceParam(w, r)
	if !ok {
		return
	}
	inv, err := h.invoices.Anonymize(r.Context(), id)
	if err != nil {
		h.fail(w, r, "anonymize invoice", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inv)
}

func (h *Handler) handleCommunications(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceParam(w, r)
	if !ok {
		return
	}
	records, err := h.invoices.Communications(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list communications", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"communications": records})
}

func (h *Handler) handlePendingNotices(w http.ResponseWriter, r *http.Request) {
	notices, err := h.notices.ListPending(r.Context())
	if err != nil {
		h.fail(w, r, "list pending notices", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

func (h *Handler) handleApproveNotice(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseNoticeID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	notice, err := h.notices.Approve(r.Context(), id, requestcontext.Actor(r.Context()))
	if err != nil {
		h.fail(w, r, "approve notice", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, notice)
}

func (h *Handler) handlePrepareDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceParam(w, r)
	if !ok {
		return
	}
	dispute, err := h.disputes.Prepare(r.Context(), id)
	if err != nil {
		h.fail(w, r, "prepare dispute", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, dispute)
}

func (h *Handler) handleApproveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseDisputeID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	dispute, err := h.disputes.Approve(r.Context(), id, requestcontext.Actor(r.Context()))
	if err != nil {
		h.fail(w, r, "approve dispute", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, dispute)
}

func (h *Handler) handleSubmitDispute(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseDisputeID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	dispute, err := h.disputes.Submit(r.Context(), id)
	if err != nil {
		h.fail(w, r, "submit dispute", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, dispute)
}

func (h *Handler) handleBuyerRisk(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseBuyerID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	assessment, err := h.risk.Assess(r.Context(), id)
	if err != nil {
		h.fail(w, r, "assess buyer risk", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, assessment)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context(), requestcontext.Now(r.Context()))
	if err != nil {
		h.fail(w, r, "run sweep", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func invoiceParam(w http.ResponseWriter, r *http.Request) (domain.InvoiceID, bool) {
	id, err := domain.ParseInvoiceID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return domain.InvoiceID{}, false
	}
	return id, true
}

// fail logs server-side failures and writes the coded error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	code := dErrors.CodeOf(err)
	attrs := []any{
		"error", err,
		"code", string(code),
		"request_id", requestcontext.RequestID(ctx),
	}
	switch code {
	case dErrors.CodeInternal, dErrors.CodeTransientDependency, dErrors.CodeFatalData, dErrors.CodeDeliveryFailed:
		h.logger.ErrorContext(ctx, "failed to "+op, attrs...)
	default:
		h.logger.WarnContext(ctx, "failed to "+op, attrs...)
	}
	httputil.WriteError(w, err)
}
