// Package dispute prepares and lodges dispute packages for invoices whose
// legal notice went unanswered. It runs on demand, never from a sweep.
package dispute

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"dunning/internal/collab"
	"dunning/internal/ledger/models"
	"dunning/internal/lifecycle"
	"dunning/internal/penalty"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/retry"
	"dunning/pkg/platform/sentinel"
)

type Store interface {
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
	GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error)
	GetNoticeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.LegalNotice, error)
	ListCommunications(ctx context.Context, invoiceID domain.InvoiceID) ([]*models.CommunicationRecord, error)
	CreateDispute(ctx context.Context, dispute *models.DisputeSubmission) error
	GetDispute(ctx context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error)
	GetDisputeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.DisputeSubmission, error)
	SaveDispute(ctx context.Context, dispute *models.DisputeSubmission) error
}

type Machine interface {
	Advance(ctx context.Context, invoiceID domain.InvoiceID, from, to models.Stage, now time.Time, payload map[string]string) (*lifecycle.Result, error)
	BankRate(ctx context.Context) (decimal.Decimal, error)
}

type Workflow struct {
	store    Store
	machine  Machine
	registry collab.RegistryValidator
	portal   collab.DisputePortal
	policy   retry.Policy
	sleep    retry.Sleeper
	clock    func() time.Time
	logger   *slog.Logger
}

type Option func(*Workflow)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithPolicy sets the backoff used for registry and portal calls.
func WithPolicy(p retry.Policy) Option {
	return func(w *Workflow) { w.policy = p }
}

func WithSleeper(s retry.Sleeper) Option {
	return func(w *Workflow) { w.sleep = s }
}

func WithClock(clock func() time.Time) Option {
	return func(w *Workflow) { w.clock = clock }
}

func New(store Store, machine Machine, registry collab.RegistryValidator, portal collab.DisputePortal, opts ...Option) *Workflow {
	w := &Workflow{
		store:    store,
		machine:  machine,
		registry: registry,
		portal:   portal,
		policy:   retry.Default(),
		sleep:    retry.Sleep,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Prepare validates the buyer's registry identifier and assembles the
// dispute package. It requires an invoice at NoticeSent with an approved
// notice. Preparing twice returns the existing submission.
func (w *Workflow) Prepare(ctx context.Context, invoiceID domain.InvoiceID) (*models.DisputeSubmission, error) {
	if existing, err := w.store.GetDisputeByInvoice(ctx, invoiceID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up dispute")
	}

	inv, err := w.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "invoice not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load invoice")
	}
	if inv.Stage != models.StageNoticeSent {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "dispute requires a sent legal notice").
			WithDetail("stage", inv.Stage.String())
	}
	notice, err := w.store.GetNoticeByInvoice(ctx, invoiceID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load notice")
	}
	if notice == nil || !notice.IsApproved() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "dispute requires an approved legal notice")
	}
	buyer, err := w.store.GetBuyer(ctx, inv.BuyerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeFatalData, "invoice has no buyer").
				WithDetail("buyer_id", inv.BuyerID.String())
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load buyer")
	}

	registration, err := w.validateRegistry(ctx, buyer.RegistryID)
	if err != nil {
		return nil, err
	}

	now := w.clock()
	pkg, err := w.assemble(ctx, inv, buyer, notice, registration, now)
	if err != nil {
		return nil, err
	}
	sub := models.NewDisputeSubmission(pkg, now)
	if err := w.store.CreateDispute(ctx, sub); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return w.store.GetDisputeByInvoice(ctx, invoiceID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store dispute")
	}
	w.logger.InfoContext(ctx, "dispute package prepared",
		"invoice_id", inv.ID.String(),
		"dispute_id", sub.ID.String(),
		"total_due", pkg.TotalDue.StringFixed(penalty.AmountPlaces),
	)
	return sub, nil
}

// validateRegistry asks the registry collaborator about id, retrying while
// it is unavailable. An invalid identifier is a caller-facing error carrying
// the registry's guidance.
func (w *Workflow) validateRegistry(ctx context.Context, id string) (collab.RegistryResult, error) {
	var res collab.RegistryResult
	attempts, err := retry.Do(ctx, w.policy, w.sleep, collab.IsRetryable, func(int) error {
		var err error
		res, err = w.registry.Validate(ctx, id)
		return err
	})
	if err != nil {
		if collab.IsRetryable(err) {
			w.logger.ErrorContext(ctx, "registry validation unavailable",
				"registry_id", id,
				"attempts", attempts,
				"error", err,
			)
			return res, dErrors.Wrap(err, dErrors.CodeFatalData, "registry validation persistently unavailable").
				WithDetail("registry_id", id)
		}
		return res, collab.ToDomain(err, "registry validation failed")
	}
	if !res.Valid {
		guidance := res.Reason
		if guidance == "" {
			guidance = "check the buyer's registry identifier against their registration certificate"
		}
		e := dErrors.New(dErrors.CodeRegistryInvalid, "buyer registry identifier did not validate").
			WithDetail("registry_id", id).
			WithDetail("guidance", guidance)
		if res.Status != "" {
			e = e.WithDetail("registry_status", res.Status)
		}
		return res, e
	}
	return res, nil
}

func (w *Workflow) assemble(ctx context.Context, inv *models.Invoice, buyer *models.Buyer, notice *models.LegalNotice, reg collab.RegistryResult, now time.Time) (models.DisputePackage, error) {
	rate, err := w.machine.BankRate(ctx)
	if err != nil {
		return models.DisputePackage{}, err
	}
	amounts, err := penalty.ForInvoice(inv, rate, now)
	if err != nil {
		return models.DisputePackage{}, err
	}
	comms, err := w.store.ListCommunications(ctx, inv.ID)
	if err != nil {
		return models.DisputePackage{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load communication history")
	}
	history := make([]models.CommunicationSummary, 0, len(comms))
	for _, c := range comms {
		history = append(history, models.CommunicationSummary{
			Stage:      c.Stage,
			Channel:    c.Channel,
			Status:     c.Status,
			RetryCount: c.RetryCount,
			SentAt:     c.UpdatedAt,
		})
	}
	entity := reg.EntityName
	if entity == "" {
		entity = buyer.Name
	}
	return models.DisputePackage{
		InvoiceID:        inv.ID,
		InvoiceNumber:    inv.Number,
		InvoiceDate:      inv.InvoiceDate,
		DueDate:          inv.DueDate,
		Principal:        inv.Principal,
		Penalty:          amounts.Penalty,
		TotalDue:         amounts.TotalDue,
		OverdueDays:      amounts.OverdueDays,
		BuyerRegistryID:  buyer.RegistryID,
		BuyerEntityName:  entity,
		NoticeID:         notice.ID,
		NoticeContentRef: notice.ContentRef,
		NoticeApprovedBy: notice.ApprovedBy,
		NoticeApprovedAt: *notice.ApprovedAt,
		Communications:   history,
		PreparedAt:       now,
	}, nil
}

// Approve records the retailer's second approval and submits the package.
func (w *Workflow) Approve(ctx context.Context, disputeID domain.DisputeID, approver string) (*models.DisputeSubmission, error) {
	sub, err := w.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := sub.CanApprove(approver); err != nil {
		return nil, err
	}
	sub.ApplyApproval(approver, w.clock())
	if err := w.store.SaveDispute(ctx, sub); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save dispute approval")
	}
	return w.submit(ctx, sub)
}

// Submit retries lodging an approved submission whose last attempt failed.
func (w *Workflow) Submit(ctx context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error) {
	sub, err := w.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	return w.submit(ctx, sub)
}

func (w *Workflow) Get(ctx context.Context, disputeID domain.DisputeID) (*models.DisputeSubmission, error) {
	sub, err := w.store.GetDispute(ctx, disputeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "dispute not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dispute")
	}
	return sub, nil
}

// ErrPaidWhileLodging marks a dispute the portal accepted after the invoice
// was settled. The dispute keeps its reference; the invoice stays paid.
var ErrPaidWhileLodging = errors.New("invoice paid while dispute was being lodged")

func (w *Workflow) submit(ctx context.Context, sub *models.DisputeSubmission) (*models.DisputeSubmission, error) {
	inv, err := w.store.GetInvoice(ctx, sub.InvoiceID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load invoice")
	}
	// A lodged dispute whose stage advance did not land is finished here.
	if sub.Status == models.DisputeSubmitted && inv.Stage == models.StageNoticeSent {
		return w.file(ctx, sub)
	}
	if err := sub.CanSubmit(); err != nil {
		return nil, err
	}
	if inv.IsPaid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice is paid").
			WithDetail("invoice_id", inv.ID.String())
	}

	var ref string
	_, err = retry.Do(ctx, w.policy, w.sleep, collab.IsRetryable, func(int) error {
		var err error
		ref, err = w.portal.Submit(ctx, sub.Package)
		return err
	})
	if err != nil {
		sub.ApplySubmissionFailure(err.Error(), w.clock())
		if serr := w.store.SaveDispute(ctx, sub); serr != nil {
			w.logger.ErrorContext(ctx, "failed to record dispute submission failure",
				"dispute_id", sub.ID.String(),
				"error", serr,
			)
		}
		w.logger.WarnContext(ctx, "dispute submission failed",
			"dispute_id", sub.ID.String(),
			"error", err,
		)
		return sub, collab.ToDomain(err, "dispute portal submission failed")
	}

	// The portal has the dispute now, so its reference is stored before the
	// invoice is touched and survives whatever the stage advance does.
	sub.ApplySubmitted(ref, w.clock())
	if err := w.store.SaveDispute(ctx, sub); err != nil {
		w.logger.ErrorContext(ctx, "failed to save dispute reference",
			"dispute_id", sub.ID.String(),
			"reference_number", ref,
			"error", err,
		)
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "dispute reference number already recorded").
				WithDetail("reference_number", ref)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save dispute reference").
			WithDetail("reference_number", ref)
	}
	return w.file(ctx, sub)
}

// file moves the invoice of a lodged dispute to DisputeFiled. A payment that
// landed while the portal call was in flight wins: the invoice stays paid and
// the caller gets the stored dispute with ErrPaidWhileLodging.
func (w *Workflow) file(ctx context.Context, sub *models.DisputeSubmission) (*models.DisputeSubmission, error) {
	payload := map[string]string{
		"dispute_id":       sub.ID.String(),
		"reference_number": sub.ReferenceNumber,
	}
	_, err := w.machine.Advance(ctx, sub.InvoiceID, models.StageNoticeSent, models.StageDisputeFiled, w.clock(), payload)
	if err != nil {
		inv, gerr := w.store.GetInvoice(ctx, sub.InvoiceID)
		if gerr == nil && inv.IsPaid() {
			w.logger.WarnContext(ctx, "dispute lodged after invoice was paid",
				"dispute_id", sub.ID.String(),
				"invoice_id", sub.InvoiceID.String(),
				"reference_number", sub.ReferenceNumber,
			)
			return sub, dErrors.Wrap(ErrPaidWhileLodging, dErrors.CodeConflict, "invoice was paid before the dispute was filed").
				WithDetail("invoice_id", sub.InvoiceID.String()).
				WithDetail("reference_number", sub.ReferenceNumber)
		}
		return sub, err
	}
	w.logger.InfoContext(ctx, "dispute filed",
		"dispute_id", sub.ID.String(),
		"invoice_id", sub.InvoiceID.String(),
		"reference_number", sub.ReferenceNumber,
	)
	return sub, nil
}
