// Package notice holds legal notices at an approval gate. A notice is
// generated once per invoice when the notice threshold is crossed and only
// leaves the system after a named retailer approves it.
package notice

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"dunning/internal/collab"
	"dunning/internal/dispatch"
	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/internal/lifecycle"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/sentinel"
)

type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
	CreateNotice(ctx context.Context, notice *models.LegalNotice) error
	GetNotice(ctx context.Context, noticeID domain.NoticeID) (*models.LegalNotice, error)
	GetNoticeByInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.LegalNotice, error)
	SaveNotice(ctx context.Context, notice *models.LegalNotice) error
	ListPendingNotices(ctx context.Context) ([]*models.LegalNotice, error)
}

type Machine interface {
	Advance(ctx context.Context, invoiceID domain.InvoiceID, from, to models.Stage, now time.Time, payload map[string]string) (*lifecycle.Result, error)
}

// Deliverer sends approved notice text to the buyer.
type Deliverer interface {
	Deliver(ctx context.Context, evt events.Event, content *collab.Content) (*dispatch.Result, error)
}

type Gate struct {
	store   Store
	machine Machine
	content collab.ContentGenerator
	clock   func() time.Time
	logger  *slog.Logger
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func New(store Store, machine Machine, content collab.ContentGenerator, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		machine: machine,
		content: content,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleGenerate consumes notice.generate events. It is safe to redeliver:
// an invoice that already has a notice is left alone.
func (g *Gate) HandleGenerate(ctx context.Context, evt events.Event) error {
	if _, err := g.store.GetNoticeByInvoice(ctx, evt.InvoiceID); err == nil {
		return nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to look up notice")
	}

	inv, err := g.store.GetInvoice(ctx, evt.InvoiceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeFatalData, "invoice not found").
				WithDetail("invoice_id", evt.InvoiceID.String())
		}
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to load invoice")
	}
	if inv.IsPaid() {
		g.logger.InfoContext(ctx, "invoice paid before notice generation",
			"invoice_id", inv.ID.String(),
		)
		return nil
	}

	facts := maps.Clone(evt.Payload)
	if facts == nil {
		facts = make(map[string]string)
	}
	facts["number"] = inv.Number
	facts["invoice_date"] = inv.InvoiceDate.Format(time.DateOnly)
	content, err := g.content.Generate(ctx, collab.ContentRequest{
		InvoiceID: inv.ID,
		Stage:     models.StageNoticePendingApproval,
		Language:  inv.Language,
		Facts:     facts,
	})
	if err != nil {
		return collab.ToDomain(err, "notice generation failed")
	}

	notice := models.NewLegalNotice(inv.ID, content.Body, content.Ref, g.clock())
	if err := g.store.CreateNotice(ctx, notice); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to store notice")
	}
	g.logger.InfoContext(ctx, "legal notice awaiting approval",
		"invoice_id", inv.ID.String(),
		"notice_id", notice.ID.String(),
	)
	return nil
}

// Approve records the retailer's approval and moves the invoice to
// NoticeSent in one transaction. The notice.sent event that transition
// emits is what triggers delivery.
func (g *Gate) Approve(ctx context.Context, noticeID domain.NoticeID, approver string) (*models.LegalNotice, error) {
	var approved *models.LegalNotice
	err := g.store.RunInTx(ctx, func(ctx context.Context) error {
		notice, err := g.Get(ctx, noticeID)
		if err != nil {
			return err
		}
		if err := notice.CanApprove(approver); err != nil {
			return err
		}
		now := g.clock()
		payload := map[string]string{
			"notice_id":   notice.ID.String(),
			"approved_by": approver,
		}
		if _, err := g.machine.Advance(ctx, notice.InvoiceID, models.StageNoticePendingApproval, models.StageNoticeSent, now, payload); err != nil {
			return err
		}
		notice.ApplyApproval(approver, now)
		if err := g.store.SaveNotice(ctx, notice); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save notice")
		}
		approved = notice
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "legal notice approved",
		"notice_id", approved.ID.String(),
		"invoice_id", approved.InvoiceID.String(),
		"approved_by", approved.ApprovedBy,
	)
	return approved, nil
}

func (g *Gate) Get(ctx context.Context, noticeID domain.NoticeID) (*models.LegalNotice, error) {
	notice, err := g.store.GetNotice(ctx, noticeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "notice not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load notice")
	}
	return notice, nil
}

func (g *Gate) ListPending(ctx context.Context) ([]*models.LegalNotice, error) {
	notices, err := g.store.ListPendingNotices(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending notices")
	}
	return notices, nil
}

// SentHandler delivers approved notices on notice.sent events and marks
// them sent once a channel succeeds.
type SentHandler struct {
	gate      *Gate
	deliverer Deliverer
}

func (g *Gate) SentHandler(d Deliverer) *SentHandler {
	return &SentHandler{gate: g, deliverer: d}
}

func (h *SentHandler) Handle(ctx context.Context, evt events.Event) error {
	g := h.gate
	notice, err := g.store.GetNoticeByInvoice(ctx, evt.InvoiceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeFatalData, "no notice for invoice").
				WithDetail("invoice_id", evt.InvoiceID.String())
		}
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to load notice")
	}
	if notice.Status == models.NoticeSent {
		return nil
	}
	if !notice.IsApproved() {
		// The approval commit may not be visible yet; retry later.
		return dErrors.New(dErrors.CodeConcurrencyConflict, "notice approval not yet recorded").
			WithDetail("notice_id", notice.ID.String())
	}

	res, err := h.deliverer.Deliver(ctx, evt, &collab.Content{
		Subject: "Legal notice",
		Body:    notice.Content,
		Ref:     notice.ContentRef,
	})
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	if err := notice.CanMarkSent(); err != nil {
		return err
	}
	notice.ApplySent(g.clock())
	if err := g.store.SaveNotice(ctx, notice); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to mark notice sent")
	}
	g.logger.InfoContext(ctx, "legal notice delivered",
		"notice_id", notice.ID.String(),
		"channel", string(res.DeliveredVia),
	)
	return nil
}
