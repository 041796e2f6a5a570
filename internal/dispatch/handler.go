package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"dunning/internal/collab"
	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/sentinel"
)

type InvoiceReader interface {
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
}

type BuyerReader interface {
	GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error)
}

// EventHandler turns reminder and notice events into dispatches.
type EventHandler struct {
	dispatcher *Dispatcher
	invoices   InvoiceReader
	buyers     BuyerReader
	content    collab.ContentGenerator
	plan       []models.Channel
	region     string
	logger     *slog.Logger
}

type HandlerOption func(*EventHandler)

// WithChannelPlan sets the channel preference order. Defaults to every
// channel the dispatcher has a sender for.
func WithChannelPlan(plan ...models.Channel) HandlerOption {
	return func(h *EventHandler) { h.plan = plan }
}

// WithRegion sets the default region for buyer phone numbers.
func WithRegion(region string) HandlerOption {
	return func(h *EventHandler) { h.region = region }
}

func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *EventHandler) { h.logger = logger }
}

func NewEventHandler(d *Dispatcher, invoices InvoiceReader, buyers BuyerReader, content collab.ContentGenerator, opts ...HandlerOption) *EventHandler {
	h := &EventHandler{
		dispatcher: d,
		invoices:   invoices,
		buyers:     buyers,
		content:    content,
		plan:       d.Channels(),
		region:     DefaultRegion,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EventHandler) Handle(ctx context.Context, evt events.Event) error {
	_, err := h.Deliver(ctx, evt, nil)
	return err
}

// Deliver dispatches the stage evt moved into. When content is given it is
// sent verbatim on every channel; otherwise each channel is rendered by the
// content generator. An invoice paid since the event was emitted is skipped
// and a nil result returned.
func (h *EventHandler) Deliver(ctx context.Context, evt events.Event, content *collab.Content) (*Result, error) {
	inv, err := h.invoices.GetInvoice(ctx, evt.InvoiceID)
	if err != nil {
		return nil, relationError(err, "invoice", evt.InvoiceID.String())
	}
	if inv.IsPaid() {
		h.logger.InfoContext(ctx, "invoice paid, dropping pending dispatch",
			"invoice_id", inv.ID.String(),
			"event_type", evt.Type,
		)
		return nil, nil
	}
	buyer, err := h.buyers.GetBuyer(ctx, inv.BuyerID)
	if err != nil {
		return nil, relationError(err, "buyer", inv.BuyerID.String())
	}

	req := Request{
		InvoiceID:  inv.ID,
		Stage:      evt.To,
		Recipients: make(map[models.Channel]collab.Recipient, len(h.plan)),
	}
	for _, ch := range h.plan {
		r, err := RecipientFor(buyer, ch, h.region)
		if err != nil {
			h.logger.DebugContext(ctx, "buyer unreachable on channel",
				"buyer_id", buyer.ID.String(),
				"channel", string(ch),
				"error", err,
			)
			continue
		}
		req.Channels = append(req.Channels, ch)
		req.Recipients[ch] = r
	}
	if len(req.Channels) == 0 {
		return nil, dErrors.New(dErrors.CodeFatalData, "buyer cannot be reached on any channel").
			WithDetail("buyer_id", buyer.ID.String())
	}

	if content != nil {
		req.Content = make(map[models.Channel]collab.Content, len(req.Channels))
		for _, ch := range req.Channels {
			req.Content[ch] = *content
		}
	} else {
		facts := contentFacts(inv, buyer, evt)
		req.Render = func(ctx context.Context, ch models.Channel) (collab.Content, error) {
			return h.content.Generate(ctx, collab.ContentRequest{
				InvoiceID: inv.ID,
				Stage:     evt.To,
				Channel:   ch,
				Language:  inv.Language,
				Facts:     facts,
			})
		}
	}
	return h.dispatcher.Dispatch(ctx, req)
}

func contentFacts(inv *models.Invoice, buyer *models.Buyer, evt events.Event) map[string]string {
	facts := make(map[string]string, len(evt.Payload)+4)
	maps.Copy(facts, evt.Payload)
	facts["number"] = inv.Number
	facts["invoice_date"] = inv.InvoiceDate.Format(time.DateOnly)
	facts["buyer_name"] = buyer.Name
	if _, ok := facts["principal"]; !ok {
		facts["principal"] = inv.Principal.StringFixed(2)
	}
	return facts
}

func relationError(err error, kind, id string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeFatalData, kind+" not found").
			WithDetail(kind+"_id", id)
	}
	return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to load "+kind)
}
