package events

import (
	"context"
	"log/slog"
)

// Router dispatches events to type-specific handlers and then to every
// registered tap (for example the event stream publisher).
type Router struct {
	handlers map[Type]Handler
	taps     []Handler
	fallback Handler
	logger   *slog.Logger
}

// NewRouter creates a router with an optional fallback handler.
func NewRouter(logger *slog.Logger, fallback Handler) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[Type]Handler),
		fallback: fallback,
		logger:   logger,
	}
}

// Register adds a handler for a specific event type.
func (r *Router) Register(t Type, handler Handler) {
	r.handlers[t] = handler
}

// Tap adds a handler that sees every event after its type handler succeeds.
func (r *Router) Tap(handler Handler) {
	r.taps = append(r.taps, handler)
}

func (r *Router) Handle(ctx context.Context, evt Event) error {
	handler, ok := r.handlers[evt.Type]
	switch {
	case ok:
		if err := handler.Handle(ctx, evt); err != nil {
			return err
		}
	case r.fallback != nil:
		if err := r.fallback.Handle(ctx, evt); err != nil {
			return err
		}
	default:
		r.logger.DebugContext(ctx, "no handler for event type",
			"event_type", evt.Type,
			"invoice_id", evt.InvoiceID.String(),
		)
	}
	for _, tap := range r.taps {
		if err := tap.Handle(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
