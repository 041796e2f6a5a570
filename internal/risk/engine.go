package risk

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"dunning/internal/events"
	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
	dErrors "dunning/pkg/domain-errors"
	"dunning/pkg/platform/sentinel"
)

// DefaultTTL is how long an assessment stays valid.
const DefaultTTL = 24 * time.Hour

// Store is the ledger view scoring reads from. PaymentHistory must not
// expose retailer identity.
type Store interface {
	GetBuyer(ctx context.Context, buyerID domain.BuyerID) (*models.Buyer, error)
	PaymentHistory(ctx context.Context, buyerID domain.BuyerID) (models.PaymentHistory, error)
	UpdateBuyerRisk(ctx context.Context, buyerID domain.BuyerID, assessment models.RiskAssessment) error
	GetInvoice(ctx context.Context, invoiceID domain.InvoiceID) (*models.Invoice, error)
}

// Engine serves buyer assessments from the cache, then the buyer record,
// and only computes when both are stale. Concurrent misses for one buyer
// share a single computation.
type Engine struct {
	store   Store
	cache   Cache
	cutoffs Cutoffs
	ttl     time.Duration
	clock   func() time.Time
	group   singleflight.Group
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithCutoffs(c Cutoffs) Option {
	return func(e *Engine) { e.cutoffs = c }
}

func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func New(store Store, cache Cache, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		cutoffs: DefaultCutoffs(),
		ttl:     DefaultTTL,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cache == nil {
		cache = NewMemoryCache(e.clock)
	}
	e.cache = cache
	return e
}

// Assess returns the buyer's current assessment.
func (e *Engine) Assess(ctx context.Context, buyerID domain.BuyerID) (*models.RiskAssessment, error) {
	if a, err := e.cache.Get(ctx, buyerID); err != nil {
		e.logger.WarnContext(ctx, "risk cache read failed",
			"buyer_id", buyerID.String(),
			"error", err,
		)
	} else if a != nil {
		e.metrics.IncLookup("cache")
		return a, nil
	}

	v, err, _ := e.group.Do(buyerID.String(), func() (any, error) {
		return e.load(ctx, buyerID)
	})
	if err != nil {
		return nil, err
	}
	a := v.(models.RiskAssessment)
	return &a, nil
}

func (e *Engine) load(ctx context.Context, buyerID domain.BuyerID) (models.RiskAssessment, error) {
	buyer, err := e.store.GetBuyer(ctx, buyerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.RiskAssessment{}, dErrors.New(dErrors.CodeNotFound, "buyer not found")
		}
		return models.RiskAssessment{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load buyer")
	}
	now := e.clock()
	if buyer.Risk.IsFresh(now) {
		e.metrics.IncLookup("record")
		e.remember(ctx, buyerID, *buyer.Risk)
		return *buyer.Risk, nil
	}
	return e.compute(ctx, buyerID, now)
}

func (e *Engine) compute(ctx context.Context, buyerID domain.BuyerID, now time.Time) (models.RiskAssessment, error) {
	history, err := e.store.PaymentHistory(ctx, buyerID)
	if err != nil {
		return models.RiskAssessment{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load payment history")
	}
	stats := Aggregate(history)
	score := Score(stats)
	a := models.RiskAssessment{
		Score:      score,
		Category:   e.cutoffs.Classify(score),
		ComputedAt: now,
		ValidUntil: now.Add(e.ttl),
	}
	if err := e.store.UpdateBuyerRisk(ctx, buyerID, a); err != nil {
		return models.RiskAssessment{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store risk assessment")
	}
	e.remember(ctx, buyerID, a)
	e.metrics.IncComputation()
	e.metrics.IncLookup("computed")
	e.logger.InfoContext(ctx, "buyer risk computed",
		"buyer_id", buyerID.String(),
		"score", score,
		"category", string(a.Category),
		"transactions", stats.Transactions,
		"disputes", stats.Disputes,
	)
	return a, nil
}

func (e *Engine) remember(ctx context.Context, buyerID domain.BuyerID, a models.RiskAssessment) {
	if err := e.cache.Set(ctx, buyerID, a); err != nil {
		e.logger.WarnContext(ctx, "risk cache write failed",
			"buyer_id", buyerID.String(),
			"error", err,
		)
	}
}

// Invalidate drops the buyer's cached assessment and expires the stored
// one, so the next Assess recomputes.
func (e *Engine) Invalidate(ctx context.Context, buyerID domain.BuyerID) error {
	if err := e.cache.Delete(ctx, buyerID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to drop cached risk")
	}
	buyer, err := e.store.GetBuyer(ctx, buyerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to load buyer")
	}
	if buyer.Risk == nil {
		return nil
	}
	expired := *buyer.Risk
	expired.ValidUntil = expired.ComputedAt
	if err := e.store.UpdateBuyerRisk(ctx, buyerID, expired); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to expire stored risk")
	}
	return nil
}

// HandleSettlement invalidates the buyer of an invoice that was just paid
// or disputed.
func (e *Engine) HandleSettlement(ctx context.Context, evt events.Event) error {
	inv, err := e.store.GetInvoice(ctx, evt.InvoiceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "failed to load invoice")
	}
	return e.Invalidate(ctx, inv.BuyerID)
}
