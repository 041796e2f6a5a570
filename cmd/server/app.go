package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dunning/internal/collab"
	"dunning/internal/dispatch"
	"dunning/internal/dispute"
	"dunning/internal/events"
	"dunning/internal/invoice"
	"dunning/internal/ledger/models"
	"dunning/internal/ledger/store"
	"dunning/internal/lifecycle"
	"dunning/internal/notice"
	"dunning/internal/penalty"
	"dunning/internal/platform/config"
	"dunning/internal/platform/kafka"
	"dunning/internal/platform/logger"
	"dunning/internal/platform/metrics"
	"dunning/internal/platform/postgres"
	redisclient "dunning/internal/platform/redis"
	"dunning/internal/risk"
	"dunning/internal/scheduler"
	"dunning/pkg/platform/circuit"
	"dunning/pkg/platform/retry"
)

// app holds every wired component. Commands build one and use the parts
// they need.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Registry
	ledger   store.Ledger
	machine  *lifecycle.Machine
	sweeper  *scheduler.Scheduler
	relay    *events.Relay
	invoices *invoice.Service
	gate     *notice.Gate
	disputes *dispute.Workflow
	risk     *risk.Engine
	health   map[string]func(context.Context) error
	closers  []func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger.New(cfg.LogFormat, cfg.LogLevel),
		metrics: metrics.New(),
		health:  make(map[string]func(context.Context) error),
	}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	reg := a.metrics.Registerer()

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.health["postgres"] = db.PingContext
		a.ledger = store.NewPostgres(db)
	} else {
		a.logger.Warn("DATABASE_URL not set; using in-memory ledger")
		a.ledger = store.NewInMemory()
	}

	rate, err := cfg.BankRate()
	if err != nil {
		return err
	}
	rates, err := penalty.NewStaticRate(rate)
	if err != nil {
		return err
	}
	a.machine = lifecycle.New(a.ledger, rates,
		lifecycle.WithLogger(a.logger),
		lifecycle.WithMetrics(lifecycle.NewMetrics(reg)),
		lifecycle.WithMaxRetries(cfg.Sweep.CASRetries),
	)

	thresholds, err := scheduler.NewThresholds(cfg.Thresholds.ReminderFirst, cfg.Thresholds.ReminderSecond,
		cfg.Thresholds.ReminderFinal, cfg.Thresholds.Notice)
	if err != nil {
		return err
	}
	a.sweeper = scheduler.New(a.ledger, a.machine,
		scheduler.WithLogger(a.logger),
		scheduler.WithMetrics(scheduler.NewMetrics(reg)),
		scheduler.WithThresholds(thresholds),
		scheduler.WithWorkers(cfg.Sweep.Workers),
	)

	content, senders, registry, portal := a.collaborators()

	dispatcher := dispatch.New(a.ledger, senders,
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		dispatch.WithPolicy(retry.Policy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			Multiplier:  cfg.Dispatch.Multiplier,
		}),
	)
	plan := make([]models.Channel, 0, len(cfg.Dispatch.Channels))
	for _, ch := range cfg.Dispatch.Channels {
		plan = append(plan, models.Channel(ch))
	}
	delivery := dispatch.NewEventHandler(dispatcher, a.ledger, a.ledger, content,
		dispatch.WithChannelPlan(plan...),
		dispatch.WithRegion(cfg.Dispatch.Region),
		dispatch.WithHandlerLogger(a.logger),
	)

	a.gate = notice.New(a.ledger, a.machine, content, notice.WithLogger(a.logger))
	a.disputes = dispute.New(a.ledger, a.machine, registry, portal, dispute.WithLogger(a.logger))
	a.invoices = invoice.New(a.ledger, a.machine,
		invoice.WithLogger(a.logger),
		invoice.WithPseudonymKey([]byte(cfg.PseudonymKey)),
	)

	var cache risk.Cache
	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		a.closers = append(a.closers, rc.Close)
		a.health["redis"] = rc.Health
		cache = risk.NewRedisCache(rc, time.Now)
	}
	a.risk = risk.New(a.ledger, cache,
		risk.WithLogger(a.logger),
		risk.WithMetrics(risk.NewMetrics(reg)),
		risk.WithCutoffs(risk.Cutoffs{Low: cfg.Risk.LowCutoff, Medium: cfg.Risk.MediumCutoff}),
		risk.WithTTL(cfg.Risk.CacheTTL),
	)

	router := events.NewRouter(a.logger, nil)
	router.Register(events.TypeReminderFirst, delivery)
	router.Register(events.TypeReminderSecond, delivery)
	router.Register(events.TypeReminderFinal, delivery)
	router.Register(events.TypeNoticeGenerate, events.HandlerFunc(a.gate.HandleGenerate))
	router.Register(events.TypeNoticeSent, a.gate.SentHandler(delivery))
	router.Register(events.TypeInvoicePaid, events.HandlerFunc(a.risk.HandleSettlement))
	router.Register(events.TypeDisputeFiled, events.HandlerFunc(a.risk.HandleSettlement))

	producer, err := kafka.New(ctx, cfg.Kafka)
	if err != nil {
		return err
	}
	if producer != nil {
		a.closers = append(a.closers, func() error { producer.Close(); return nil })
		a.health["kafka"] = producer.Ping
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka, a.logger); err != nil {
			return err
		}
		router.Tap(events.NewStreamPublisher(producer, cfg.Kafka.EventsTopic))
	}

	a.relay = events.NewRelay(a.ledger, router,
		events.WithLogger(a.logger),
		events.WithMetrics(events.NewMetrics(reg)),
		events.WithPolicy(retry.Policy{
			MaxAttempts: cfg.Relay.MaxAttempts,
			BaseDelay:   5 * time.Second,
			Multiplier:  2,
			MaxDelay:    10 * time.Minute,
		}),
		events.WithBatchSize(cfg.Relay.BatchSize),
		events.WithInterval(cfg.Relay.Interval),
	)
	return nil
}

// collaborators builds HTTP adapters for every configured endpoint and local
// stand-ins for the rest.
func (a *app) collaborators() (collab.ContentGenerator, []collab.Sender, collab.RegistryValidator, collab.DisputePortal) {
	c := a.cfg.Collaborators
	clientOpts := func(name string) []collab.ClientOption {
		return []collab.ClientOption{
			collab.WithBreaker(circuit.New(name)),
			collab.WithClientLogger(a.logger),
		}
	}

	var content collab.ContentGenerator = collab.NewTemplateGenerator()
	if c.Content.BaseURL != "" {
		content = collab.NewHTTPContentGenerator(endpoint("content", c.Content), clientOpts("content")...)
	}

	senders := make([]collab.Sender, 0, len(a.cfg.Dispatch.Channels))
	for _, name := range a.cfg.Dispatch.Channels {
		ch := models.Channel(name)
		if ep, ok := c.Channels[name]; ok && ep.BaseURL != "" {
			senders = append(senders, collab.NewHTTPSender(ch, endpoint("channel-"+name, ep), clientOpts("channel-"+name)...))
			continue
		}
		a.logger.Warn("no endpoint for channel; messages will only be logged", "channel", name)
		senders = append(senders, collab.NewLogSender(ch, a.logger))
	}

	var registry collab.RegistryValidator = collab.FormatRegistry{}
	if c.Registry.BaseURL != "" {
		registry = collab.NewHTTPRegistry(endpoint("registry", c.Registry), clientOpts("registry")...)
	}

	var portal collab.DisputePortal = collab.NewLocalPortal(a.logger)
	if c.Portal.BaseURL != "" {
		portal = collab.NewHTTPDisputePortal(endpoint("dispute-portal", c.Portal), clientOpts("dispute-portal")...)
	}
	return content, senders, registry, portal
}

func endpoint(name string, ep config.Endpoint) collab.Endpoint {
	return collab.Endpoint{
		Name:    name,
		BaseURL: strings.TrimRight(ep.BaseURL, "/"),
		APIKey:  ep.APIKey,
		Timeout: ep.Timeout,
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// drainOutbox relays pending events until a pass finds none.
func (a *app) drainOutbox(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := a.relay.RunOnce(ctx)
		if err != nil {
			return total, fmt.Errorf("relay outbox: %w", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}
