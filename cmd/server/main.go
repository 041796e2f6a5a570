package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dunning/internal/ledger/store"
	"dunning/internal/penalty"
	"dunning/internal/platform/config"
	"dunning/internal/platform/httpserver"
	"dunning/internal/platform/middleware"
	"dunning/internal/platform/postgres"
	"dunning/internal/scheduler"
	httptransport "dunning/internal/transport/http"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "dunning",
	Short:         "Statutory payment-deadline enforcement for invoices",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the sweep loop and the outbox relay",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one deadline sweep, relay its events and print the report",
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger schema",
	RunE:  runMigrate,
}

var penaltyCmd = &cobra.Command{
	Use:   "penalty",
	Short: "Compute the compound penalty for a principal and overdue days",
	RunE:  runPenalty,
}

var (
	sweepAt        string
	penaltyAmount  string
	penaltyDays    int
	penaltyRateArg string
)

func init() {
	sweepCmd.Flags().StringVar(&sweepAt, "at", "", "sweep as of this date (YYYY-MM-DD); defaults to now")
	penaltyCmd.Flags().StringVar(&penaltyAmount, "principal", "", "principal amount")
	penaltyCmd.Flags().IntVar(&penaltyDays, "overdue-days", 0, "days past the due date")
	penaltyCmd.Flags().StringVar(&penaltyRateArg, "rate", "", "annual bank reference rate; defaults to the configured rate")
	_ = penaltyCmd.MarkFlagRequired("principal")

	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd, penaltyCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	opts := []httptransport.Option{
		httptransport.WithLogger(a.logger),
		httptransport.WithMetrics(middleware.NewMetrics(a.metrics.Registerer()), a.metrics.Handler()),
	}
	for name, check := range a.health {
		opts = append(opts, httptransport.WithHealthCheck(name, check))
	}
	handler := httptransport.NewHandler(a.invoices, a.gate, a.disputes, a.risk, a.sweeper, opts...)
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler))

	runner := scheduler.NewRunner(a.sweeper, cfg.Sweep.Interval, time.Now)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, srv, cfg.Server.ShutdownTimeout, a.logger)
	})
	g.Go(func() error {
		return ignoreCancel(runner.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCancel(a.relay.Run(gctx))
	})
	a.logger.Info("dunning started", "version", version, "addr", cfg.Server.Addr)
	return g.Wait()
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	now := time.Now()
	if sweepAt != "" {
		if now, err = time.Parse(time.DateOnly, sweepAt); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.sweeper.Sweep(ctx, now)
	if err != nil {
		return err
	}
	relayed, err := a.drainOutbox(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "sweep finished",
		"evaluated", report.Evaluated,
		"emitted", report.Emitted,
		"failed", len(report.Failed),
		"relayed", relayed,
	)
	return printJSON(cmd.OutOrStdout(), report)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ledger schema is up to date")
	return nil
}

func runPenalty(cmd *cobra.Command, _ []string) error {
	principal, err := decimal.NewFromString(penaltyAmount)
	if err != nil {
		return fmt.Errorf("--principal: %w", err)
	}
	var rate decimal.Decimal
	if penaltyRateArg != "" {
		if rate, err = decimal.NewFromString(penaltyRateArg); err != nil {
			return fmt.Errorf("--rate: %w", err)
		}
	} else {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if rate, err = cfg.BankRate(); err != nil {
			return err
		}
	}
	result, err := penalty.Calculate(principal, rate, penaltyDays)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
