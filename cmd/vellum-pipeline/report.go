package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vellumhq/pipeline/internal/billing"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/internal/reporter"
	"github.com/vellumhq/pipeline/internal/store"
)

var reportInterval time.Duration

var reportUsageCmd = &cobra.Command{
	Use:   "report-usage",
	Short: "Report accumulated usage to the billing provider",
	Long: "Runs a single usage-reporting pass and exits. With --interval, keeps " +
		"running passes on a schedule until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReportUsage()
	},
}

func init() {
	reportUsageCmd.Flags().DurationVar(&reportInterval, "interval", 0,
		"run continuously on this interval instead of once (e.g. 1h)")
}

func runReportUsage() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	pgStore := store.NewPostgresStore(pool)
	billingClient := billing.NewHTTPClient(cfg.Billing)
	rep := reporter.New(pgStore, billingClient, cfg.Reporter.BatchSize)

	interval := reportInterval
	if interval == 0 {
		interval = cfg.Reporter.Interval
	}
	if interval > 0 {
		slog.Info("usage reporter running", "interval", interval)
		rep.RunEvery(ctx, interval)
		return nil
	}

	summary, err := rep.Run(ctx)
	if err != nil {
		return fmt.Errorf("usage reporting: %w", err)
	}
	if summary.TenantsFailed > 0 {
		return fmt.Errorf("usage reporting finished with %d failed tenants", summary.TenantsFailed)
	}
	return nil
}
