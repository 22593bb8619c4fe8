package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/remedy/feed"
	"github.com/yairfalse/remedy/internal/config"
	"github.com/yairfalse/remedy/internal/daemon"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/telemetry"
)

func newDaemonCmd(c *cli) *cobra.Command {
	var (
		dryRun   bool
		feedKind string
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the remediation daemon",
		Long: `Run Remedy as a long-lived service.

The daemon consumes change events from the configured feed (SQS, CloudTrail
or a periodic bucket sweep), remediates violations with a pool of workers and
serves Prometheus metrics with health checks.

Endpoints:
- /metrics  Prometheus scrape target
- /healthz  liveness, always 200
- /readyz   200 once the worker pool is consuming events

SIGTERM and SIGINT stop the daemon after in-flight events finish.`,
		Example: `  remedy daemon --config /etc/remedy/remedy.toml   # Run with a config file
  remedy daemon --dry-run                          # Evaluate and log, never mutate
  remedy daemon --feed cloudtrail --workers 8      # Poll CloudTrail with 8 workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				c.cfg.Worker.DryRun = true
			}
			if feedKind != "" {
				c.cfg.Feed.Kind = feedKind
			}
			if workers > 0 {
				c.cfg.Worker.Count = workers
			}
			return c.runDaemon(cmd.Context(), nil)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate and log planned fixes without mutating")
	cmd.Flags().StringVar(&feedKind, "feed", "", "Override the event feed: sqs, cloudtrail, sweep")
	cmd.Flags().IntVar(&workers, "workers", 0, "Override the worker count")
	return cmd
}

func newSweepCmd(c *cli) *cobra.Command {
	var (
		dryRun          bool
		onlyUnencrypted bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remediate every bucket once and exit",
		Long: `List every bucket the provider can see, feed one change event per bucket
through the remediation pipeline and exit once all of them are done.`,
		Example: `  remedy sweep --dry-run             # Preview fixes for every bucket
  remedy sweep --only-unencrypted    # Skip buckets already known to be encrypted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.cfg.Feed.Kind = config.FeedSweep
			c.cfg.Feed.SweepInterval = 0
			c.cfg.Feed.OnlyUnencrypted = onlyUnencrypted
			if dryRun {
				c.cfg.Worker.DryRun = true
			}
			c.cfg.Metrics.Addr = ""
			return c.runDaemon(cmd.Context(), nil)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate and log planned fixes without mutating")
	cmd.Flags().BoolVar(&onlyUnencrypted, "only-unencrypted", false, "Only sweep buckets not known to be encrypted")
	return cmd
}

func (c *cli) runDaemon(ctx context.Context, f feed.Feed) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdown, err := telemetry.InitOTEL(ctx, c.cfg.Telemetry(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	d, err := c.newDaemon(ctx, f)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}

// newAPI creates the configured cloud provider
func (c *cli) newAPI(ctx context.Context) (providers.CloudAPI, error) {
	api, err := providers.New(ctx, c.cfg.AWS.Provider, c.cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return api, nil
}

func (c *cli) newDaemon(ctx context.Context, f feed.Feed) (*daemon.Daemon, error) {
	api, err := c.newAPI(ctx)
	if err != nil {
		return nil, err
	}
	d, err := daemon.NewDaemon(ctx, daemon.Options{
		Config: c.cfg,
		API:    api,
		Feed:   f,
		Logger: telemetry.NewLogger("remedy"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon: %w", err)
	}
	return d, nil
}
