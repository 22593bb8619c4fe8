// Package daemon assembles the long-running remediation service: the event
// feed, the worker pool, the metrics server and periodic maintenance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"

	"github.com/yairfalse/remedy/executor"
	"github.com/yairfalse/remedy/feed"
	"github.com/yairfalse/remedy/internal/config"
	"github.com/yairfalse/remedy/internal/emitter"
	"github.com/yairfalse/remedy/lease"
	"github.com/yairfalse/remedy/orchestrator"
	"github.com/yairfalse/remedy/policy"
	"github.com/yairfalse/remedy/providers"
	awsprovider "github.com/yairfalse/remedy/providers/aws"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/storage"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/wal"
)

// MaintenanceInterval is how often the outcome store is compacted and old
// journal files are removed
const MaintenanceInterval = time.Hour

// Options wires a daemon. API is required. Feed and Leases override what
// the config would build.
type Options struct {
	Config *config.Config
	API    providers.CloudAPI
	Feed   feed.Feed
	Leases lease.Table
	Logger *telemetry.Logger
}

// Daemon runs the remediation service
type Daemon struct {
	cfg     *config.Config
	feed    feed.Feed
	sweep   *feed.SweepFeed
	leases  lease.Table
	redis   *redis.Client
	store   *storage.OutcomeStore
	journal *wal.WAL
	emitter emitter.Emitter
	orch    *orchestrator.Orchestrator
	pool    *orchestrator.Pool
	metrics *DaemonMetrics
	logger  *telemetry.Logger

	startTime time.Time
	ready     atomic.Bool
	processed atomic.Int64
	retried   atomic.Int64
}

// NewDaemon builds every collaborator from the config. An invalid rule file
// is fatal.
func NewDaemon(ctx context.Context, opts Options) (d *Daemon, err error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.API == nil {
		return nil, errors.New("daemon: cloud API is required")
	}
	cfg := opts.Config

	d = &Daemon{
		cfg:       cfg,
		feed:      opts.Feed,
		leases:    opts.Leases,
		logger:    opts.Logger,
		startTime: time.Now(),
	}
	if d.logger == nil {
		d.logger = telemetry.NewLogger("daemon")
	}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	rules, err := policy.NewLoader().LoadFile(ctx, cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	evaluator := policy.NewEvaluator(rules)

	retrier := retry.NewController(cfg.RetryPolicy(),
		retry.WithLimiter(cfg.MutationLimiter()),
		retry.WithLogger(d.logger))
	engine := executor.NewEngine(evaluator.Rule, retrier, executor.Options{
		DryRun:          cfg.Worker.DryRun,
		DefaultKMSKeyID: cfg.AWS.KMSKeyID,
	})

	if d.store, err = storage.Open(cfg.Storage.Dir); err != nil {
		return nil, fmt.Errorf("open outcome store: %w", err)
	}
	if d.journal, err = wal.OpenWithConfig(cfg.Storage.JournalDir, d.journalConfig()); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	prom, err := emitter.NewPrometheusEmitter()
	if err != nil {
		return nil, err
	}
	d.emitter = emitter.NewMultiEmitter(
		emitter.NewStoreEmitter(d.store, !cfg.Storage.RecordAllOutcomes),
		emitter.NewJournalEmitter(d.journal),
		emitter.NewLogEmitter(d.logger),
		prom,
	)

	if d.leases == nil {
		d.leases = d.buildLeases()
	}

	d.orch, err = orchestrator.New(orchestrator.Config{
		API:       opts.API,
		Evaluator: evaluator,
		Engine:    engine,
		Leases:    d.leases,
		Retrier:   retrier,
		LeaseTTL:  cfg.Lease.TTL,
		Filter:    cfg.ResourceFilter(),
		Emitter:   d.emitter,
		Journal:   d.journal,
		Logger:    d.logger,
	})
	if err != nil {
		return nil, err
	}

	if d.feed == nil {
		if d.feed, err = buildFeed(ctx, cfg, opts.API); err != nil {
			return nil, err
		}
	}
	d.sweep, _ = d.feed.(*feed.SweepFeed)
	if d.feed, err = feed.Instrument(d.feed, cfg.Feed.Kind); err != nil {
		return nil, err
	}

	if d.metrics, err = NewDaemonMetrics(d.store); err != nil {
		return nil, err
	}

	d.pool = orchestrator.NewPool(d.orch, cfg.Worker.Count)
	d.pool.OnResult = d.observe

	d.logger.Info().
		Int("rules", len(rules)).
		Str("feed", cfg.Feed.Kind).
		Str("lease_backend", cfg.Lease.Backend).
		Int("workers", cfg.Worker.Count).
		Bool("dry_run", cfg.Worker.DryRun).
		Msg("daemon configured")
	return d, nil
}

func (d *Daemon) journalConfig() wal.Config {
	jc := wal.DefaultConfig()
	if d.cfg.Storage.JournalMaxFileSize > 0 {
		jc.MaxFileSize = d.cfg.Storage.JournalMaxFileSize
	}
	jc.RetentionDays = d.cfg.Storage.RetentionDays
	return jc
}

func (d *Daemon) buildLeases() lease.Table {
	if d.cfg.Lease.Backend == config.LeaseRedis {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     d.cfg.Lease.RedisAddr,
			Password: d.cfg.Lease.RedisPassword,
			DB:       d.cfg.Lease.RedisDB,
		})
		return lease.NewRedisTable(d.redis, d.cfg.Lease.Prefix)
	}
	return lease.NewMemoryTable()
}

// buildFeed creates the configured event source. The SQS and CloudTrail
// feeds share the adapter's credential chain.
func buildFeed(ctx context.Context, cfg *config.Config, api providers.CloudAPI) (feed.Feed, error) {
	switch cfg.Feed.Kind {
	case config.FeedSweep:
		lister, ok := api.(providers.BucketLister)
		if !ok {
			return nil, fmt.Errorf("feed: provider %s cannot list buckets", api.Name())
		}
		return feed.NewSweepFeed(lister, feed.SweepOptions{
			Interval:        cfg.Feed.SweepInterval,
			OnlyUnencrypted: cfg.Feed.OnlyUnencrypted,
		}), nil
	case config.FeedSQS, config.FeedCloudTrail:
	default:
		return nil, fmt.Errorf("feed: unknown kind %q", cfg.Feed.Kind)
	}

	awsCfg, err := awsprovider.LoadConfig(ctx, cfg.ProviderConfig())
	if err != nil {
		return nil, err
	}
	if cfg.Feed.Kind == config.FeedCloudTrail {
		return feed.NewCloudTrailFeed(cloudtrail.NewFromConfig(awsCfg), feed.CloudTrailOptions{
			PollInterval: cfg.Feed.PollInterval,
			Lookback:     cfg.Feed.Lookback,
		}), nil
	}
	return feed.NewSQSFeed(sqs.NewFromConfig(awsCfg), feed.SQSOptions{
		QueueURL:          cfg.Feed.QueueURL,
		MaxMessages:       cfg.Feed.MaxMessages,
		WaitTimeSeconds:   cfg.Feed.WaitTimeSeconds,
		VisibilityTimeout: cfg.Feed.VisibilityTimeout,
	})
}

// Orchestrator exposes the event processor, for one-off runs
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Store exposes the outcome store
func (d *Daemon) Store() *storage.OutcomeStore {
	return d.store
}

// Run processes events until ctx is done, a signal arrives or a one-shot
// feed is exhausted. Every actor stops when any of them returns.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	g.Add(func() error {
		d.ready.Store(true)
		defer d.ready.Store(false)
		err := d.pool.Run(ctx, d.feed)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil && d.sweep != nil {
			if gone := d.sweep.Abandoned(); len(gone) > 0 {
				return fmt.Errorf("%w: %d buckets still failing: %s",
					feed.ErrSweepIncomplete, len(gone), strings.Join(gone, ", "))
			}
		}
		return err
	}, func(error) {
		cancel()
	})

	if d.cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              d.cfg.Metrics.Addr,
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			d.logger.Info().Str("addr", srv.Addr).Msg("starting metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if mem, ok := d.leases.(*lease.MemoryTable); ok && d.cfg.Lease.SweepInterval > 0 {
		g.Add(func() error {
			return mem.Run(ctx, d.cfg.Lease.SweepInterval)
		}, func(error) {
			cancel()
		})
	}

	g.Add(func() error {
		ticker := time.NewTicker(MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.maintain(ctx)
			}
		}
	}, func(error) {
		cancel()
	})

	d.logger.Info().Msg("daemon running")
	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		d.logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// maintain compacts the outcome store and removes expired journal files
func (d *Daemon) maintain(ctx context.Context) {
	removed, err := d.store.Compact(ctx, d.cfg.Storage.KeepRevisions)
	if err != nil {
		d.logger.LogStorageError(ctx, "compact", err)
	}
	stats, err := wal.Cleanup(d.journal.Dir(), d.journalConfig())
	if err != nil {
		d.logger.LogStorageError(ctx, "journal cleanup", err)
	}
	d.metrics.RecordMaintenance(ctx, removed, stats.FilesRemoved)
	d.logger.Debug().
		Int("revisions_removed", removed).
		Int("journal_files_removed", stats.FilesRemoved).
		Msg("maintenance complete")
}

func (d *Daemon) observe(r orchestrator.EventResult) {
	d.processed.Add(1)
	if r.Retry {
		d.retried.Add(1)
	}
	d.metrics.RecordEvent(context.Background(), r)
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	pairs, rev, size := d.store.Stats()
	return HealthStatus{
		Status:     "healthy",
		Ready:      d.ready.Load(),
		Uptime:     int64(time.Since(d.startTime).Seconds()),
		Processed:  d.processed.Load(),
		Retried:    d.retried.Load(),
		Pairs:      pairs,
		Revision:   rev,
		StoreBytes: size,
		Unresolved: len(d.store.Unresolved()),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status     string `json:"status"`
	Ready      bool   `json:"ready"`
	Uptime     int64  `json:"uptime_seconds"`
	Processed  int64  `json:"events_processed"`
	Retried    int64  `json:"events_retried"`
	Pairs      int    `json:"pairs"`
	Revision   int64  `json:"revision"`
	StoreBytes int64  `json:"store_bytes"`
	Unresolved int    `json:"unresolved"`
}

// ProcessedCount returns total events processed
func (d *Daemon) ProcessedCount() int64 {
	return d.processed.Load()
}

// Close releases the store, journal and lease backend
func (d *Daemon) Close() error {
	var errs []error
	if d.emitter != nil {
		errs = append(errs, d.emitter.Close())
	}
	if d.journal != nil {
		errs = append(errs, d.journal.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return errors.Join(errs...)
}
