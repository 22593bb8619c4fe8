// Package config handles TOML configuration for remedy.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/yairfalse/remedy/internal/filter"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// EnvPrefix prefixes environment overrides: REMEDY_RETRY_MAX_ATTEMPTS=3
const EnvPrefix = "REMEDY"

// Feed kinds
const (
	FeedSQS        = "sqs"
	FeedCloudTrail = "cloudtrail"
	FeedSweep      = "sweep"
)

// Lease backends
const (
	LeaseMemory = "memory"
	LeaseRedis  = "redis"
)

// Config is the root configuration structure.
type Config struct {
	AWS     AWSConfig     `mapstructure:"aws"`
	OTEL    OTELConfig    `mapstructure:"otel"`
	Log     LogConfig     `mapstructure:"log"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Lease   LeaseConfig   `mapstructure:"lease"`
	Storage StorageConfig `mapstructure:"storage"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Filter  FilterConfig  `mapstructure:"filter"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Provider  string `mapstructure:"provider"`
	Region    string `mapstructure:"region"`
	Profile   string `mapstructure:"profile"`
	Endpoint  string `mapstructure:"endpoint"`
	AccountID string `mapstructure:"account_id"`
	KMSKeyID  string `mapstructure:"kms_key_id"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `mapstructure:"endpoint"`
	Insecure    bool         `mapstructure:"insecure"`
	ServiceName string       `mapstructure:"service_name"`
	Environment string       `mapstructure:"environment"`
	Traces      TracesConfig `mapstructure:"traces"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FeedConfig selects and tunes the change-event source.
type FeedConfig struct {
	Kind string `mapstructure:"kind"`

	QueueURL          string `mapstructure:"queue_url"`
	MaxMessages       int32  `mapstructure:"max_messages"`
	WaitTimeSeconds   int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"` // seconds; 0 keeps the queue default

	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lookback     time.Duration `mapstructure:"lookback"`

	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	OnlyUnencrypted bool          `mapstructure:"only_unencrypted"`
}

// RetryConfig holds the retry controller policy and the mutation rate limit.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Multiplier         float64       `mapstructure:"multiplier"`
	Jitter             float64       `mapstructure:"jitter"`
	MutationsPerSecond float64       `mapstructure:"mutations_per_second"`
	Burst              int           `mapstructure:"burst"`
}

// LeaseConfig holds the per-(resource, rule) lease settings.
type LeaseConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
}

// StorageConfig holds the outcome store and journal locations.
type StorageConfig struct {
	Dir                string `mapstructure:"dir"`
	JournalDir         string `mapstructure:"journal_dir"`
	RetentionDays      int    `mapstructure:"retention_days"`
	KeepRevisions      int64  `mapstructure:"keep_revisions"`
	RecordAllOutcomes  bool   `mapstructure:"record_all_outcomes"`
	JournalMaxFileSize int64  `mapstructure:"journal_max_file_size"`
}

// WorkerConfig holds the worker pool settings.
type WorkerConfig struct {
	Count  int  `mapstructure:"count"`
	DryRun bool `mapstructure:"dry_run"`
}

// PolicyConfig points at the rule file.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the /metrics and health endpoint settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// FilterConfig lists resources that are evaluated but never mutated.
type FilterConfig struct {
	ExemptTag    string   `mapstructure:"exempt_tag"`
	ExemptValue  string   `mapstructure:"exempt_value"`
	ExcludeTypes []string `mapstructure:"exclude_types"`
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("aws.provider", "aws")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.account_id", "")
	v.SetDefault("aws.kms_key_id", "")

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.service_name", "remedy")
	v.SetDefault("otel.environment", "")
	v.SetDefault("otel.traces.sample_rate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("feed.kind", FeedSQS)
	v.SetDefault("feed.queue_url", "")
	v.SetDefault("feed.max_messages", 10)
	v.SetDefault("feed.wait_time_seconds", 20)
	v.SetDefault("feed.visibility_timeout", 0)
	v.SetDefault("feed.poll_interval", "1m")
	v.SetDefault("feed.lookback", "15m")
	v.SetDefault("feed.sweep_interval", "0s")
	v.SetDefault("feed.only_unencrypted", false)

	v.SetDefault("retry.max_attempts", retry.DefaultPolicy.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.DefaultPolicy.BaseDelay.String())
	v.SetDefault("retry.max_delay", retry.DefaultPolicy.MaxDelay.String())
	v.SetDefault("retry.multiplier", retry.DefaultPolicy.Multiplier)
	v.SetDefault("retry.jitter", retry.DefaultPolicy.Jitter)
	v.SetDefault("retry.mutations_per_second", 0)
	v.SetDefault("retry.burst", 1)

	v.SetDefault("lease.backend", LeaseMemory)
	v.SetDefault("lease.ttl", "2m")
	v.SetDefault("lease.sweep_interval", "30s")
	v.SetDefault("lease.redis_addr", "")
	v.SetDefault("lease.redis_password", "")
	v.SetDefault("lease.redis_db", 0)
	v.SetDefault("lease.prefix", "remedy:lease:")

	v.SetDefault("storage.dir", "./data")
	v.SetDefault("storage.journal_dir", "")
	v.SetDefault("storage.retention_days", 30)
	v.SetDefault("storage.keep_revisions", 10000)
	v.SetDefault("storage.record_all_outcomes", false)
	v.SetDefault("storage.journal_max_file_size", 64*1024*1024)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.dry_run", false)

	v.SetDefault("policy.path", "")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("filter.exempt_tag", filter.DefaultExemptTag)
	v.SetDefault("filter.exempt_value", filter.DefaultExemptValue)
	v.SetDefault("filter.exclude_types", []string{})
}

// Load reads a TOML config file, applies defaults and REMEDY_* environment
// overrides. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Storage.JournalDir == "" {
		cfg.Storage.JournalDir = filepath.Join(cfg.Storage.Dir, "journal")
	}
	return cfg, nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Policy.Path == "" {
		errs = append(errs, errors.New("policy: path is required"))
	}

	switch c.Feed.Kind {
	case FeedSQS:
		if c.Feed.QueueURL == "" {
			errs = append(errs, errors.New("feed: queue_url is required for the sqs feed"))
		}
		if c.Feed.MaxMessages < 1 || c.Feed.MaxMessages > 10 {
			errs = append(errs, fmt.Errorf("feed: max_messages must be between 1 and 10 (got %d)", c.Feed.MaxMessages))
		}
		if c.Feed.WaitTimeSeconds < 0 || c.Feed.WaitTimeSeconds > 20 {
			errs = append(errs, fmt.Errorf("feed: wait_time_seconds must be between 0 and 20 (got %d)", c.Feed.WaitTimeSeconds))
		}
	case FeedCloudTrail:
		if c.Feed.PollInterval <= 0 {
			errs = append(errs, errors.New("feed: poll_interval must be positive"))
		}
		if c.Feed.Lookback < c.Feed.PollInterval {
			errs = append(errs, errors.New("feed: lookback must cover at least one poll_interval"))
		}
	case FeedSweep:
	default:
		errs = append(errs, fmt.Errorf("feed: unknown kind %q", c.Feed.Kind))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry: max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry: jitter must be between 0.0 and 1.0 (got %v)", c.Retry.Jitter))
	}
	if c.Retry.MutationsPerSecond < 0 {
		errs = append(errs, errors.New("retry: mutations_per_second must not be negative"))
	}

	switch c.Lease.Backend {
	case LeaseMemory:
	case LeaseRedis:
		if c.Lease.RedisAddr == "" {
			errs = append(errs, errors.New("lease: redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lease: unknown backend %q", c.Lease.Backend))
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.New("lease: ttl must be positive"))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker: count must be at least 1 (got %d)", c.Worker.Count))
	}
	if c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage: dir is required"))
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format))
	}
	for _, t := range c.Filter.ExcludeTypes {
		if !types.ResourceType(t).Valid() {
			errs = append(errs, fmt.Errorf("filter: unknown resource type %q", t))
		}
	}

	return errors.Join(errs...)
}

// RetryPolicy returns the retry controller policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// MutationLimiter returns the client-side mutation rate limiter, or nil when unlimited
func (c *Config) MutationLimiter() *rate.Limiter {
	if c.Retry.MutationsPerSecond <= 0 {
		return nil
	}
	burst := c.Retry.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Retry.MutationsPerSecond), burst)
}

// ProviderConfig returns the cloud adapter settings
func (c *Config) ProviderConfig() providers.Config {
	return providers.Config{
		Region:    c.AWS.Region,
		Profile:   c.AWS.Profile,
		KMSKeyID:  c.AWS.KMSKeyID,
		Endpoint:  c.AWS.Endpoint,
		AccountID: c.AWS.AccountID,
	}
}

// Telemetry returns the OTEL settings
func (c *Config) Telemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.OTEL.ServiceName,
		ServiceVersion: version,
		Environment:    c.OTEL.Environment,
		OTLPEndpoint:   c.OTEL.Endpoint,
		Insecure:       c.OTEL.Insecure,
		SampleRate:     c.OTEL.Traces.SampleRate,
	}
}

// ResourceFilter returns the exemption filter
func (c *Config) ResourceFilter() *filter.Filter {
	excluded := make([]types.ResourceType, 0, len(c.Filter.ExcludeTypes))
	for _, t := range c.Filter.ExcludeTypes {
		excluded = append(excluded, types.ResourceType(t))
	}
	var exemptTags map[string]string
	if c.Filter.ExemptTag != "" {
		exemptTags = map[string]string{c.Filter.ExemptTag: c.Filter.ExemptValue}
	}
	return filter.New(excluded, nil, exemptTags)
}
