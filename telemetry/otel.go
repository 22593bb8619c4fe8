package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yairfalse/remedy/types"
)

const instrumentationName = "github.com/yairfalse/remedy"

var (
	Tracer = otel.Tracer(instrumentationName)
	Meter  = otel.Meter(instrumentationName)

	// PrometheusRegistry is scraped by the daemon's /metrics handler.
	// Nil until InitOTEL runs.
	PrometheusRegistry *promclient.Registry

	EventsProcessed     metric.Int64Counter
	Remediations        metric.Int64Counter
	RemediationDuration metric.Float64Histogram
	RetryAttempts       metric.Int64Counter
	LeasesContended     metric.Int64Counter
)

func init() {
	// Instruments from the global meter are no-ops until a provider is installed
	if err := initMetrics(); err != nil {
		panic(err)
	}
}

// Config for OTEL initialization
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // empty disables push export
	Insecure       bool
	SampleRate     float64
}

// InitOTEL installs trace and metric providers. Metrics are always exposed
// for Prometheus scraping; OTLP export is added when an endpoint is set.
func InitOTEL(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "remedy"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceShutdown, err := setupTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to setup traces: %w", err)
	}

	metricShutdown, err := setupMetricProvider(ctx, cfg, res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if err := initMetrics(); err != nil {
		_ = traceShutdown(ctx)
		_ = metricShutdown(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return func(ctx context.Context) error {
		var err error
		if e := traceShutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown failed: %w", e)
		}
		if e := metricShutdown(ctx); e != nil && err == nil {
			err = fmt.Errorf("metric shutdown failed: %w", e)
		}
		return err
	}, nil
}

func dialOptions(cfg Config) []grpc.DialOption {
	if !cfg.Insecure {
		return nil
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

func setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		for _, d := range dialOptions(cfg) {
			traceOpts = append(traceOpts, otlptracegrpc.WithDialOption(d))
		}

		exporter, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		rate := cfg.SampleRate
		if rate <= 0 {
			rate = 1
		}
		opts = append(opts,
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	Tracer = provider.Tracer(instrumentationName)

	return provider.Shutdown, nil
}

// setupMetricProvider exports to Prometheus (pull) and optionally OTLP (push)
func setupMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) (func(context.Context) error, error) {
	registry := promclient.NewRegistry()
	PrometheusRegistry = registry

	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.OTLPEndpoint != "" {
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		for _, d := range dialOptions(cfg) {
			metricOpts = append(metricOpts, otlpmetricgrpc.WithDialOption(d))
		}
		exporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)),
		))
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)
	Meter = provider.Meter(instrumentationName)

	return provider.Shutdown, nil
}

func initMetrics() error {
	var err error

	EventsProcessed, err = Meter.Int64Counter("remedy.events.processed",
		metric.WithDescription("Change events processed, by final result"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create events_processed counter: %w", err)
	}

	Remediations, err = Meter.Int64Counter("remedy.remediations",
		metric.WithDescription("Remediation outcomes by action and status"),
		metric.WithUnit("{remediation}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create remediations counter: %w", err)
	}

	RemediationDuration, err = Meter.Float64Histogram("remedy.remediation.duration",
		metric.WithDescription("Wall time of one remediation including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create remediation_duration histogram: %w", err)
	}

	RetryAttempts, err = Meter.Int64Counter("remedy.retry.attempts",
		metric.WithDescription("Calls made through the retry controller, first attempts included"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry_attempts counter: %w", err)
	}

	LeasesContended, err = Meter.Int64Counter("remedy.leases.contended",
		metric.WithDescription("Remediations skipped because another worker held the lease"),
		metric.WithUnit("{lease}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create leases_contended counter: %w", err)
	}

	return nil
}

// RecordOutcome feeds one outcome into the remediation instruments
func RecordOutcome(ctx context.Context, o types.RemediationOutcome) {
	attrs := metric.WithAttributes(
		attribute.String("action", string(o.ActionKind)),
		attribute.String("status", string(o.Status)),
	)
	Remediations.Add(ctx, 1, attrs)
	RemediationDuration.Record(ctx, o.Duration().Seconds(), attrs)
}

// RecordEvent counts a processed event by its final result
func RecordEvent(ctx context.Context, resourceType types.ResourceType, result string) {
	EventsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.type", string(resourceType)),
		attribute.String("result", result),
	))
}

// RecordRetryAttempt counts one call through the retry controller
func RecordRetryAttempt(ctx context.Context, op string) {
	RetryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordLeaseContended counts a remediation skipped for a held lease
func RecordLeaseContended(ctx context.Context, ruleID string) {
	LeasesContended.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}
