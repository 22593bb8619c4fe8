package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/remedy/types"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

var output io.Writer = os.Stdout

// Configure sets the global level and output format for loggers created afterwards.
// format is "json" or "console".
func Configure(level, format string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if w == nil {
		w = os.Stdout
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	output = w
	return nil
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	return NewLoggerTo(service, output)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogTransition records an event moving between processing states
func (l *Logger) LogTransition(ctx context.Context, eventID, resourceID, from, to string) {
	l.WithContext(ctx).Debug().
		Str("event_id", eventID).
		Str("resource_id", resourceID).
		Str("from", from).
		Str("to", to).
		Msg("state transition")
}

// LogEventDropped records an event that ended before remediation
func (l *Logger) LogEventDropped(ctx context.Context, event types.ChangeEvent, reason string, err error) {
	entry := l.WithContext(ctx).Info()
	if err != nil {
		entry = entry.Err(err)
	}
	entry.
		Str("event_id", event.EventID).
		Str("resource_id", event.ResourceID).
		Str("resource_type", string(event.ResourceType)).
		Str("reason", reason).
		Msg("event dropped")
}

// LogOutcome records a finished remediation. Failures log at warn or error.
func (l *Logger) LogOutcome(ctx context.Context, o types.RemediationOutcome) {
	logger := l.WithContext(ctx)

	var entry *zerolog.Event
	switch o.Status {
	case types.StatusFailedPermanent:
		l.LogPermanentFailure(ctx, o)
		return
	case types.StatusFailedRetryable:
		entry = logger.Warn().Str("error", o.Error)
	default:
		entry = logger.Info()
	}

	entry.
		Str("resource_id", o.ResourceID).
		Str("rule_id", o.RuleID).
		Str("action", string(o.ActionKind)).
		Str("status", string(o.Status)).
		Int("attempts", o.AttemptCount).
		Strs("changes", o.Changes).
		Bool("dry_run", o.DryRun).
		Bool("resource_gone", o.ResourceGone).
		Dur("duration", o.Duration()).
		Msg("remediation finished")
}

// LogPermanentFailure logs everything an operator needs to follow up by hand
func (l *Logger) LogPermanentFailure(ctx context.Context, o types.RemediationOutcome) {
	l.WithContext(ctx).Error().
		Str("resource_id", o.ResourceID).
		Str("resource_type", string(o.ResourceType)).
		Str("rule_id", o.RuleID).
		Str("action", string(o.ActionKind)).
		Str("status", string(o.Status)).
		Int("attempts", o.AttemptCount).
		Str("error", o.Error).
		Time("started_at", o.StartedAt).
		Time("finished_at", o.FinishedAt).
		Msg("remediation failed permanently, operator follow-up required")
}

// LogStorageError logs a failed storage operation
func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
