// Package retry wraps calls to the cloud APIs with exponential backoff.
// Only transient errors are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// Policy controls how often and how patiently a call is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// Jitter is the randomization factor applied to each delay, 0 to 1
	Jitter float64
}

// DefaultPolicy is used for zero fields
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Multiplier:  2,
	Jitter:      0.5,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Status is how a call through the controller ended
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailedRetryable
	StatusFailedPermanent
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailedRetryable:
		return "failed-retryable"
	case StatusFailedPermanent:
		return "failed-permanent"
	default:
		return "unknown"
	}
}

// Result describes one call including its retries
type Result struct {
	Status     Status
	Attempts   int
	TotalDelay time.Duration
	Err        error
}

// OK reports whether the call eventually succeeded
func (r Result) OK() bool {
	return r.Status == StatusSucceeded
}

// Gone reports whether the call failed because the resource no longer exists
func (r Result) Gone() bool {
	return providers.IsNotFound(r.Err)
}

// OutcomeStatus maps a failed result onto a remediation outcome status
func (r Result) OutcomeStatus() types.OutcomeStatus {
	if r.Status == StatusFailedRetryable {
		return types.StatusFailedRetryable
	}
	return types.StatusFailedPermanent
}

// Controller runs operations under a retry policy
type Controller struct {
	policy  Policy
	limiter *rate.Limiter
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// Option configures a Controller
type Option func(*Controller)

// WithLimiter makes every attempt wait for a token first
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Controller) {
		c.limiter = l
	}
}

// WithLogger replaces the default logger
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a controller. Zero policy fields take defaults.
func NewController(p Policy, opts ...Option) *Controller {
	c := &Controller{
		policy: p.withDefaults(),
		logger: telemetry.NewLogger("retry"),
		tracer: otel.Tracer("retry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the effective policy
func (c *Controller) Policy() Policy {
	return c.policy
}

func (c *Controller) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.MaxInterval = c.policy.MaxDelay
	b.Multiplier = c.policy.Multiplier
	b.RandomizationFactor = c.policy.Jitter
	return b
}

// Do calls op until it succeeds, fails with a non-transient error, or runs out
// of attempts. It never loops past MaxAttempts; an exhausted call is
// failed-retryable so the caller can hand the work back to its feed.
func (c *Controller) Do(ctx context.Context, name string, op func(ctx context.Context) error) Result {
	ctx, span := c.tracer.Start(ctx, "retry.do", trace.WithAttributes(attribute.String("op", name)))
	defer span.End()

	var (
		result  Result
		lastErr error
	)

	operation := func() (struct{}, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(providers.Transient(name, err))
			}
		}

		result.Attempts++
		telemetry.RecordRetryAttempt(ctx, name)

		err := op(ctx)
		lastErr = err
		if err == nil || providers.IsTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		result.TotalDelay += next
		c.logger.WithContext(ctx).Warn().
			Err(err).
			Str("op", name).
			Int("attempt", result.Attempts).
			Dur("next_delay", next).
			Msg("transient failure, backing off")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)

	span.SetAttributes(attribute.Int("attempts", result.Attempts))

	switch {
	case err == nil:
		result.Status = StatusSucceeded
	case providers.IsTransient(err):
		result.Status = StatusFailedRetryable
		result.Err = err
	case ctx.Err() != nil && (errors.Is(err, ctx.Err()) || errors.Is(err, context.Cause(ctx))):
		// Cancelled while waiting between attempts
		result.Status = StatusFailedRetryable
		result.Err = providers.Transient(name, errors.Join(err, lastErr))
	default:
		result.Status = StatusFailedPermanent
		result.Err = err
	}

	if !result.OK() {
		span.RecordError(result.Err)
	}
	return result
}

// Call is Do for operations that produce a value
func Call[T any](ctx context.Context, c *Controller, name string, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	res := c.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, res
}
