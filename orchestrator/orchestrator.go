// Package orchestrator drives each change event through
// received → inspected → evaluated → remediating → done.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/remedy/executor"
	"github.com/yairfalse/remedy/internal/emitter"
	"github.com/yairfalse/remedy/internal/filter"
	"github.com/yairfalse/remedy/lease"
	"github.com/yairfalse/remedy/policy"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
	"github.com/yairfalse/remedy/wal"
)

// Config wires the orchestrator's collaborators. API, Evaluator, Engine and
// Leases are required.
type Config struct {
	API       executor.API
	Evaluator *policy.Evaluator
	Engine    *executor.Engine
	Leases    lease.Table
	Retrier   *retry.Controller

	// LeaseTTL bounds one remediation attempt
	LeaseTTL time.Duration

	Filter  *filter.Filter
	Emitter emitter.Emitter
	Journal Journal
	Logger  *telemetry.Logger
}

// Orchestrator processes change events
type Orchestrator struct {
	api       executor.API
	evaluator *policy.Evaluator
	engine    *executor.Engine
	leases    lease.Table
	retrier   *retry.Controller
	leaseTTL  time.Duration
	filter    *filter.Filter
	emitter   emitter.Emitter
	journal   Journal
	logger    *telemetry.Logger
	tracer    trace.Tracer
}

// New creates an orchestrator, failing when a required collaborator is missing
func New(cfg Config) (*Orchestrator, error) {
	var missing []error
	if cfg.API == nil {
		missing = append(missing, errors.New("cloud API"))
	}
	if cfg.Evaluator == nil {
		missing = append(missing, errors.New("policy evaluator"))
	}
	if cfg.Engine == nil {
		missing = append(missing, errors.New("executor engine"))
	}
	if cfg.Leases == nil {
		missing = append(missing, errors.New("lease table"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator is missing collaborators: %w", errors.Join(missing...))
	}

	o := &Orchestrator{
		api:       cfg.API,
		evaluator: cfg.Evaluator,
		engine:    cfg.Engine,
		leases:    cfg.Leases,
		retrier:   cfg.Retrier,
		leaseTTL:  cfg.LeaseTTL,
		filter:    cfg.Filter,
		emitter:   cfg.Emitter,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("orchestrator"),
	}
	if o.retrier == nil {
		o.retrier = retry.NewController(retry.DefaultPolicy)
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = lease.DefaultTTL
	}
	if o.emitter == nil {
		o.emitter = emitter.NewMultiEmitter()
	}
	if o.logger == nil {
		o.logger = telemetry.NewLogger("orchestrator")
	}
	return o, nil
}

// Process runs one event to completion. Failures end up in the result and
// its outcomes; Process never panics through and never aborts on the first
// failed violation.
func (o *Orchestrator) Process(ctx context.Context, event types.ChangeEvent) (result EventResult) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process",
		trace.WithAttributes(
			attribute.String("event.id", event.EventID),
			attribute.String("resource.id", event.ResourceID),
			attribute.String("resource.type", string(event.ResourceType)),
		))
	defer span.End()

	result = EventResult{
		EventID:      event.EventID,
		ResourceID:   event.ResourceID,
		ResourceType: event.ResourceType,
		StartedAt:    time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("event processing panic: %v", r)
			result.Retry = true
			o.logger.WithContext(ctx).Error().
				Str("event_id", event.EventID).
				Interface("panic", r).
				Msg("recovered from panic while processing event")
		}
		if result.State != StateDone {
			o.enter(ctx, &result, StateDone, nil)
		}
		result.FinishedAt = time.Now()

		label := result.Result()
		telemetry.RecordEvent(ctx, event.ResourceType, label)
		span.SetAttributes(
			attribute.String("result", label),
			attribute.Int("violations", len(result.Violations)),
			attribute.Int("outcomes", len(result.Outcomes)),
		)
		if result.Err != nil {
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}()

	o.enter(ctx, &result, StateReceived, event)
	if err := event.Validate(); err != nil {
		o.drop(ctx, &result, event, "invalid event", err)
		return result
	}

	d, ok := o.inspect(ctx, &result, event)
	if !ok {
		return result
	}
	result.Descriptor = &d
	o.enter(ctx, &result, StateInspected, inspectionOf(d))

	result.Violations = o.evaluator.Evaluate(ctx, d)
	for _, v := range result.Violations {
		telemetry.RecordViolationEvent(span, v, d.ResourceType)
	}
	o.enter(ctx, &result, StateEvaluated, result.Violations)
	if len(result.Violations) == 0 {
		return result
	}

	if reason := o.filter.Exempt(d); reason != "" {
		result.Exempt = reason
		o.logger.WithContext(ctx).Info().
			Str("event_id", event.EventID).
			Str("resource_id", d.ResourceID).
			Int("violations", len(result.Violations)).
			Str("reason", reason).
			Msg("remediation skipped for exempt resource")
		return result
	}

	o.enter(ctx, &result, StateRemediating, nil)
	for _, v := range result.Violations {
		if result.Aborted {
			result.Skipped = append(result.Skipped, Skip{RuleID: v.RuleID, Reason: SkipResourceGone})
			continue
		}
		o.remediate(ctx, &result, v, d)
	}
	return result
}

// inspect builds the descriptor under the retry policy. A vanished resource
// drops the event; an exhausted retry hands it back to the feed.
func (o *Orchestrator) inspect(ctx context.Context, result *EventResult, event types.ChangeEvent) (types.ResourceDescriptor, bool) {
	d, res := retry.Call(ctx, o.retrier, "GetResource", func(ctx context.Context) (types.ResourceDescriptor, error) {
		return providers.BuildDescriptor(ctx, event, o.api)
	})
	switch {
	case res.OK():
		return d, true
	case res.Gone():
		o.drop(ctx, result, event, "resource gone", nil)
	case res.Status == retry.StatusFailedRetryable:
		result.Retry = true
		result.Err = res.Err
		o.drop(ctx, result, event, "inspection failed, will retry", res.Err)
	default:
		result.Err = res.Err
		o.drop(ctx, result, event, "inspection failed", res.Err)
	}
	return types.ResourceDescriptor{}, false
}

// remediate runs one violation under its lease and records the outcome
func (o *Orchestrator) remediate(ctx context.Context, result *EventResult, v types.Violation, d types.ResourceDescriptor) {
	l, err := o.leases.Acquire(ctx, v.LeaseKey(), o.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		telemetry.RecordLeaseContended(ctx, v.RuleID)
		result.Skipped = append(result.Skipped, Skip{RuleID: v.RuleID, Reason: SkipLeaseHeld})
		// The holder fixes what it saw; this event is re-evaluated once it is done
		result.Retry = true
		o.logger.WithContext(ctx).Info().
			Str("event_id", result.EventID).
			Str("lease_key", v.LeaseKey()).
			Msg("remediation already in flight elsewhere, event handed back")
		return
	}

	var outcome types.RemediationOutcome
	if err != nil {
		outcome = types.NewOutcome(v, d)
		outcome.Status = types.StatusFailedRetryable
		outcome.Error = fmt.Sprintf("failed to acquire lease: %v", err)
		outcome.FinishedAt = time.Now()
	} else {
		outcome = o.remediateHeld(ctx, l, v, d)
	}

	result.Outcomes = append(result.Outcomes, outcome)
	telemetry.RecordOutcomeEvent(trace.SpanFromContext(ctx), outcome)
	if outcome.ResourceGone {
		result.Aborted = true
	}
	if outcome.Status == types.StatusFailedRetryable {
		result.Retry = true
	}

	if err := o.emitter.Emit(ctx, result.EventID, outcome); err != nil {
		o.logger.LogStorageError(ctx, "emit outcome", err)
		if outcome.Status == types.StatusFailedPermanent {
			// Unrecorded permanent failures are redelivered until they stick
			result.Retry = true
		}
	}
}

func (o *Orchestrator) remediateHeld(ctx context.Context, l *lease.Lease, v types.Violation, d types.ResourceDescriptor) types.RemediationOutcome {
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.WithContext(ctx).Warn().Err(err).Str("lease_key", l.Key).Msg("failed to release lease")
		}
	}()

	// The attempt must not outlive the lease
	attemptCtx, cancel := context.WithTimeout(ctx, o.leaseTTL)
	defer cancel()
	return o.engine.Remediate(attemptCtx, v, d, o.api)
}

func (o *Orchestrator) drop(ctx context.Context, result *EventResult, event types.ChangeEvent, reason string, err error) {
	result.Dropped = true
	result.DropReason = reason
	o.logger.LogEventDropped(ctx, event, reason, err)
	telemetry.RecordDroppedEvent(trace.SpanFromContext(ctx), event, reason)

	if o.journal == nil {
		return
	}
	data := map[string]string{"reason": reason}
	var jerr error
	if err != nil {
		jerr = o.journal.AppendError(wal.EntryDropped, event.EventID, event.ResourceID, data, err)
	} else {
		jerr = o.journal.Append(wal.EntryDropped, event.EventID, event.ResourceID, data)
	}
	if jerr != nil {
		o.logger.LogStorageError(ctx, "journal", jerr)
	}
}

// enter moves the event to state and journals the transition
func (o *Orchestrator) enter(ctx context.Context, result *EventResult, state State, data any) {
	from := string(result.State)
	result.State = state
	result.Transitions = append(result.Transitions, state)
	o.logger.LogTransition(ctx, result.EventID, result.ResourceID, from, string(state))

	if o.journal == nil {
		return
	}
	if state == StateDone {
		data = map[string]any{
			"result":   result.Result(),
			"outcomes": len(result.Outcomes),
			"skipped":  result.Skipped,
		}
	}
	if err := o.journal.Append(journalEntry[state], result.EventID, result.ResourceID, data); err != nil {
		o.logger.LogStorageError(ctx, "journal", err)
	}
}
