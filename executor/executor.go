// Package executor holds the fixers that remediate violations and the
// engine that dispatches each violation to the fixer for its action kind.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// Engine dispatches violations to fixers
type Engine struct {
	mu      sync.RWMutex
	fixers  map[types.ActionKind]Fixer
	options Options
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// NewEngine creates an engine with the tag, encryption and bucket policy fixers
func NewEngine(rules RuleLookup, retrier *retry.Controller, options Options) *Engine {
	e := &Engine{
		fixers:  make(map[types.ActionKind]Fixer),
		options: options,
		logger:  telemetry.NewLogger("executor"),
		tracer:  otel.Tracer("executor"),
	}
	e.Register(NewTagFixer(rules, retrier, options))
	e.Register(NewEncryptionFixer(rules, retrier, options))
	e.Register(NewPolicyFixer(rules, retrier, options))
	return e
}

// Register installs f for its action kind, replacing any previous fixer
func (e *Engine) Register(f Fixer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixers[f.Kind()] = f
}

// Fixer returns the fixer for kind
func (e *Engine) Fixer(kind types.ActionKind) (Fixer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.fixers[kind]
	return f, ok
}

// DryRun reports whether fixers skip the mutation API
func (e *Engine) DryRun() bool {
	return e.options.DryRun
}

// Remediate runs the fixer for v.Kind. A missing fixer or a panicking one
// becomes a failed-permanent outcome.
func (e *Engine) Remediate(ctx context.Context, v types.Violation, d types.ResourceDescriptor, api API) (outcome types.RemediationOutcome) {
	ctx, span := e.tracer.Start(ctx, "executor.remediate",
		trace.WithAttributes(
			attribute.String("resource.id", v.ResourceID),
			attribute.String("rule.id", v.RuleID),
			attribute.String("action", string(v.Kind)),
		))
	defer span.End()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome = e.failResult(v, d, started, fmt.Errorf("fixer panic: %v", r))
		}
		span.SetAttributes(
			attribute.String("status", string(outcome.Status)),
			attribute.Int("attempts", outcome.AttemptCount),
		)
		if outcome.Status.Failed() {
			span.SetStatus(codes.Error, outcome.Error)
		}
	}()

	fixer, ok := e.Fixer(v.Kind)
	if !ok {
		return e.failResult(v, d, started, fmt.Errorf("no fixer for action %q", v.Kind))
	}

	outcome = fixer.Remediate(ctx, v, d, api)
	if outcome.StartedAt.IsZero() {
		outcome.StartedAt = started
	}
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now()
	}

	e.logger.WithContext(ctx).Debug().
		Str("resource_id", v.ResourceID).
		Str("rule_id", v.RuleID).
		Str("status", string(outcome.Status)).
		Int("attempts", outcome.AttemptCount).
		Msg("fixer finished")
	return outcome
}

func (e *Engine) failResult(v types.Violation, d types.ResourceDescriptor, started time.Time, err error) types.RemediationOutcome {
	o := types.NewOutcome(v, d)
	o.StartedAt = started
	o.Status = types.StatusFailedPermanent
	o.Error = err.Error()
	o.FinishedAt = time.Now()
	return o
}
