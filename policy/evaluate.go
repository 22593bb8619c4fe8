// Package policy loads compliance rules and evaluates resources against them.
package policy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// Evaluate returns one violation per matching rule the descriptor fails.
// Every matching rule is checked. A predicate that panics counts as failed.
func Evaluate(d types.ResourceDescriptor, rules []types.PolicyRule) []types.Violation {
	now := time.Now()

	var violations []types.Violation
	for _, rule := range rules {
		if !rule.Applies(d) {
			continue
		}
		if compliant(rule, d) {
			continue
		}

		v := types.Violation{
			ResourceID: d.ResourceID,
			RuleID:     rule.RuleID,
			Kind:       rule.RequiredFix,
			DetectedAt: now,
		}
		if len(rule.RequiredTags) > 0 {
			v.MissingTags = types.MissingTags(d.Tags(), rule.RequiredTags)
		}
		violations = append(violations, v)
	}
	return violations
}

func compliant(rule types.PolicyRule, d types.ResourceDescriptor) (ok bool) {
	if rule.Predicate == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return rule.Predicate(d)
}

// Evaluator holds the loaded rule set and traces evaluations
type Evaluator struct {
	rules  []types.PolicyRule
	byID   map[string]types.PolicyRule
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewEvaluator wraps a validated rule set. The rules are read-only afterwards.
func NewEvaluator(rules []types.PolicyRule) *Evaluator {
	copied := make([]types.PolicyRule, len(rules))
	copy(copied, rules)

	byID := make(map[string]types.PolicyRule, len(rules))
	for _, r := range copied {
		byID[r.RuleID] = r
	}

	return &Evaluator{
		rules:  copied,
		byID:   byID,
		logger: telemetry.NewLogger("policy-evaluator"),
		tracer: otel.Tracer("policy-evaluator"),
	}
}

// Evaluate runs every matching rule against the descriptor
func (e *Evaluator) Evaluate(ctx context.Context, d types.ResourceDescriptor) []types.Violation {
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("resource.id", d.ResourceID),
			attribute.String("resource.type", string(d.ResourceType))))
	defer span.End()

	violations := Evaluate(d, e.rules)
	span.SetAttributes(attribute.Int("violations", len(violations)))

	e.logger.WithContext(ctx).Debug().
		Str("resource_id", d.ResourceID).
		Int("violations", len(violations)).
		Msg("evaluated resource")
	return violations
}

// Rule looks up a rule by id
func (e *Evaluator) Rule(id string) (types.PolicyRule, bool) {
	r, ok := e.byID[id]
	return r, ok
}

// Rules returns the loaded rules
func (e *Evaluator) Rules() []types.PolicyRule {
	out := make([]types.PolicyRule, len(e.rules))
	copy(out, e.rules)
	return out
}
