package telemetry

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/remedy/types"
)

// Span event names
const (
	EventViolationDetected = "compliance.violation.detected"
	EventRemediationDone   = "compliance.remediation.finished"
	EventChangeDropped     = "compliance.event.dropped"
)

// RecordViolationEvent adds a span event for one failed rule
func RecordViolationEvent(span trace.Span, v types.Violation, resourceType types.ResourceType) {
	if span == nil {
		return
	}

	span.AddEvent(EventViolationDetected, trace.WithAttributes(
		attribute.String("event.type", EventViolationDetected),
		attribute.String("resource.id", v.ResourceID),
		attribute.String("resource.type", string(resourceType)),
		attribute.String("rule.id", v.RuleID),
		attribute.String("action.kind", string(v.Kind)),
		attribute.String("missing_tags", strings.Join(v.MissingTags, ",")),
	))
}

// RecordOutcomeEvent adds a span event for one finished remediation
func RecordOutcomeEvent(span trace.Span, o types.RemediationOutcome) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", EventRemediationDone),
		attribute.String("resource.id", o.ResourceID),
		attribute.String("rule.id", o.RuleID),
		attribute.String("action.kind", string(o.ActionKind)),
		attribute.String("status", string(o.Status)),
		attribute.Int("attempts", o.AttemptCount),
		attribute.Bool("dry_run", o.DryRun),
		attribute.Float64("duration_ms", float64(o.Duration().Microseconds())/1000),
	}
	if o.Error != "" {
		attrs = append(attrs, attribute.String("error", o.Error))
	}
	span.AddEvent(EventRemediationDone, trace.WithAttributes(attrs...))
}

// RecordDroppedEvent adds a span event for an event that ended before evaluation
func RecordDroppedEvent(span trace.Span, event types.ChangeEvent, reason string) {
	if span == nil {
		return
	}

	span.AddEvent(EventChangeDropped, trace.WithAttributes(
		attribute.String("event.type", EventChangeDropped),
		attribute.String("event.id", event.EventID),
		attribute.String("resource.id", event.ResourceID),
		attribute.String("reason", reason),
	))
}
