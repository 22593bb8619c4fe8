package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// PrometheusEmitter feeds outcomes into the OTEL instruments scraped on
// /metrics, and exposes how many (resource, rule) pairs await an operator.
type PrometheusEmitter struct {
	unresolvedGauge metric.Int64ObservableGauge
	registration    metric.Registration

	mu         sync.RWMutex
	unresolved map[string]types.ActionKind // resource|rule -> action
}

// NewPrometheusEmitter creates a Prometheus emitter.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{unresolved: make(map[string]types.ActionKind)}

	var err error
	e.unresolvedGauge, err = telemetry.Meter.Int64ObservableGauge(
		"remedy.unresolved",
		metric.WithDescription("Resource and rule pairs whose last remediation failed permanently"),
	)
	if err != nil {
		return nil, fmt.Errorf("create unresolved gauge: %w", err)
	}

	e.registration, err = telemetry.Meter.RegisterCallback(e.observe, e.unresolvedGauge)
	if err != nil {
		return nil, fmt.Errorf("register unresolved callback: %w", err)
	}
	return e, nil
}

// Emit records the outcome as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, _ string, o types.RemediationOutcome) error {
	telemetry.RecordOutcome(ctx, o)

	key := o.ResourceID + "|" + o.RuleID
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.Status == types.StatusFailedPermanent {
		e.unresolved[key] = o.ActionKind
	} else if o.Status != types.StatusFailedRetryable {
		delete(e.unresolved, key)
	}
	return nil
}

// Unresolved returns the number of pairs awaiting an operator
func (e *PrometheusEmitter) Unresolved() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.unresolved)
}

func (e *PrometheusEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byAction := make(map[types.ActionKind]int64)
	for _, action := range e.unresolved {
		byAction[action]++
	}
	for action, n := range byAction {
		o.ObserveInt64(e.unresolvedGauge, n, metric.WithAttributes(attribute.String("action", string(action))))
	}
	return nil
}

// Close unregisters the gauge callback.
func (e *PrometheusEmitter) Close() error {
	if e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
