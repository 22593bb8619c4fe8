// Package emitter fans remediation outcomes out to their sinks: the outcome
// store, the journal, metrics and the log.
package emitter

import (
	"context"
	"errors"

	"github.com/yairfalse/remedy/types"
)

// Emitter receives every finished remediation outcome
type Emitter interface {
	// Emit records one outcome produced while processing eventID
	Emit(ctx context.Context, eventID string, o types.RemediationOutcome) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to every emitter. A failing sink does not keep the outcome
// from the others; all errors are joined.
func (m *MultiEmitter) Emit(ctx context.Context, eventID string, o types.RemediationOutcome) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, eventID, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
