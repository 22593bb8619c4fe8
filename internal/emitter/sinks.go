package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/remedy/storage"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
	"github.com/yairfalse/remedy/wal"
)

// StoreEmitter writes outcomes to the durable outcome store. With
// PermanentOnly set, only failed-permanent outcomes are kept.
type StoreEmitter struct {
	store         storage.OutcomeWriter
	permanentOnly bool
}

// NewStoreEmitter creates a store emitter
func NewStoreEmitter(store storage.OutcomeWriter, permanentOnly bool) *StoreEmitter {
	return &StoreEmitter{store: store, permanentOnly: permanentOnly}
}

// Emit implements Emitter
func (e *StoreEmitter) Emit(ctx context.Context, eventID string, o types.RemediationOutcome) error {
	if e.permanentOnly && o.Status != types.StatusFailedPermanent {
		return nil
	}
	if _, err := e.store.Record(ctx, eventID, o); err != nil {
		return fmt.Errorf("record outcome %s/%s: %w", o.ResourceID, o.RuleID, err)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (e *StoreEmitter) Close() error {
	return nil
}

// JournalEmitter appends outcomes to the journal
type JournalEmitter struct {
	journal *wal.WAL
}

// NewJournalEmitter creates a journal emitter
func NewJournalEmitter(journal *wal.WAL) *JournalEmitter {
	return &JournalEmitter{journal: journal}
}

// Emit implements Emitter
func (e *JournalEmitter) Emit(_ context.Context, eventID string, o types.RemediationOutcome) error {
	if o.Error != "" {
		return e.journal.AppendError(wal.EntryOutcome, eventID, o.ResourceID, o, errors.New(o.Error))
	}
	return e.journal.Append(wal.EntryOutcome, eventID, o.ResourceID, o)
}

// Close is a no-op; the journal is owned by the caller.
func (e *JournalEmitter) Close() error {
	return nil
}

// LogEmitter logs every outcome; failed-permanent ones with full context
type LogEmitter struct {
	logger *telemetry.Logger
}

// NewLogEmitter creates a log emitter
func NewLogEmitter(logger *telemetry.Logger) *LogEmitter {
	if logger == nil {
		logger = telemetry.NewLogger("outcomes")
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter
func (e *LogEmitter) Emit(ctx context.Context, _ string, o types.RemediationOutcome) error {
	e.logger.LogOutcome(ctx, o)
	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
