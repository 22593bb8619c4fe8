package storage

import (
	"context"

	"github.com/yairfalse/remedy/types"
)

// OutcomeWriter records remediation outcomes
type OutcomeWriter interface {
	Record(ctx context.Context, eventID string, o types.RemediationOutcome) (revision int64, err error)
}

// OutcomeReader queries recorded outcomes
type OutcomeReader interface {
	Query(ctx context.Context, filter Filter) ([]Record, error)
	State(resourceID, ruleID string) (*ComplianceState, bool)
	Unresolved() []ComplianceState
}

// Compactor handles storage compaction
type Compactor interface {
	Compact(ctx context.Context, keepRevisions int64) (removed int, err error)
}

// StorageStats provides operational metrics
type StorageStats interface {
	Stats() (pairs int, currentRev int64, dbSizeBytes int64)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	OutcomeWriter
	OutcomeReader
	Compactor
	StorageStats
	Lifecycle
	CurrentRevision() int64
}
