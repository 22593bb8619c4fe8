package orchestrator

import (
	"time"

	"github.com/yairfalse/remedy/types"
	"github.com/yairfalse/remedy/wal"
)

// State is a step of the per-event state machine
type State string

const (
	StateReceived    State = "received"
	StateInspected   State = "inspected"
	StateEvaluated   State = "evaluated"
	StateRemediating State = "remediating"
	StateDone        State = "done"
)

// journalEntry maps each state onto the journal entry written when it is entered
var journalEntry = map[State]wal.EntryType{
	StateReceived:    wal.EntryReceived,
	StateInspected:   wal.EntryInspected,
	StateEvaluated:   wal.EntryEvaluated,
	StateRemediating: wal.EntryRemediating,
	StateDone:        wal.EntryDone,
}

// Journal records state transitions. *wal.WAL implements it.
type Journal interface {
	Append(entryType wal.EntryType, eventID, resourceID string, data any) error
	AppendError(entryType wal.EntryType, eventID, resourceID string, data any, err error) error
}

// Skip is a violation that was not remediated
type Skip struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// Skip reasons
const (
	SkipLeaseHeld    = "lease held"
	SkipResourceGone = "resource gone"
)

// EventResult describes how one event was processed
type EventResult struct {
	EventID      string
	ResourceID   string
	ResourceType types.ResourceType

	State       State
	Transitions []State

	Descriptor *types.ResourceDescriptor
	Violations []types.Violation
	Outcomes   []types.RemediationOutcome
	Skipped    []Skip

	// Dropped is set when the event ended before evaluation
	Dropped    bool
	DropReason string

	// Exempt names why remediation was suppressed for an evaluated resource
	Exempt string

	// Aborted is set when the resource disappeared mid-flight
	Aborted bool

	// Retry asks the feed to redeliver the event later
	Retry bool

	Err error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Result labels the event for metrics and logs
func (r EventResult) Result() string {
	switch {
	case r.Retry:
		return "retry"
	case r.Dropped:
		return "dropped"
	case r.Exempt != "":
		return "exempt"
	case len(r.Violations) == 0:
		return "compliant"
	}
	for _, o := range r.Outcomes {
		if o.Status == types.StatusFailedPermanent {
			return "failed"
		}
	}
	return "remediated"
}

// Outcome returns the outcome recorded for ruleID
func (r EventResult) Outcome(ruleID string) (types.RemediationOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.RuleID == ruleID {
			return o, true
		}
	}
	return types.RemediationOutcome{}, false
}

// Duration is the wall time spent on the event
func (r EventResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// inspection is the journal payload for the inspected state
type inspection struct {
	Tags      map[string]string `json:"tags"`
	Encrypted *bool             `json:"encrypted,omitempty"`
	Public    *bool             `json:"public,omitempty"`
}

func inspectionOf(d types.ResourceDescriptor) inspection {
	return inspection{Tags: d.Tags(), Encrypted: d.EncryptionEnabled, Public: d.PublicAccess}
}
