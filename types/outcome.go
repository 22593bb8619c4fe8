package types

import "time"

// OutcomeStatus is the terminal status of one remediation attempt
type OutcomeStatus string

const (
	StatusApplied          OutcomeStatus = "applied"
	StatusAlreadyCompliant OutcomeStatus = "already-compliant"
	StatusFailedRetryable  OutcomeStatus = "failed-retryable"
	StatusFailedPermanent  OutcomeStatus = "failed-permanent"
)

// Failed reports whether the status is one of the failure statuses
func (s OutcomeStatus) Failed() bool {
	return s == StatusFailedRetryable || s == StatusFailedPermanent
}

// RemediationOutcome records what a fixer did for one violation
type RemediationOutcome struct {
	ResourceID   string        `json:"resource_id"`
	ResourceType ResourceType  `json:"resource_type"`
	RuleID       string        `json:"rule_id"`
	ActionKind   ActionKind    `json:"action_kind"`
	Status       OutcomeStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	Changes      []string      `json:"changes,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`

	// ResourceGone is set when the resource disappeared while being fixed
	ResourceGone bool `json:"resource_gone,omitempty"`
}

// Duration is the wall time of the attempt
func (o RemediationOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// NewOutcome starts an outcome for a violation
func NewOutcome(v Violation, d ResourceDescriptor) RemediationOutcome {
	return RemediationOutcome{
		ResourceID:   v.ResourceID,
		ResourceType: d.ResourceType,
		RuleID:       v.RuleID,
		ActionKind:   v.Kind,
		StartedAt:    time.Now(),
	}
}
