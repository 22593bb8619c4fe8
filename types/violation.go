package types

import "time"

// Violation is one failed rule for one resource. The orchestrator consumes each violation once.
type Violation struct {
	ResourceID string     `json:"resource_id"`
	RuleID     string     `json:"rule_id"`
	Kind       ActionKind `json:"kind"`
	DetectedAt time.Time  `json:"detected_at"`

	// MissingTags lists absent required tag keys for fix-tags rules
	MissingTags []string `json:"missing_tags,omitempty"`
}

// LeaseKey is the (resource, rule) key the in-flight lease table serializes on
func (v Violation) LeaseKey() string {
	return v.ResourceID + "|" + v.RuleID
}
