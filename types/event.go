package types

import (
	"fmt"
	"time"
)

// ChangeEvent is one notification that a resource's state may have changed.
// Duplicate events for the same resource are safe re-triggers.
type ChangeEvent struct {
	EventID        string       `json:"event_id"`
	ResourceID     string       `json:"resource_id"`
	ResourceType   ResourceType `json:"resource_type"`
	EventTimestamp time.Time    `json:"event_timestamp"`
	Region         string       `json:"region,omitempty"`
	Source         string       `json:"source,omitempty"`
}

// Validate ensures the event carries the minimum fields
func (e ChangeEvent) Validate() error {
	if e.ResourceID == "" {
		return fmt.Errorf("event resource id cannot be empty")
	}
	if !e.ResourceType.Valid() {
		return fmt.Errorf("event %s: unknown resource type %q", e.ResourceID, e.ResourceType)
	}
	if e.EventTimestamp.IsZero() {
		return fmt.Errorf("event %s: timestamp cannot be zero", e.ResourceID)
	}
	return nil
}
