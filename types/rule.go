package types

import "fmt"

// ActionKind names the corrective action a rule requires. One fixer handles each kind.
type ActionKind string

const (
	ActionFixTags         ActionKind = "fix-tags"
	ActionFixEncryption   ActionKind = "fix-encryption"
	ActionFixPublicAccess ActionKind = "fix-public-access"
)

// Valid reports whether k is one of the known action kinds
func (k ActionKind) Valid() bool {
	switch k {
	case ActionFixTags, ActionFixEncryption, ActionFixPublicAccess:
		return true
	default:
		return false
	}
}

// ParseActionKind converts a config string into an ActionKind
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// Predicate reports whether a descriptor is compliant with a rule
type Predicate func(ResourceDescriptor) bool

// PolicyRule is one compliance rule, loaded at startup and read-only afterwards
type PolicyRule struct {
	RuleID      string
	Description string
	AppliesTo   ResourceType
	Predicate   Predicate
	RequiredFix ActionKind

	// RequiredTags maps each required tag key to the default value the tag
	// fixer writes when the key is absent. Only set for fix-tags rules.
	RequiredTags map[string]string

	// KMSKeyID optionally selects the key the encryption fixer enables
	KMSKeyID string
}

// Applies reports whether the rule targets the descriptor's resource type
func (r PolicyRule) Applies(d ResourceDescriptor) bool {
	return r.AppliesTo == d.ResourceType
}
