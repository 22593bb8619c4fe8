package executor

import (
	"context"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/types"
)

// API is the slice of the cloud a fixer talks to
type API interface {
	providers.Inspector
	providers.Mutator
}

// Fixer brings one resource back into compliance for one action kind.
// Remediate never returns an error and never panics through; every failure
// ends up in the outcome status. Calling it on a compliant resource yields
// already-compliant without touching the mutation API.
type Fixer interface {
	Kind() types.ActionKind
	Remediate(ctx context.Context, v types.Violation, d types.ResourceDescriptor, api API) types.RemediationOutcome
}

// RuleLookup resolves the rule a violation was raised for
type RuleLookup func(ruleID string) (types.PolicyRule, bool)

// Options tunes every fixer
type Options struct {
	// DryRun computes the change set without calling the mutation API
	DryRun bool

	// DefaultKMSKeyID is used when an encryption rule names no key.
	// Empty leaves key selection to the provider.
	DefaultKMSKeyID string
}
