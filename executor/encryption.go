package executor

import (
	"context"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/types"
)

// EncryptionFixer turns on encryption at rest. It re-inspects right before
// mutating and does nothing when the resource is already encrypted.
type EncryptionFixer struct {
	base
}

// NewEncryptionFixer creates the fix-encryption fixer
func NewEncryptionFixer(rules RuleLookup, retrier *retry.Controller, opts Options) *EncryptionFixer {
	return &EncryptionFixer{base: newBase(rules, retrier, opts)}
}

// Kind implements Fixer
func (f *EncryptionFixer) Kind() types.ActionKind {
	return types.ActionFixEncryption
}

// Remediate implements Fixer
func (f *EncryptionFixer) Remediate(ctx context.Context, v types.Violation, d types.ResourceDescriptor, api API) types.RemediationOutcome {
	a := begin(v, d, f.Kind())

	rule, ok := f.rules(v.RuleID)
	if !ok {
		return a.fail(types.StatusFailedPermanent, unknownRule(v.RuleID))
	}

	fresh, res := f.inspect(ctx, a, d, api)
	if !res.OK() {
		return a.failed(res)
	}
	if fresh.IsEncrypted() {
		return a.finish(types.StatusAlreadyCompliant)
	}

	keyID := rule.KMSKeyID
	if keyID == "" {
		keyID = f.opts.DefaultKMSKeyID
	}
	change := "enabled encryption"
	if keyID != "" {
		change += " with key " + keyID
	}
	a.outcome.Changes = []string{change}

	if f.opts.DryRun {
		return a.applied(true)
	}

	ref := providers.RefFromDescriptor(fresh)
	res = f.mutate(ctx, a, "EnableEncryption", func(ctx context.Context) error {
		return api.EnableEncryption(ctx, ref, keyID)
	})
	if !res.OK() {
		return a.failed(res)
	}
	return a.applied(false)
}
