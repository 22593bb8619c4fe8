package executor

import (
	"context"
	"fmt"

	"github.com/yairfalse/remedy/bucketpolicy"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/types"
)

// PolicyFixer removes public grants from a bucket's access policy. Only the
// offending statements are dropped or narrowed; the policy is never replaced
// wholesale. A policy left with no statements is deleted.
type PolicyFixer struct {
	base
}

// NewPolicyFixer creates the fix-public-access fixer
func NewPolicyFixer(rules RuleLookup, retrier *retry.Controller, opts Options) *PolicyFixer {
	return &PolicyFixer{base: newBase(rules, retrier, opts)}
}

// Kind implements Fixer
func (f *PolicyFixer) Kind() types.ActionKind {
	return types.ActionFixPublicAccess
}

// Remediate implements Fixer
func (f *PolicyFixer) Remediate(ctx context.Context, v types.Violation, d types.ResourceDescriptor, api API) types.RemediationOutcome {
	a := begin(v, d, f.Kind())

	if _, ok := f.rules(v.RuleID); !ok {
		return a.fail(types.StatusFailedPermanent, unknownRule(v.RuleID))
	}
	if d.ResourceType != types.ResourceBucket {
		return a.fail(types.StatusFailedPermanent,
			fmt.Errorf("%s applies to %s, not %s", f.Kind(), types.ResourceBucket, d.ResourceType))
	}

	bucket := d.ResourceID
	current, res := retry.Call(ctx, f.retrier, "GetBucketPolicy", func(ctx context.Context) (string, error) {
		return api.GetBucketPolicy(ctx, bucket)
	})
	a.count(res)
	if !res.OK() {
		return a.failed(res)
	}
	if current == "" {
		return a.finish(types.StatusAlreadyCompliant)
	}

	doc, err := bucketpolicy.Parse(current)
	if err != nil {
		return a.fail(types.StatusFailedPermanent, providers.Permanent("parse bucket policy", err))
	}
	rewrite, err := doc.RemovePublicGrants()
	if err != nil {
		return a.fail(types.StatusFailedPermanent, providers.Permanent("rewrite bucket policy", err))
	}
	if !rewrite.Changed() {
		return a.finish(types.StatusAlreadyCompliant)
	}
	a.outcome.Changes = rewrite.Changes()
	if rewrite.Document == "" {
		a.outcome.Changes = append(a.outcome.Changes, "deleted empty bucket policy")
	}

	if f.opts.DryRun {
		return a.applied(true)
	}

	if rewrite.Document == "" {
		res = f.mutate(ctx, a, "DeleteBucketPolicy", func(ctx context.Context) error {
			return api.DeleteBucketPolicy(ctx, bucket)
		})
	} else {
		res = f.mutate(ctx, a, "PutBucketPolicy", func(ctx context.Context) error {
			return api.PutBucketPolicy(ctx, bucket, rewrite.Document)
		})
	}
	if !res.OK() {
		return a.failed(res)
	}
	return a.applied(false)
}
