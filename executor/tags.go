package executor

import (
	"context"
	"errors"
	"sort"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/types"
)

// TagFixer adds missing required tags with the rule's default values.
// Existing keys are never overwritten, whatever their value.
type TagFixer struct {
	base
}

// NewTagFixer creates the fix-tags fixer
func NewTagFixer(rules RuleLookup, retrier *retry.Controller, opts Options) *TagFixer {
	return &TagFixer{base: newBase(rules, retrier, opts)}
}

// Kind implements Fixer
func (f *TagFixer) Kind() types.ActionKind {
	return types.ActionFixTags
}

// Remediate implements Fixer
func (f *TagFixer) Remediate(ctx context.Context, v types.Violation, d types.ResourceDescriptor, api API) types.RemediationOutcome {
	a := begin(v, d, f.Kind())

	rule, ok := f.rules(v.RuleID)
	if !ok {
		return a.fail(types.StatusFailedPermanent, unknownRule(v.RuleID))
	}
	if len(rule.RequiredTags) == 0 {
		return a.fail(types.StatusFailedPermanent, errors.New("rule has no required tags"))
	}

	// Decide on current state so a tag set since evaluation is kept
	fresh, res := f.inspect(ctx, a, d, api)
	if !res.OK() {
		return a.failed(res)
	}

	add := types.FillAbsentTags(fresh.Tags(), rule.RequiredTags)
	if len(add) == 0 {
		return a.finish(types.StatusAlreadyCompliant)
	}
	a.outcome.Changes = tagChanges(add)

	if f.opts.DryRun {
		return a.applied(true)
	}

	ref := providers.RefFromDescriptor(fresh)
	res = f.mutate(ctx, a, "AddTags", func(ctx context.Context) error {
		return api.AddTags(ctx, ref, add)
	})
	if !res.OK() {
		return a.failed(res)
	}
	return a.applied(false)
}

func tagChanges(add map[string]string) []string {
	changes := make([]string, 0, len(add))
	for k, v := range add {
		changes = append(changes, "added tag "+k+"="+v)
	}
	sort.Strings(changes)
	return changes
}
