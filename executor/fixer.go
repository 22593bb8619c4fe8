package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/types"
)

// base carries what every fixer shares: rule lookup, the retry controller
// and options, plus the bookkeeping for one outcome
type base struct {
	rules   RuleLookup
	retrier *retry.Controller
	opts    Options
}

func newBase(rules RuleLookup, retrier *retry.Controller, opts Options) base {
	if retrier == nil {
		retrier = retry.NewController(retry.DefaultPolicy)
	}
	if rules == nil {
		rules = func(string) (types.PolicyRule, bool) { return types.PolicyRule{}, false }
	}
	return base{rules: rules, retrier: retrier, opts: opts}
}

// attempt tracks one in-progress outcome
type attempt struct {
	outcome types.RemediationOutcome
}

func begin(v types.Violation, d types.ResourceDescriptor, kind types.ActionKind) *attempt {
	o := types.NewOutcome(v, d)
	o.ActionKind = kind
	return &attempt{outcome: o}
}

func (a *attempt) finish(status types.OutcomeStatus) types.RemediationOutcome {
	a.outcome.Status = status
	a.outcome.FinishedAt = time.Now()
	return a.outcome
}

func (a *attempt) fail(status types.OutcomeStatus, err error) types.RemediationOutcome {
	if err != nil {
		a.outcome.Error = err.Error()
	}
	return a.finish(status)
}

// failed turns an unsuccessful retry result into a terminal outcome.
// A vanished resource is compliant by absence.
func (a *attempt) failed(res retry.Result) types.RemediationOutcome {
	if res.Gone() {
		a.outcome.ResourceGone = true
		return a.finish(types.StatusAlreadyCompliant)
	}
	return a.fail(res.OutcomeStatus(), res.Err)
}

func (a *attempt) count(res retry.Result) {
	a.outcome.AttemptCount += res.Attempts
}

// applied finishes a successful change, or a dry run of one
func (a *attempt) applied(dryRun bool) types.RemediationOutcome {
	a.outcome.DryRun = dryRun
	return a.finish(types.StatusApplied)
}

func unknownRule(id string) error {
	return fmt.Errorf("unknown rule %q", id)
}

// inspect re-reads the resource right before a mutation decision
func (b base) inspect(ctx context.Context, a *attempt, d types.ResourceDescriptor, api API) (types.ResourceDescriptor, retry.Result) {
	ref := providers.RefFromDescriptor(d)
	raw, res := retry.Call(ctx, b.retrier, "GetResource", func(ctx context.Context) (providers.RawResource, error) {
		return api.GetResource(ctx, ref)
	})
	a.count(res)
	if !res.OK() {
		return types.ResourceDescriptor{}, res
	}

	event := types.ChangeEvent{ResourceID: d.ResourceID, ResourceType: d.ResourceType, Region: d.Region}
	fresh, err := providers.DescriptorFromRaw(event, raw)
	if err != nil {
		return types.ResourceDescriptor{}, retry.Result{Status: retry.StatusFailedPermanent, Attempts: res.Attempts, Err: err}
	}
	return fresh, res
}

// mutate runs one mutation through the retry controller
func (b base) mutate(ctx context.Context, a *attempt, name string, op func(ctx context.Context) error) retry.Result {
	res := b.retrier.Do(ctx, name, op)
	a.count(res)
	return res
}
