package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/remedy/types"
)

// regoRuleName is the boolean rule a rego check must define
const regoRuleName = "compliant"

// RegoEvalTimeout bounds one rego predicate evaluation
var RegoEvalTimeout = 2 * time.Second

// CompileRego prepares a rego module as a predicate. The module must define
// a boolean "compliant" rule; the resource is available as input.
func CompileRego(ctx context.Context, ruleID, source string) (types.Predicate, error) {
	module, err := ast.ParseModule(ruleID+".rego", source)
	if err != nil {
		return nil, &ConfigError{RuleID: ruleID, Field: "rego", Reason: err.Error()}
	}
	if !definesRule(module, regoRuleName) {
		return nil, &ConfigError{RuleID: ruleID, Field: "rego", Reason: fmt.Sprintf("module must define a %q rule", regoRuleName)}
	}

	query := module.Package.Path.String() + "." + regoRuleName
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(ruleID+".rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, &ConfigError{RuleID: ruleID, Field: "rego", Reason: err.Error()}
	}

	return regoPredicate(prepared), nil
}

func definesRule(module *ast.Module, name string) bool {
	for _, r := range module.Rules {
		if r.Head.Name == ast.Var(name) || r.Head.Ref().String() == name {
			return true
		}
	}
	return false
}

// regoPredicate fails closed: errors, undefined results and non-boolean
// results are all non-compliant.
func regoPredicate(q rego.PreparedEvalQuery) types.Predicate {
	return func(d types.ResourceDescriptor) bool {
		ctx, cancel := context.WithTimeout(context.Background(), RegoEvalTimeout)
		defer cancel()

		results, err := q.Eval(ctx, rego.EvalInput(RegoInput(d)))
		if err != nil {
			return false
		}
		return results.Allowed()
	}
}

// RegoInput is the input document a rego check sees. Attributes the
// inspection API did not report are left out so references to them are undefined.
func RegoInput(d types.ResourceDescriptor) map[string]any {
	input := map[string]any{
		"resource_id":    d.ResourceID,
		"resource_type":  string(d.ResourceType),
		"region":         d.Region,
		"raw_attributes": d.RawAttributes(),
	}
	if d.HasTags() {
		tags := make(map[string]any)
		for k, v := range d.Tags() {
			tags[k] = v
		}
		input["tags"] = tags
	}
	if d.EncryptionEnabled != nil {
		input["encryption_enabled"] = *d.EncryptionEnabled
	}
	if d.PublicAccess != nil {
		input["public_access"] = *d.PublicAccess
	}
	return input
}
