package policy

import (
	"github.com/yairfalse/remedy/types"
)

// Built-in check names usable in the rule file
const (
	CheckRequiredTags      = "required_tags"
	CheckEncryptionEnabled = "encryption_enabled"
	CheckNoPublicAccess    = "no_public_access"
	CheckRego              = "rego"
)

// RequiredTags is compliant when the tag set was reported and carries every key.
// A descriptor without a tag set fails.
func RequiredTags(required map[string]string) types.Predicate {
	return func(d types.ResourceDescriptor) bool {
		if !d.HasTags() {
			return false
		}
		return len(types.MissingTags(d.Tags(), required)) == 0
	}
}

// EncryptionEnabled is compliant only when encryption is known to be on
func EncryptionEnabled() types.Predicate {
	return func(d types.ResourceDescriptor) bool {
		return d.IsEncrypted()
	}
}

// NoPublicAccess is compliant only when public access is known to be off
func NoPublicAccess() types.Predicate {
	return func(d types.ResourceDescriptor) bool {
		return !d.IsPublic()
	}
}

// defaultFix is the action each built-in check implies when the rule file omits one
var defaultFix = map[string]types.ActionKind{
	CheckRequiredTags:      types.ActionFixTags,
	CheckEncryptionEnabled: types.ActionFixEncryption,
	CheckNoPublicAccess:    types.ActionFixPublicAccess,
}
