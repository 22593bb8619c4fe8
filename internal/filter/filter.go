// Package filter decides which resources remedy may mutate.
package filter

import (
	"github.com/yairfalse/remedy/types"
)

// DefaultExemptTag marks a resource that must never be remediated
const (
	DefaultExemptTag   = "remedy:exempt"
	DefaultExemptValue = "true"
)

// Filter excludes resource types and tagged resources from remediation.
// Excluded resources are still evaluated.
type Filter struct {
	excludeTypes map[types.ResourceType]bool
	includeTags  map[string]string
	excludeTags  map[string]string
}

// New creates a new Filter from the provided configuration
func New(excludeTypes []types.ResourceType, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[types.ResourceType]bool)
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes: excludeMap,
		includeTags:  includeTags,
		excludeTags:  excludeTags,
	}
}

// Default excludes resources tagged remedy:exempt=true
func Default() *Filter {
	return New(nil, nil, map[string]string{DefaultExemptTag: DefaultExemptValue})
}

// ShouldRemediateType returns true if resources of typ may be mutated
func (f *Filter) ShouldRemediateType(typ types.ResourceType) bool {
	return !f.excludeTypes[typ]
}

// Exempt returns a reason when the resource must not be mutated, or "" when it may
func (f *Filter) Exempt(d types.ResourceDescriptor) string {
	if f == nil {
		return ""
	}
	if !f.ShouldRemediateType(d.ResourceType) {
		return "resource type excluded"
	}

	// Include tags: ALL must match
	for k, v := range f.includeTags {
		if got, ok := d.Tag(k); !ok || got != v {
			return "missing include tag " + k
		}
	}

	// Exclude tags: ANY match excludes
	for k, v := range f.excludeTags {
		if got, ok := d.Tag(k); ok && got == v {
			return "exempt by tag " + k + "=" + v
		}
	}
	return ""
}

// IsEmpty returns true if no filters are configured
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.excludeTypes) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
