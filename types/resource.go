package types

import (
	"fmt"
	"maps"
	"time"
)

// ResourceType is the closed set of resource shapes the engine knows how to evaluate
type ResourceType string

const (
	ResourceTagged      ResourceType = "tagged-resource"
	ResourceBucket      ResourceType = "storage-bucket"
	ResourceEncryptable ResourceType = "encryptable-resource"
)

// Valid reports whether t is one of the known resource types
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceTagged, ResourceBucket, ResourceEncryptable:
		return true
	default:
		return false
	}
}

// ParseResourceType converts a config or event string into a ResourceType
func ParseResourceType(s string) (ResourceType, error) {
	t := ResourceType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown resource type %q", s)
	}
	return t, nil
}

// ResourceDescriptor is the normalized, compliance-relevant view of one cloud resource.
// It is built from a single inspection response and never mutated afterwards;
// accessors hand out copies so callers cannot change what the evaluator sees.
//
// EncryptionEnabled and PublicAccess are nil when the inspection API did not
// report the attribute. Rules that need a nil attribute fail closed.
type ResourceDescriptor struct {
	ResourceID        string
	ResourceType      ResourceType
	Region            string
	EncryptionEnabled *bool
	PublicAccess      *bool
	ObservedAt        time.Time

	tags map[string]string
	raw  map[string]any
}

// DescriptorFields carries the inputs for NewResourceDescriptor
type DescriptorFields struct {
	ResourceID        string
	ResourceType      ResourceType
	Region            string
	Tags              map[string]string
	EncryptionEnabled *bool
	PublicAccess      *bool
	RawAttributes     map[string]any
	ObservedAt        time.Time
}

// NewResourceDescriptor builds an immutable descriptor, copying every map it is given
func NewResourceDescriptor(f DescriptorFields) (ResourceDescriptor, error) {
	if f.ResourceID == "" {
		return ResourceDescriptor{}, fmt.Errorf("resource id cannot be empty")
	}
	if !f.ResourceType.Valid() {
		return ResourceDescriptor{}, fmt.Errorf("resource %s: unknown resource type %q", f.ResourceID, f.ResourceType)
	}

	observed := f.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	return ResourceDescriptor{
		ResourceID:        f.ResourceID,
		ResourceType:      f.ResourceType,
		Region:            f.Region,
		EncryptionEnabled: copyBool(f.EncryptionEnabled),
		PublicAccess:      copyBool(f.PublicAccess),
		ObservedAt:        observed,
		tags:              maps.Clone(f.Tags),
		raw:               maps.Clone(f.RawAttributes),
	}, nil
}

// Tags returns a copy of the resource tags. Never nil.
func (d ResourceDescriptor) Tags() map[string]string {
	if d.tags == nil {
		return map[string]string{}
	}
	return maps.Clone(d.tags)
}

// Tag returns a single tag value and whether the key is present
func (d ResourceDescriptor) Tag(key string) (string, bool) {
	v, ok := d.tags[key]
	return v, ok
}

// HasTags reports whether the inspection API returned a tag set at all
func (d ResourceDescriptor) HasTags() bool {
	return d.tags != nil
}

// Raw returns one opaque attribute from the inspection response
func (d ResourceDescriptor) Raw(key string) (any, bool) {
	v, ok := d.raw[key]
	return v, ok
}

// RawAttributes returns a shallow copy of the opaque attribute map
func (d ResourceDescriptor) RawAttributes() map[string]any {
	if d.raw == nil {
		return map[string]any{}
	}
	return maps.Clone(d.raw)
}

// IsEncrypted is true only when encryption is known to be enabled
func (d ResourceDescriptor) IsEncrypted() bool {
	return d.EncryptionEnabled != nil && *d.EncryptionEnabled
}

// IsPublic is true when public access is reported or unknown
func (d ResourceDescriptor) IsPublic() bool {
	return d.PublicAccess == nil || *d.PublicAccess
}

// Bool returns a pointer to b, for building descriptors in adapters and tests
func Bool(b bool) *bool {
	return &b
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
