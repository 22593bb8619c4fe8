package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/remedy/types"
)

// ResourceRef identifies a resource for the inspection and mutation APIs
type ResourceRef struct {
	ID     string
	Type   types.ResourceType
	Region string
}

// RefFromEvent builds the reference an event points at
func RefFromEvent(e types.ChangeEvent) ResourceRef {
	return ResourceRef{ID: e.ResourceID, Type: e.ResourceType, Region: e.Region}
}

// RefFromDescriptor builds the reference for an already inspected resource
func RefFromDescriptor(d types.ResourceDescriptor) ResourceRef {
	return ResourceRef{ID: d.ResourceID, Type: d.ResourceType, Region: d.Region}
}

// RawResource is what the inspection API returns for one resource.
// Nil fields mean the API did not report the attribute.
type RawResource struct {
	ID         string
	Type       types.ResourceType
	Region     string
	Tags       map[string]string
	Encrypted  *bool
	Public     *bool
	Attributes map[string]any
}

// Inspector reads current resource state
type Inspector interface {
	// GetResource returns ErrNotFound when the resource no longer exists
	GetResource(ctx context.Context, ref ResourceRef) (RawResource, error)

	// GetBucketPolicy returns the bucket's policy document, or "" when it has none
	GetBucketPolicy(ctx context.Context, bucket string) (string, error)
}

// Mutator applies corrective changes
type Mutator interface {
	// AddTags adds the given keys. Implementations must not touch other keys.
	AddTags(ctx context.Context, ref ResourceRef, tags map[string]string) error
	EnableEncryption(ctx context.Context, ref ResourceRef, kmsKeyID string) error
	PutBucketPolicy(ctx context.Context, bucket string, document string) error
	DeleteBucketPolicy(ctx context.Context, bucket string) error
}

// CloudAPI is the full external collaborator: inspection plus mutation
type CloudAPI interface {
	Inspector
	Mutator
	Name() string
}

// BucketSummary is one entry of a bucket listing. Encrypted is nil when the
// encryption state could not be read.
type BucketSummary struct {
	Name      string
	Region    string
	Encrypted *bool
}

// BucketLister enumerates buckets for sweeps
type BucketLister interface {
	Buckets(ctx context.Context) ([]BucketSummary, error)
}

// BuildDescriptor inspects the resource an event points at and normalizes the response.
// It does not retry: ErrNotFound and transient errors are returned to the caller as is.
func BuildDescriptor(ctx context.Context, event types.ChangeEvent, inspector Inspector) (types.ResourceDescriptor, error) {
	raw, err := inspector.GetResource(ctx, RefFromEvent(event))
	if err != nil {
		return types.ResourceDescriptor{}, err
	}

	return DescriptorFromRaw(event, raw)
}

// DescriptorFromRaw converts an inspection response into a descriptor.
// The event is authoritative for the id and type when the response omits them.
func DescriptorFromRaw(event types.ChangeEvent, raw RawResource) (types.ResourceDescriptor, error) {
	id := raw.ID
	if id == "" {
		id = event.ResourceID
	}
	resourceType := raw.Type
	if resourceType == "" {
		resourceType = event.ResourceType
	}
	region := raw.Region
	if region == "" {
		region = event.Region
	}

	d, err := types.NewResourceDescriptor(types.DescriptorFields{
		ResourceID:        id,
		ResourceType:      resourceType,
		Region:            region,
		Tags:              raw.Tags,
		EncryptionEnabled: raw.Encrypted,
		PublicAccess:      raw.Public,
		RawAttributes:     raw.Attributes,
		ObservedAt:        time.Now(),
	})
	if err != nil {
		return types.ResourceDescriptor{}, Permanent("build descriptor", err)
	}
	return d, nil
}

// Factory creates a CloudAPI from provider settings
type Factory func(ctx context.Context, cfg Config) (CloudAPI, error)

// Config holds provider construction settings
type Config struct {
	Region    string
	Profile   string
	KMSKeyID  string
	Endpoint  string
	AccountID string
}

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register makes a provider available by name
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// New creates a provider by name. Unknown names fail so a daemon never starts without its collaborator.
func New(ctx context.Context, name string, cfg Config) (CloudAPI, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered (available: %v)", name, Names())
	}
	return factory(ctx, cfg)
}

// Names returns the registered provider names, sorted
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
