// Package memory is a deterministic in-memory cloud used by tests and local runs.
// Every call is counted and any operation can be made to fail on demand.
package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"

	"github.com/yairfalse/remedy/bucketpolicy"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/types"
)

// Operation names used for call counting and fault injection
const (
	OpGetResource        = "GetResource"
	OpGetBucketPolicy    = "GetBucketPolicy"
	OpAddTags            = "AddTags"
	OpEnableEncryption   = "EnableEncryption"
	OpPutBucketPolicy    = "PutBucketPolicy"
	OpDeleteBucketPolicy = "DeleteBucketPolicy"
)

var mutations = []string{OpAddTags, OpEnableEncryption, OpPutBucketPolicy, OpDeleteBucketPolicy}

// ErrTimeout is the error injected by FailTransient
var ErrTimeout = errors.New("request timed out")

// Resource is the stored state of one fake resource
type Resource struct {
	ID        string
	Type      types.ResourceType
	Region    string
	Tags      map[string]string
	Encrypted *bool
	KMSKeyID  string

	// Public is only consulted for non-bucket resources. Bucket exposure is
	// derived from Policy.
	Public *bool
	Policy string

	Attributes map[string]any
}

type fault struct {
	remaining int // <0 means forever
	err       error
}

// Cloud implements providers.CloudAPI
type Cloud struct {
	mu        sync.Mutex
	resources map[string]*Resource
	faults    map[string][]*fault
	calls     map[string]int
	hooks     map[string]func(ref providers.ResourceRef)
}

// New creates an empty cloud
func New() *Cloud {
	return &Cloud{
		resources: make(map[string]*Resource),
		faults:    make(map[string][]*fault),
		calls:     make(map[string]int),
		hooks:     make(map[string]func(providers.ResourceRef)),
	}
}

func init() {
	providers.Register("memory", func(ctx context.Context, cfg providers.Config) (providers.CloudAPI, error) {
		return New(), nil
	})
}

// Name returns the provider name
func (c *Cloud) Name() string {
	return "memory"
}

// Put stores a resource, replacing any previous state with the same id
func (c *Cloud) Put(r Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := r
	stored.Tags = maps.Clone(r.Tags)
	stored.Attributes = maps.Clone(r.Attributes)
	c.resources[r.ID] = &stored
}

// Remove deletes a resource, simulating it disappearing
func (c *Cloud) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, id)
}

// Get returns a copy of the stored resource
func (c *Cloud) Get(id string) (Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[id]
	if !ok {
		return Resource{}, false
	}
	out := *r
	out.Tags = maps.Clone(r.Tags)
	out.Attributes = maps.Clone(r.Attributes)
	return out, true
}

// FailNext makes the next n calls of op return err
func (c *Cloud) FailNext(op string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], &fault{remaining: n, err: err})
}

// FailTransient makes the next n calls of op time out
func (c *Cloud) FailTransient(op string, n int) {
	c.FailNext(op, n, providers.Transient(op, ErrTimeout))
}

// FailAlways makes every call of op return err until Reset
func (c *Cloud) FailAlways(op string, err error) {
	c.FailNext(op, -1, err)
}

// OnCall runs fn before op executes. fn runs without the cloud lock held.
func (c *Cloud) OnCall(op string, fn func(ref providers.ResourceRef)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[op] = fn
}

// Reset clears injected faults, hooks and call counters. Stored resources are kept.
func (c *Cloud) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = make(map[string][]*fault)
	c.calls = make(map[string]int)
	c.hooks = make(map[string]func(providers.ResourceRef))
}

// Calls returns how many times op was invoked, failed calls included
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// MutationCalls returns the number of mutation API calls of any kind
func (c *Cloud) MutationCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, op := range mutations {
		total += c.calls[op]
	}
	return total
}

// CallCounts returns a snapshot of all counters, keyed by operation
func (c *Cloud) CallCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.calls)
}

// Operations lists the operations that have been called, sorted
func (c *Cloud) Operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]string, 0, len(c.calls))
	for op := range c.calls {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// enter counts the call, runs the hook and returns an injected fault if one is pending
func (c *Cloud) enter(ctx context.Context, op string, ref providers.ResourceRef) error {
	c.mu.Lock()
	c.calls[op]++
	hook := c.hooks[op]
	c.mu.Unlock()

	if hook != nil {
		hook(ref)
	}
	if err := ctx.Err(); err != nil {
		return providers.Transient(op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.faults[op]
	for len(queue) > 0 {
		f := queue[0]
		if f.remaining == 0 {
			queue = queue[1:]
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		c.faults[op] = queue
		return f.err
	}
	delete(c.faults, op)
	return nil
}

// GetResource implements providers.Inspector
func (c *Cloud) GetResource(ctx context.Context, ref providers.ResourceRef) (providers.RawResource, error) {
	if err := c.enter(ctx, OpGetResource, ref); err != nil {
		return providers.RawResource{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[ref.ID]
	if !ok {
		return providers.RawResource{}, providers.NotFound(OpGetResource, ref.ID)
	}

	raw := providers.RawResource{
		ID:         r.ID,
		Type:       r.Type,
		Region:     r.Region,
		Tags:       maps.Clone(r.Tags),
		Attributes: maps.Clone(r.Attributes),
	}
	if r.Encrypted != nil {
		raw.Encrypted = types.Bool(*r.Encrypted)
	}

	if r.Type == types.ResourceBucket {
		public, err := bucketpolicy.IsPublicDocument(r.Policy)
		if err == nil {
			raw.Public = types.Bool(public)
		}
	} else if r.Public != nil {
		raw.Public = types.Bool(*r.Public)
	}
	return raw, nil
}

// GetBucketPolicy implements providers.Inspector
func (c *Cloud) GetBucketPolicy(ctx context.Context, bucket string) (string, error) {
	ref := providers.ResourceRef{ID: bucket, Type: types.ResourceBucket}
	if err := c.enter(ctx, OpGetBucketPolicy, ref); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[bucket]
	if !ok {
		return "", providers.NotFound(OpGetBucketPolicy, bucket)
	}
	return r.Policy, nil
}

// AddTags sets the given keys. Like the real tagging APIs it overwrites keys it is given.
func (c *Cloud) AddTags(ctx context.Context, ref providers.ResourceRef, tags map[string]string) error {
	if err := c.enter(ctx, OpAddTags, ref); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[ref.ID]
	if !ok {
		return providers.NotFound(OpAddTags, ref.ID)
	}
	if r.Tags == nil {
		r.Tags = make(map[string]string, len(tags))
	}
	maps.Copy(r.Tags, tags)
	return nil
}

// EnableEncryption implements providers.Mutator
func (c *Cloud) EnableEncryption(ctx context.Context, ref providers.ResourceRef, kmsKeyID string) error {
	if err := c.enter(ctx, OpEnableEncryption, ref); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[ref.ID]
	if !ok {
		return providers.NotFound(OpEnableEncryption, ref.ID)
	}
	r.Encrypted = types.Bool(true)
	r.KMSKeyID = kmsKeyID
	return nil
}

// PutBucketPolicy implements providers.Mutator
func (c *Cloud) PutBucketPolicy(ctx context.Context, bucket string, document string) error {
	ref := providers.ResourceRef{ID: bucket, Type: types.ResourceBucket}
	if err := c.enter(ctx, OpPutBucketPolicy, ref); err != nil {
		return err
	}
	if _, err := bucketpolicy.Parse(document); err != nil {
		return providers.Permanent(OpPutBucketPolicy, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[bucket]
	if !ok {
		return providers.NotFound(OpPutBucketPolicy, bucket)
	}
	r.Policy = document
	return nil
}

// DeleteBucketPolicy implements providers.Mutator
func (c *Cloud) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	ref := providers.ResourceRef{ID: bucket, Type: types.ResourceBucket}
	if err := c.enter(ctx, OpDeleteBucketPolicy, ref); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[bucket]
	if !ok {
		return providers.NotFound(OpDeleteBucketPolicy, bucket)
	}
	r.Policy = ""
	return nil
}

// Buckets lists stored buckets with their encryption state, for sweeps
func (c *Cloud) Buckets(ctx context.Context) ([]providers.BucketSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []providers.BucketSummary
	for _, r := range c.resources {
		if r.Type != types.ResourceBucket {
			continue
		}
		s := providers.BucketSummary{Name: r.ID, Region: r.Region}
		if r.Encrypted != nil {
			s.Encrypted = types.Bool(*r.Encrypted)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var (
	_ providers.CloudAPI     = (*Cloud)(nil)
	_ providers.BucketLister = (*Cloud)(nil)
)
