// Package lease serializes remediations per (resource, rule) key with
// expiring leases. A crashed holder never blocks a key past its TTL.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrHeld means another worker holds an unexpired lease on the key
var ErrHeld = errors.New("lease held by another worker")

// DefaultTTL bounds one remediation attempt
const DefaultTTL = 2 * time.Minute

// Table hands out leases. Implementations are safe for concurrent use.
type Table interface {
	// Acquire returns ErrHeld when the key is taken
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is an exclusive, time-bounded claim on a key
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	release func(ctx context.Context, l *Lease) error
}

// Release gives the lease back. Releasing an expired lease that someone
// else has since acquired is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx, l)
}
