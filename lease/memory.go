package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
)

type entry struct {
	key       string
	token     string
	expiresAt time.Time
}

// MemoryTable is an in-process lease table. Leases are indexed by expiry so
// Expire can drop stale ones without scanning every key.
type MemoryTable struct {
	mu     sync.Mutex
	byKey  map[string]*entry
	expiry *btree.BTreeG[*entry]
	now    func() time.Time
}

// NewMemoryTable creates an empty table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		byKey: make(map[string]*entry),
		expiry: btree.NewG[*entry](32, func(a, b *entry) bool {
			if !a.expiresAt.Equal(b.expiresAt) {
				return a.expiresAt.Before(b.expiresAt)
			}
			return a.key < b.key
		}),
		now: time.Now,
	}
}

// Acquire implements Table
func (t *MemoryTable) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if current, ok := t.byKey[key]; ok {
		if now.Before(current.expiresAt) {
			return nil, ErrHeld
		}
		t.expiry.Delete(current)
	}

	e := &entry{key: key, token: uuid.NewString(), expiresAt: now.Add(ttl)}
	t.byKey[key] = e
	t.expiry.ReplaceOrInsert(e)

	return &Lease{
		Key:       key,
		Token:     e.token,
		ExpiresAt: e.expiresAt,
		release:   t.release,
	}, nil
}

func (t *MemoryTable) release(_ context.Context, l *Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.byKey[l.Key]
	if !ok || current.token != l.Token {
		return nil
	}
	delete(t.byKey, l.Key)
	t.expiry.Delete(current)
	return nil
}

// Expire drops leases whose TTL has passed and returns how many were dropped
func (t *MemoryTable) Expire() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var stale []*entry
	t.expiry.Ascend(func(e *entry) bool {
		if now.Before(e.expiresAt) {
			return false
		}
		stale = append(stale, e)
		return true
	})

	for _, e := range stale {
		t.expiry.Delete(e)
		delete(t.byKey, e.key)
	}
	return len(stale)
}

// Len is the number of leases currently tracked, expired ones included until Expire runs
func (t *MemoryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Run expires stale leases every interval until ctx is done
func (t *MemoryTable) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Expire()
		}
	}
}

var _ Table = (*MemoryTable)(nil)
