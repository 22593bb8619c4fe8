package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisTable shares leases between daemon replicas through Redis.
// Expiry is Redis' own key TTL.
type RedisTable struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTable creates a table storing keys under prefix
func NewRedisTable(client redis.UniversalClient, prefix string) *RedisTable {
	if prefix == "" {
		prefix = "remedy:lease:"
	}
	return &RedisTable{client: client, prefix: prefix}
}

// Acquire implements Table
func (t *RedisTable) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token := uuid.NewString()
	ok, err := t.client.SetNX(ctx, t.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lease{
		Key:       key,
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
		release:   t.release,
	}, nil
}

func (t *RedisTable) release(ctx context.Context, l *Lease) error {
	if err := releaseScript.Run(ctx, t.client, []string{t.prefix + l.Key}, l.Token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.Key, err)
	}
	return nil
}

var _ Table = (*RedisTable)(nil)
