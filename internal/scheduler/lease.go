package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease claims short-lived per-candidate locks in Redis so concurrent
// scheduler instances never double-process the same call or target. Locks
// self-expire; Release only drops a lock this instance still owns.
type Lease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owner  string
}

// NewLease builds a lease manager with a unique owner id.
func NewLease(client *redis.Client, prefix string, ttl time.Duration) *Lease {
	if prefix == "" {
		prefix = "sched:claim"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Claim takes the lock for key. false means another instance holds it.
func (l *Lease) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease: claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lock if this instance still owns it.
func (l *Lease) Release(ctx context.Context, key string) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{l.key(key)}, l.owner).Err(); err != nil {
		return fmt.Errorf("lease: release %s: %w", key, err)
	}
	return nil
}

// Owner returns this instance's lock value.
func (l *Lease) Owner() string {
	return l.owner
}

func (l *Lease) key(k string) string {
	return l.prefix + ":" + k
}
