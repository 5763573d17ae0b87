// Package lock provides a lease-based distributed lock over Redis. A lease
// is held for at most its TTL regardless of holder liveness, so a crashed
// worker can never hold a reference hostage.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "paylock:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lease re-acquired by another worker is never released by the old
// holder.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Client is the subset of the go-redis API the coordinator needs.
// *redis.Client satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Coordinator struct {
	client Client
	poll   time.Duration
}

func NewCoordinator(client Client) *Coordinator {
	return &Coordinator{client: client, poll: 75 * time.Millisecond}
}

// Acquire blocks up to acquireTimeout trying to take the lease for key.
// Timing out is a transient condition: the caller should back off and retry,
// not fail the payment.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl, acquireTimeout time.Duration) (*Lease, error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := c.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, domain.Transient("lock.acquire", key, err)
		}
		if ok {
			return &Lease{client: c.client, key: redisKey, token: token}, nil
		}

		if time.Now().Add(c.poll).After(deadline) {
			return nil, domain.Transient("lock.acquire", key,
				fmt.Errorf("%w after %s", domain.ErrLockNotAcquired, acquireTimeout))
		}
		select {
		case <-ctx.Done():
			return nil, domain.Transient("lock.acquire", key, ctx.Err())
		case <-time.After(c.poll):
		}
	}
}

// Lease is a held lock. Release is safe to call on every exit path and is a
// no-op after the first call; if release itself fails, the TTL bounds the
// blast radius.
type Lease struct {
	client Client
	key    string
	token  string
	once   sync.Once
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		_, err = l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	})
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}
