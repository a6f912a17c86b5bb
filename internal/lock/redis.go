package lock

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rebalancer:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds the lock as a key with a TTL; expiry is the staleness takeover.
type RedisLocker struct {
	client *redis.Client
	opts   Options
}

func NewRedisLocker(client *redis.Client, opts Options) *RedisLocker {
	return &RedisLocker{client: client, opts: opts.withDefaults()}
}

func (r *RedisLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	key := keyPrefix + name
	owner := newOwner()
	return poll(ctx, r.opts, func() (Lease, bool, error) {
		ok, err := r.client.SetNX(ctx, key, owner, r.opts.TTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx: %w", err)
		}
		if !ok {
			return nil, false, nil
		}
		return &redisLease{client: r.client, key: key, owner: owner}, true, nil
	})
}

type redisLease struct {
	client *redis.Client
	key    string
	owner  string
}

func (l *redisLease) Owner() string { return l.owner }

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
