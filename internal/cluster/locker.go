package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker hands out short-lived exclusive locks shared by every node of a
// deployment. The runner takes one per token while selecting it.
type Locker interface {
	// TryLock acquires the lock without waiting. ok is false when another
	// holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, ok bool, err error)
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker implements Locker with Redis SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker storing keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	lockKey := l.prefix + "lock:" + key
	owner := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{lockKey}, owner).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("redis release lock %s: %w", key, err)
		}
		return nil
	}, true, nil
}

var _ Locker = (*RedisLocker)(nil)
