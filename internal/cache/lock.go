package cache

import (
	"context"
	"fmt"
	"time"

	"PerpCustody/internal/core"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker serializes engine operations across processes sharing one
// accounts store. Locks expire after ttl so a crashed holder cannot wedge a
// custody.
type RedisLocker struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	retry time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 20 * time.Millisecond}
}

func lockKey(key string) string { return "perpcustody:lock:" + key }

// Lock blocks until key is acquired or ctx ends. The returned unlock is safe
// to call more than once.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}, nil
}

var _ core.Locker = (*RedisLocker)(nil)
