package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with SET NX PX.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLock creates a RedisLock on an existing client.
func NewRedisLock(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "evidence:lock:"
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisLockFromAddr dials addr.
func NewRedisLockFromAddr(addr, password string, db int, ttl time.Duration) *RedisLock {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLock(rdb, "", ttl)
}

// Acquire takes the lease for key or fails with a LedgerBusyError.
func (l *RedisLock) Acquire(ctx context.Context, key string) (Lease, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.prefix+key).Result()
		return nil, busy(key, holder)
	}
	return &redisLease{lock: l, key: key, token: token}, nil
}

type redisLease struct {
	lock  *RedisLock
	key   string
	token string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.lock.client, []string{r.lock.prefix + r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s expired or taken over", r.key)
	}
	return nil
}
