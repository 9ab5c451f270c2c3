package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the key only when the stored token matches.
// Returns 1 on delete, 0 when the key is gone, -1 on a token mismatch.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 0
end
if cjson.decode(v)['token'] == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return -1`)

// RedisLocker stores lock records under prefix+key with SET NX.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	owner  string
	ttl    time.Duration
	now    func() time.Time
}

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Prefix string
	Owner  string
	// TTL bounds how long a crashed holder can block others. Zero keeps the
	// key until it is released or recovered as stale.
	TTL time.Duration
}

// NewRedisLocker wraps an existing go-redis client.
func NewRedisLocker(client redis.Cmdable, cfg RedisConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "pgwarden:lock:"
	}
	return &RedisLocker{
		client: client,
		prefix: cfg.Prefix,
		owner:  cfg.Owner,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

// TryAcquire implements Locker.
func (r *RedisLocker) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	l := newLock(key, r.owner, r.now())
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}

	ok, err := r.client.SetNX(ctx, r.prefix+key, data, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return l, nil
}

// Release implements Locker.
func (r *RedisLocker) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	res, err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("lock: redis release: %w", err)
	}
	if res < 0 {
		return ErrNotHolder
	}
	return nil
}

// Holder implements Locker.
func (r *RedisLocker) Holder(ctx context.Context, key string) (*Lock, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: redis get: %w", err)
	}

	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("lock: decode holder: %w", err)
	}
	return &l, nil
}

// ForceRelease implements Locker.
func (r *RedisLocker) ForceRelease(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("lock: redis del: %w", err)
	}
	return nil
}
