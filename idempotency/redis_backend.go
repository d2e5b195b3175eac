package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on top of go-redis, using SETNX-with-TTL
// (SET key val NX EX) so the lock acquisition and expiry are a single
// round trip, matching the teacher's redis idempotency store's use of
// atomic Redis primitives instead of check-then-set.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client. The caller owns the client's
// lifecycle (Close, reconnect policy, etc.).
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}
