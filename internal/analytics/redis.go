package analytics

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotency backs the idempotency contract with a shared Redis
// instance so duplicates are suppressed across service replicas.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotency creates the Redis-backed store. A non-positive ttl
// selects DefaultIdempotencyTTL.
func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotency{
		client: client,
		ttl:    ttl,
		prefix: "flagkit:idem:",
	}
}

// Seen is an atomic check-and-set: SET NX succeeds only for the first
// writer of a key, so exactly one caller observes false per TTL window.
func (r *RedisIdempotency) Seen(ctx context.Context, userID, key string) (bool, error) {
	composite := r.prefix + userID + ":" + key
	created, err := r.client.SetNX(ctx, composite, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}
