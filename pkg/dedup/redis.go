package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idem::"

// RedisStore is the external idempotency store. Mark uses SET NX with expiry,
// so check-and-set is atomic across multiple router instances; Redis expiry
// replaces the manual sweep.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient builds a client suitable for the store from connection
// settings. Callers own the client and should close it on shutdown.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis idempotency check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.client.SetNX(ctx, keyPrefix+id, "1", clampTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis idempotency mark failed: %w", err)
	}
	return nil
}
