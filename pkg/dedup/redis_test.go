package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreMarkThenSeen(t *testing.T) {
	store := NewRedisStore(testRedisClient(t))
	ctx := context.Background()
	id := uuid.NewString()

	seen, err := store.Seen(ctx, id)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Mark(ctx, id, time.Minute))

	seen, err = store.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisStoreExpiry(t *testing.T) {
	store := NewRedisStore(testRedisClient(t))
	ctx := context.Background()
	id := uuid.NewString()

	// Sub-second TTLs are clamped to the one second minimum
	require.NoError(t, store.Mark(ctx, id, 100*time.Millisecond))

	seen, err := store.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)

	require.Eventually(t, func() bool {
		seen, err := store.Seen(ctx, id)
		return err == nil && !seen
	}, 3*time.Second, 100*time.Millisecond)
}
