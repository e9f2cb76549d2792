package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMarkThenSeen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seen, err := store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Mark(ctx, "msg-1", time.Minute))

	seen, err = store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Mark(ctx, "msg-1", 2*time.Second))

	now = now.Add(time.Second)
	seen, err := store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Second)
	seen, err = store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen, "expired entry must not count as seen")
}

func TestMemoryStoreClampsTinyTTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Mark(ctx, "msg-1", time.Millisecond))

	now = now.Add(500 * time.Millisecond)
	seen, err := store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen, "TTL below the minimum is clamped up to one second")
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Mark(ctx, "old", time.Second))
	require.NoError(t, store.Mark(ctx, "fresh", time.Hour))
	require.Equal(t, 2, store.Len())

	now = now.Add(2 * time.Second)
	removed := store.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}
