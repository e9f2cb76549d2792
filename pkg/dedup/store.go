// Package dedup tracks recently-seen envelope ids so at-least-once transports
// can be consumed idempotently.
package dedup

import (
	"context"
	"time"
)

// MinTTL is the floor applied to Mark TTLs.
const MinTTL = time.Second

// Store is the idempotency contract. An id is "seen" only while its TTL has
// not elapsed; expired records are logically absent even before any sweep.
type Store interface {
	// Seen reports whether the id was marked and has not yet expired.
	Seen(ctx context.Context, id string) (bool, error)

	// Mark records the id for at least ttl (clamped to MinTTL).
	Mark(ctx context.Context, id string, ttl time.Duration) error
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}
