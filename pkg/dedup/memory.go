package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process idempotency store. Expiry is checked against
// the wall clock on read; physical reclamation only happens via Sweep, which
// callers must run periodically to bound memory.
//
// Seen-then-Mark from concurrent processes is not atomic here; only the Redis
// variant is safe across router instances.
type MemoryStore struct {
	expires map[string]time.Time
	mu      sync.Mutex
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.expires[id]
	if !ok {
		return false, nil
	}
	return s.now().Before(expiresAt), nil
}

func (s *MemoryStore) Mark(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[id] = s.now().Add(clampTTL(ttl))
	return nil
}

// Sweep drops expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, expiresAt := range s.expires {
		if !now.Before(expiresAt) {
			delete(s.expires, id)
			removed++
		}
	}
	return removed
}

// Len reports live record count, including not-yet-swept expired entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}
