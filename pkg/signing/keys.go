package signing

import (
	"fmt"
	"sync"
)

// Key is a named HMAC secret.
type Key struct {
	ID     string
	Secret string
}

// KeyProvider exposes exactly one active key for signing outgoing envelopes
// and a lookup by id for verifying envelopes signed with a historical key.
// Rotation installs a new active key without breaking in-flight verification.
type KeyProvider interface {
	// Active returns the key used to sign outgoing envelopes.
	Active() Key

	// Lookup resolves a key by id.
	Lookup(keyID string) (Key, error)
}

// MemoryKeyProvider keeps the active key and rotation history in memory.
type MemoryKeyProvider struct {
	active Key
	keys   map[string]Key
	mu     sync.RWMutex
}

// NewMemoryKeyProvider creates a provider with a single active key.
func NewMemoryKeyProvider(active Key) *MemoryKeyProvider {
	return &MemoryKeyProvider{
		active: active,
		keys:   map[string]Key{active.ID: active},
	}
}

func (p *MemoryKeyProvider) Active() Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

func (p *MemoryKeyProvider) Lookup(keyID string) (Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[keyID]
	if !ok {
		return Key{}, fmt.Errorf("key not found: %s", keyID)
	}
	return key, nil
}

// Rotate installs a new active key. The previous key stays resolvable so
// envelopes signed before the rotation still verify.
func (p *MemoryKeyProvider) Rotate(next Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[next.ID] = next
	p.active = next
}
