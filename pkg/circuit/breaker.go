// Package circuit provides a failure-rate gate protecting downstream handlers.
package circuit

import (
	"sync"
	"time"
)

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	Timeout          time.Duration `json:"timeout"`           // How long the breaker stays open
}

// DefaultConfig provides reasonable defaults for breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	Timeout:          30 * time.Second,
}

// Breaker gates handler invocation. It is open while the consecutive failure
// count is at or above the threshold and the open window has not elapsed.
// Closing is purely time-based: the router never probes an open breaker, so a
// success cannot close it early. A success after the window resets the count.
//
// Scope is one router instance; breaker state is never shared across
// processes.
type Breaker struct {
	config       Config
	failureCount int
	openedAt     time.Time
	mu           sync.Mutex
	now          func() time.Time
}

func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig.Timeout
	}
	return &Breaker{config: config, now: time.Now}
}

// IsOpen reports whether calls should currently be rejected.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount >= b.config.FailureThreshold &&
		b.now().Sub(b.openedAt) < b.config.Timeout
}

// RecordSuccess resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
}

// RecordFailure increments the counter. The failure that reaches the
// threshold opens the breaker; failures while already at or above it refresh
// the open window, so a failed post-timeout probe re-opens immediately.
// Returns true when this call (re)opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	if b.failureCount >= b.config.FailureThreshold {
		b.openedAt = b.now()
		return true
	}
	return false
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// WithClock overrides the breaker's clock (tests only).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}
