// Package router consumes envelopes from the bus, authenticates and dedups
// them, and executes the registered handler for each resolved target under
// retry and circuit-breaker control.
package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"agentbus/pkg/bus"
	"agentbus/pkg/circuit"
	"agentbus/pkg/dedup"
	"agentbus/pkg/eventlog"
	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/proto"
	"agentbus/pkg/signing"
)

// Handler processes one envelope delivered to a target agent.
type Handler func(ctx context.Context, env *proto.Envelope) error

// RetryConfig controls per-target delivery attempts.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"` // Including the initial attempt
	BackoffBase time.Duration `json:"backoff_base"` // base*2^attempt + rand(0,base)
	BackoffMax  time.Duration `json:"backoff_max"`  // Cap on the computed delay
}

// DefaultRetryConfig provides reasonable defaults for delivery retries.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BackoffBase: 100 * time.Millisecond,
	BackoffMax:  10 * time.Second,
}

// SigningConfig enables envelope authentication on receipt.
type SigningConfig struct {
	Provider signing.KeyProvider
	Required bool // Drop unsigned envelopes when true
}

// Config assembles the router's collaborators. Bus is required; everything
// else is optional and disables the corresponding pipeline stage when nil.
type Config struct {
	Retry    RetryConfig
	Breaker  circuit.Config
	Dedup    dedup.Store
	DedupTTL time.Duration
	Signing  *SigningConfig
	Recorder metrics.Recorder
	EventLog *eventlog.Writer
}

// Router owns the agent-handler registry and the per-instance circuit
// breaker. Registries are explicit instance state, never process-global.
type Router struct {
	busRef   bus.Bus
	handlers map[string]Handler
	breaker  *circuit.Breaker
	store    dedup.Store
	dedupTTL time.Duration
	signing  *SigningConfig
	retry    RetryConfig
	recorder metrics.Recorder
	eventLog *eventlog.Writer
	logger   *logx.Logger

	unsubscribe bus.Unsubscribe
	running     bool
	mu          sync.RWMutex

	// Delivery counters for Stats.
	delivered  uint64
	duplicates uint64
	dropped    uint64

	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func New(b bus.Bus, cfg Config) *Router {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NopRecorder{}
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	return &Router{
		busRef:   b,
		handlers: make(map[string]Handler),
		breaker:  circuit.New(cfg.Breaker),
		store:    cfg.Dedup,
		dedupTTL: cfg.DedupTTL,
		signing:  cfg.Signing,
		retry:    cfg.Retry,
		recorder: cfg.Recorder,
		eventLog: cfg.EventLog,
		logger:   logx.NewLogger("router"),
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Jitter, not crypto
	}
}

// Register installs the handler for an agent id or topic name. Registering
// the same target again replaces the previous handler.
func (r *Router) Register(target string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[target] = handler
	r.logger.Info("registered handler for target %q", target)
}

// Unregister removes a target's handler.
func (r *Router) Unregister(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, target)
	r.logger.Info("unregistered handler for target %q", target)
}

// Start subscribes the router to every topic on the bus.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("router is already running")
	}
	unsub, err := r.busRef.Subscribe(proto.TopicWildcard, r.Deliver)
	if err != nil {
		return fmt.Errorf("failed to subscribe router to bus: %w", err)
	}
	r.unsubscribe = unsub
	r.running = true
	r.logger.Info("router started")
	return nil
}

// Stop detaches the router from the bus. Registered handlers survive a
// Stop/Start cycle.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.unsubscribe()
	r.unsubscribe = nil
	r.running = false
	r.logger.Info("router stopped")
}

// Deliver runs the full receive pipeline for one envelope. Per pub/sub
// semantics no per-delivery failure ever propagates to the publisher: every
// drop is silent apart from logs and metrics.
func (r *Router) Deliver(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		r.drop(env, "invalid", "dropping invalid envelope: %v", err)
		return nil
	}

	if !r.authenticate(env) {
		return nil
	}

	if r.store != nil && env.QoS.NeedsDedup() {
		seen, err := r.store.Seen(ctx, env.ID)
		if err != nil {
			r.drop(env, "dedup_error", "idempotency check failed for %s: %v", env.ID, err)
			return nil
		}
		if seen {
			r.mu.Lock()
			r.duplicates++
			r.mu.Unlock()
			r.recorder.IncDuplicate(env.Topic)
			r.logger.Debug("dropping duplicate delivery of %s", env.ID)
			return nil
		}
		// Mark-then-process: a crash between mark and processing can lose
		// one message under at-least-once. Documented tradeoff.
		if err := r.store.Mark(ctx, env.ID, r.dedupTTL); err != nil {
			r.drop(env, "dedup_error", "idempotency mark failed for %s: %v", env.ID, err)
			return nil
		}
	}

	if r.eventLog != nil {
		if err := r.eventLog.WriteEnvelope(env); err != nil {
			r.logger.Error("failed to log envelope %s: %v", env.ID, err)
			// Keep processing even if logging fails.
		}
	}

	for _, target := range env.DeliveryTargets() {
		r.mu.RLock()
		handler, ok := r.handlers[target]
		r.mu.RUnlock()
		if !ok {
			// No handler registered for this target is not an error.
			r.logger.Debug("no handler for target %q, skipping", target)
			continue
		}
		r.deliverWithRetry(ctx, env, target, handler)
	}
	return nil
}

// authenticate applies the signature policy. Failures drop silently so a
// sender can never probe verification outcomes.
func (r *Router) authenticate(env *proto.Envelope) bool {
	if r.signing == nil {
		return true
	}
	if env.Sig == "" {
		if r.signing.Required {
			r.drop(env, "unsigned", "dropping unsigned envelope %s (signing required)", env.ID)
			return false
		}
		return true
	}

	keyID, ok := env.KeyID()
	if !ok {
		keyID = r.signing.Provider.Active().ID
	}
	key, err := r.signing.Provider.Lookup(keyID)
	if err != nil {
		r.drop(env, "bad_signature", "dropping envelope %s: cannot resolve key %q", env.ID, keyID)
		return false
	}
	if !signing.Verify(env, key.Secret) {
		r.drop(env, "bad_signature", "dropping envelope %s: signature verification failed", env.ID)
		return false
	}
	return true
}

// deliverWithRetry attempts the handler up to MaxAttempts times, gated by the
// breaker before every attempt. An open breaker ends this delivery without
// invoking the handler again.
func (r *Router) deliverWithRetry(ctx context.Context, env *proto.Envelope, target string, handler Handler) {
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if r.breaker.IsOpen() {
			r.drop(env, "breaker_open", "breaker open, abandoning delivery of %s to %q", env.ID, target)
			return
		}

		err := handler(ctx, env)
		if err == nil {
			r.breaker.RecordSuccess()
			r.mu.Lock()
			r.delivered++
			r.mu.Unlock()
			r.recorder.IncDelivery(target, "success")
			return
		}

		if r.breaker.RecordFailure() {
			r.recorder.IncBreakerOpen()
		}
		r.logger.Warn("handler for %q failed on envelope %s (attempt %d/%d): %v",
			target, env.ID, attempt+1, r.retry.MaxAttempts, err)

		if attempt+1 < r.retry.MaxAttempts {
			r.recorder.IncRetry(target)
			if err := r.sleep(ctx, r.backoffDelay(attempt)); err != nil {
				r.logger.Warn("retry of %s to %q cancelled: %v", env.ID, target, err)
				return
			}
		}
	}
	r.recorder.IncDelivery(target, "error")
}

// backoffDelay computes base*2^attempt + rand(0,base), capped at BackoffMax.
func (r *Router) backoffDelay(attempt int) time.Duration {
	delay := r.retry.BackoffBase << uint(attempt)
	r.mu.Lock()
	jitter := time.Duration(r.rng.Int63n(int64(r.retry.BackoffBase) + 1))
	r.mu.Unlock()
	delay += jitter
	if delay > r.retry.BackoffMax {
		delay = r.retry.BackoffMax
	}
	return delay
}

func (r *Router) drop(env *proto.Envelope, reason, format string, args ...any) {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	r.recorder.IncDropped(env.Topic, reason)
	r.logger.Warn(format, args...)
}

// Stats returns a snapshot of router state for monitoring endpoints.
func (r *Router) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.handlers))
	for target := range r.handlers {
		targets = append(targets, target)
	}

	return map[string]any{
		"running":            r.running,
		"targets":            targets,
		"delivered":          r.delivered,
		"duplicates_dropped": r.duplicates,
		"dropped":            r.dropped,
		"breaker_open":       r.breaker.IsOpen(),
		"breaker_failures":   r.breaker.FailureCount(),
	}
}

// Breaker exposes the router's circuit breaker (tests and stats).
func (r *Router) Breaker() *circuit.Breaker {
	return r.breaker
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
