package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbus/pkg/bus"
	"agentbus/pkg/circuit"
	"agentbus/pkg/dedup"
	"agentbus/pkg/proto"
	"agentbus/pkg/signing"
)

func noSleep(r *Router) *Router {
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func taskEnvelope(t *testing.T, qos proto.QoS, to ...string) *proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(proto.MsgTypeTASK, qos, "test-sender", map[string]string{"work": "x"})
	require.NoError(t, err)
	env.To = proto.Recipients(to)
	return env
}

func TestRouterDeliversToRegisteredTarget(t *testing.T) {
	b := bus.NewMemoryBus()
	r := New(b, Config{})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "worker")))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouterSkipsUnresolvableTargets(t *testing.T) {
	b := bus.NewMemoryBus()
	r := New(b, Config{})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	// Unknown targets are skipped without failing the known one
	env := taskEnvelope(t, proto.AtMostOnce, "ghost", "worker")
	require.NoError(t, b.Publish(context.Background(), env))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouterDropsDuplicateIDs(t *testing.T) {
	b := bus.NewMemoryBus()
	r := New(b, Config{Dedup: dedup.NewMemoryStore()})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	env := taskEnvelope(t, proto.AtLeastOnce, "worker")
	require.NoError(t, b.Publish(context.Background(), env))
	require.NoError(t, b.Publish(context.Background(), env.Clone()))

	assert.Equal(t, int32(1), hits.Load(), "second delivery of the same id must be dropped")

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats["delivered"])
	assert.Equal(t, uint64(1), stats["duplicates_dropped"])
}

func TestRouterAtMostOnceSkipsDedup(t *testing.T) {
	b := bus.NewMemoryBus()
	r := New(b, Config{Dedup: dedup.NewMemoryStore()})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	env := taskEnvelope(t, proto.AtMostOnce, "worker")
	require.NoError(t, b.Publish(context.Background(), env))
	require.NoError(t, b.Publish(context.Background(), env.Clone()))

	assert.Equal(t, int32(2), hits.Load(), "at-most-once redelivery is not deduplicated")
}

func TestRouterRetriesThenSucceeds(t *testing.T) {
	b := bus.NewMemoryBus()
	r := noSleep(New(b, Config{
		Retry: RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
	}))

	var calls atomic.Int32
	r.Register("flaky", func(_ context.Context, _ *proto.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "flaky")))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(1), r.Stats()["delivered"])
}

func TestRouterExhaustsRetries(t *testing.T) {
	b := bus.NewMemoryBus()
	r := noSleep(New(b, Config{
		Retry:   RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
		Breaker: circuit.Config{FailureThreshold: 100, Timeout: time.Minute},
	}))

	var calls atomic.Int32
	r.Register("broken", func(_ context.Context, _ *proto.Envelope) error {
		calls.Add(1)
		return errors.New("permanent")
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "broken")))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(0), r.Stats()["delivered"])
}

func TestRouterBreakerStopsDeliveries(t *testing.T) {
	b := bus.NewMemoryBus()
	r := noSleep(New(b, Config{
		Retry:   RetryConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
		Breaker: circuit.Config{FailureThreshold: 5, Timeout: time.Minute},
	}))

	var calls atomic.Int32
	r.Register("down", func(_ context.Context, _ *proto.Envelope) error {
		calls.Add(1)
		return errors.New("service down")
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "down")))
	}
	require.True(t, r.Breaker().IsOpen())

	// Breaker is open: the handler must not run again
	require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "down")))
	assert.Equal(t, int32(5), calls.Load())
}

func TestRouterSigningRequired(t *testing.T) {
	provider := signing.NewMemoryKeyProvider(signing.Key{ID: "key-1", Secret: "s3cret"})
	b := bus.NewMemoryBus()
	r := New(b, Config{Signing: &SigningConfig{Provider: provider, Required: true}})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	unsigned := taskEnvelope(t, proto.AtMostOnce, "worker")
	require.NoError(t, b.Publish(context.Background(), unsigned))
	assert.Equal(t, int32(0), hits.Load(), "unsigned envelope must be dropped")

	sig, err := signing.Sign(unsigned, "s3cret")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), unsigned.WithSig(sig, "key-1")))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouterDropsBadSignature(t *testing.T) {
	provider := signing.NewMemoryKeyProvider(signing.Key{ID: "key-1", Secret: "s3cret"})
	b := bus.NewMemoryBus()
	r := New(b, Config{Signing: &SigningConfig{Provider: provider, Required: true}})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	env := taskEnvelope(t, proto.AtMostOnce, "worker").WithSig("deadbeef", "key-1")
	require.NoError(t, b.Publish(context.Background(), env))
	assert.Equal(t, int32(0), hits.Load())

	env = taskEnvelope(t, proto.AtMostOnce, "worker").WithSig("deadbeef", "key-404")
	require.NoError(t, b.Publish(context.Background(), env))
	assert.Equal(t, int32(0), hits.Load(), "unknown key id must drop the envelope")
}

func TestRouterStopDetachesFromBus(t *testing.T) {
	b := bus.NewMemoryBus()
	r := New(b, Config{})

	var hits atomic.Int32
	r.Register("worker", func(_ context.Context, _ *proto.Envelope) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, r.Start())
	r.Stop()

	require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "worker")))
	assert.Equal(t, int32(0), hits.Load())

	// Handlers survive the stop and work again after a restart
	require.NoError(t, r.Start())
	defer r.Stop()
	require.NoError(t, b.Publish(context.Background(), taskEnvelope(t, proto.AtMostOnce, "worker")))
	assert.Equal(t, int32(1), hits.Load())
}

// TestSignedDedupedDelivery exercises the whole receive pipeline at once:
// a signed at-least-once task is delivered exactly once to its target and a
// redelivery with the same id is dropped.
func TestSignedDedupedDelivery(t *testing.T) {
	const fixedID = "11111111-1111-4111-8111-111111111111"

	provider := signing.NewMemoryKeyProvider(signing.Key{ID: "key-1", Secret: "s3cret"})
	b := bus.NewMemoryBus()
	r := New(b, Config{
		Dedup:   dedup.NewMemoryStore(),
		Signing: &SigningConfig{Provider: provider, Required: true},
	})

	var payloads []string
	r.Register("worker", func(_ context.Context, env *proto.Envelope) error {
		payloads = append(payloads, string(env.Payload))
		return nil
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	env := taskEnvelope(t, proto.AtLeastOnce, "worker")
	env.ID = fixedID
	sig, err := signing.Sign(env, "s3cret")
	require.NoError(t, err)
	signed := env.WithSig(sig, "key-1")

	require.NoError(t, b.Publish(context.Background(), signed))
	require.NoError(t, b.Publish(context.Background(), signed.Clone()))

	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"work":"x"}`, payloads[0])

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats["delivered"])
	assert.Equal(t, uint64(1), stats["duplicates_dropped"])
}
