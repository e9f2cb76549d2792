// Package bus provides the message transport abstraction and its three
// interchangeable implementations: in-process, Redis pub/sub, and GCP
// Pub/Sub. The router and everything above it are written against the Bus
// interface and never see which backend is active.
package bus

import (
	"context"

	"agentbus/pkg/proto"
)

// Handler consumes one delivered envelope. A non-nil error is a transport-level
// signal only; retry policy lives in the router, not here.
type Handler func(ctx context.Context, env *proto.Envelope) error

// Filter suppresses individual deliveries without removing the subscription.
// Returning false skips the handler for that envelope.
type Filter func(env *proto.Envelope) bool

// Unsubscribe removes the subscription it was returned for. Safe to call more
// than once.
type Unsubscribe func()

// Bus is the transport contract. All implementations validate envelopes
// against the schema on publish (error to caller) and on receipt (invalid
// envelopes dropped before any handler runs).
type Bus interface {
	Publish(ctx context.Context, env *proto.Envelope) error
	Subscribe(topic string, handler Handler, opts ...SubscribeOption) (Unsubscribe, error)
	Close() error
}

// SubscribeOption customizes a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	filter Filter
}

// WithFilter attaches a delivery filter to the subscription.
func WithFilter(f Filter) SubscribeOption {
	return func(o *subscribeOptions) {
		o.filter = f
	}
}

func applyOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// topicKey normalizes an envelope's topic for subscription matching: an
// absent topic matches the wildcard.
func topicKey(env *proto.Envelope) string {
	if env.Topic == "" {
		return proto.TopicWildcard
	}
	return env.Topic
}
