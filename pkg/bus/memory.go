package bus

import (
	"context"
	"fmt"
	"sync"

	"agentbus/pkg/logx"
	"agentbus/pkg/proto"
)

// MemoryBus is the in-process transport: direct function dispatch with no
// serialization. Publish fans out to every handler registered for the
// envelope's topic plus every wildcard handler, starts them all concurrently,
// and returns only after the last one finishes.
type MemoryBus struct {
	subs   map[string][]*memorySub // topic -> subscriptions
	nextID int
	closed bool
	mu     sync.RWMutex
	logger *logx.Logger
}

type memorySub struct {
	id      int
	topic   string
	handler Handler
	filter  Filter
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySub),
		logger: logx.NewLogger("bus-memory"),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope rejected at publish: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	key := topicKey(env)
	matched := make([]*memorySub, 0, len(b.subs[key]))
	matched = append(matched, b.subs[key]...)
	if key != proto.TopicWildcard {
		matched = append(matched, b.subs[proto.TopicWildcard]...)
	}
	b.mu.RUnlock()

	// All handlers are started before any is awaited.
	var wg sync.WaitGroup
	for _, sub := range matched {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		wg.Add(1)
		go func(s *memorySub) {
			defer wg.Done()
			if err := s.handler(ctx, env); err != nil {
				b.logger.Warn("handler for topic %q failed on envelope %s: %v", s.topic, env.ID, err)
			}
		}(sub)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (Unsubscribe, error) {
	if topic == "" {
		topic = proto.TopicWildcard
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	o := applyOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	b.nextID++
	sub := &memorySub{id: b.nextID, topic: topic, handler: handler, filter: o.filter}
	b.subs[topic] = append(b.subs[topic], sub)

	return func() { b.remove(topic, sub.id) }, nil
}

func (b *MemoryBus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySub)
	return nil
}

// SubscriberCount reports live subscriptions for a topic (tests and stats).
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
