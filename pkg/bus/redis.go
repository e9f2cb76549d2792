package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/proto"
)

// channelPrefix namespaces one logical topic per physical Redis channel.
const channelPrefix = "topic-"

// RedisBus is the Redis pub/sub transport. A single shared subscriber
// connection multiplexes every logical subscription; wildcard subscriptions
// ride on a pattern registration. Delivery is fire-and-forget relative to
// Publish: handler failures are logged here and retried, if at all, by the
// router.
type RedisBus struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	subs     map[string][]*redisSub // logical topic -> subscriptions
	refs     map[string]int         // physical channel/pattern -> live sub count
	nextID   int
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *logx.Logger
	recorder metrics.Recorder
}

type redisSub struct {
	id      int
	topic   string
	handler Handler
	filter  Filter
}

// NewRedisBus connects to Redis and starts the shared subscriber loop.
func NewRedisBus(addr, password string, db int, recorder metrics.Recorder) (*RedisBus, error) {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	b := &RedisBus{
		client:   client,
		pubsub:   client.Subscribe(ctx), // channels registered lazily per topic
		subs:     make(map[string][]*redisSub),
		refs:     make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logx.NewLogger("bus-redis"),
		recorder: recorder,
	}
	go b.receive()
	return b, nil
}

func (b *RedisBus) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope rejected at publish: %w", err)
	}
	data, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize envelope %s: %w", env.ID, err)
	}

	channel := channelPrefix + topicKey(env)
	start := time.Now()
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", channel, err)
	}
	b.recorder.ObservePublish("redis", topicKey(env), time.Since(start))
	return nil
}

func (b *RedisBus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (Unsubscribe, error) {
	if topic == "" {
		topic = proto.TopicWildcard
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	o := applyOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()

	physical, pattern := physicalName(topic)
	if b.refs[physical] == 0 {
		var err error
		if pattern {
			err = b.pubsub.PSubscribe(b.ctx, physical)
		} else {
			err = b.pubsub.Subscribe(b.ctx, physical)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to register redis subscription %s: %w", physical, err)
		}
	}
	b.refs[physical]++

	b.nextID++
	sub := &redisSub{id: b.nextID, topic: topic, handler: handler, filter: o.filter}
	b.subs[topic] = append(b.subs[topic], sub)

	return func() { b.remove(topic, sub.id) }, nil
}

// physicalName maps a logical topic to its Redis channel. The wildcard topic
// becomes a pattern registration covering every prefixed channel.
func physicalName(topic string) (name string, pattern bool) {
	if topic == proto.TopicWildcard {
		return channelPrefix + "*", true
	}
	return channelPrefix + topic, false
}

func (b *RedisBus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)

			physical, pattern := physicalName(topic)
			b.refs[physical]--
			if b.refs[physical] <= 0 {
				delete(b.refs, physical)
				var err error
				if pattern {
					err = b.pubsub.PUnsubscribe(b.ctx, physical)
				} else {
					err = b.pubsub.Unsubscribe(b.ctx, physical)
				}
				if err != nil {
					b.logger.Warn("failed to unregister redis subscription %s: %v", physical, err)
				}
			}
			return
		}
	}
}

// receive is the shared consumer loop for all logical subscriptions.
func (b *RedisBus) receive() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		env, err := proto.FromJSON([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping unparseable message on %s: %v", msg.Channel, err)
			continue
		}
		if err := env.Validate(); err != nil {
			b.logger.Warn("dropping invalid envelope %s on %s: %v", env.ID, msg.Channel, err)
			continue
		}

		// Redis notifies once per channel SUBSCRIBE and once per pattern
		// PSUBSCRIBE, so a publish matched by both arrives twice on this
		// connection. The Pattern field tells them apart: a pattern
		// notification serves only the wildcard subscriptions, a plain one
		// only the exact-topic subscriptions.
		topic := strings.TrimPrefix(msg.Channel, channelPrefix)
		start := time.Now()
		b.dispatch(topic, msg.Pattern != "", env)
		b.recorder.ObserveConsume("redis", topic, time.Since(start))
	}
}

func (b *RedisBus) dispatch(topic string, viaPattern bool, env *proto.Envelope) {
	b.mu.RLock()
	key := topic
	if viaPattern {
		key = proto.TopicWildcard
	}
	matched := make([]*redisSub, len(b.subs[key]))
	copy(matched, b.subs[key])
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range matched {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		wg.Add(1)
		go func(s *redisSub) {
			defer wg.Done()
			if err := s.handler(b.ctx, env); err != nil {
				b.logger.Warn("handler for topic %q failed on envelope %s: %v", s.topic, env.ID, err)
			}
		}(sub)
	}
	wg.Wait()
}

func (b *RedisBus) Close() error {
	b.cancel()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Warn("failed to close redis pubsub: %v", err)
	}
	<-b.done
	return b.client.Close()
}
