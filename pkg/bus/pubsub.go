package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"

	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
	"agentbus/pkg/proto"
)

// wildcardTopicName is the physical topic used for envelopes without a topic.
// Pub/Sub topic IDs cannot contain "*", so the wildcard gets a literal name.
const wildcardTopicName = "wildcard"

// PubSubConfig holds configuration for the GCP Pub/Sub transport.
type PubSubConfig struct {
	ProjectID           string
	TopicPrefix         string
	SubscriptionPrefix  string
	AckDeadline         time.Duration
	DeadLetterTopic     string // empty disables dead-lettering
	MaxDeliveryAttempts int    // used only when DeadLetterTopic is set
}

// PubSubBus is the GCP Pub/Sub transport. Topics and subscriptions are created
// lazily when first used. A message is acked only after every matching handler
// completes successfully; any handler error, or a parse/validation failure,
// nacks it and leaves redelivery to the backend's own retry policy.
//
// Wildcard subscriptions receive two kinds of traffic: envelopes published
// without a topic (via the dedicated wildcard topic) and envelopes on any
// topic this bus instance holds a physical subscription for.
type PubSubBus struct {
	client    *pubsub.Client
	cfg       PubSubConfig
	subs      map[string][]*pubsubSub // logical topic -> subscriptions
	receivers map[string]context.CancelFunc
	topics    map[string]*pubsub.Topic
	nextID    int
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logx.Logger
	recorder  metrics.Recorder
}

type pubsubSub struct {
	id      int
	topic   string
	handler Handler
	filter  Filter
}

// NewPubSubBus connects to GCP Pub/Sub using application default credentials.
func NewPubSubBus(ctx context.Context, cfg PubSubConfig, recorder metrics.Recorder) (*PubSubBus, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	busCtx, cancel := context.WithCancel(context.Background())
	return &PubSubBus{
		client:    client,
		cfg:       cfg,
		subs:      make(map[string][]*pubsubSub),
		receivers: make(map[string]context.CancelFunc),
		topics:    make(map[string]*pubsub.Topic),
		ctx:       busCtx,
		cancel:    cancel,
		logger:    logx.NewLogger("bus-pubsub"),
		recorder:  recorder,
	}, nil
}

func (b *PubSubBus) topicID(topic string) string {
	if topic == proto.TopicWildcard {
		topic = wildcardTopicName
	}
	return b.cfg.TopicPrefix + topic
}

func (b *PubSubBus) subscriptionID(topic string) string {
	if topic == proto.TopicWildcard {
		topic = wildcardTopicName
	}
	return b.cfg.SubscriptionPrefix + topic
}

// ensureTopic creates the topic if absent and caches the handle.
func (b *PubSubBus) ensureTopic(ctx context.Context, id string) (*pubsub.Topic, error) {
	b.mu.RLock()
	t, ok := b.topics[id]
	b.mu.RUnlock()
	if ok {
		return t, nil
	}

	t = b.client.Topic(id)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", id, err)
	}
	if !exists {
		if t, err = b.client.CreateTopic(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to create topic %s: %w", id, err)
		}
		b.logger.Info("created topic %s", id)
	}

	b.mu.Lock()
	b.topics[id] = t
	b.mu.Unlock()
	return t, nil
}

// ensureSubscription creates the subscription if absent, wiring the configured
// ack deadline and optional dead-letter policy.
func (b *PubSubBus) ensureSubscription(ctx context.Context, topic *pubsub.Topic, id string) (*pubsub.Subscription, error) {
	sub := b.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", id, err)
	}
	if exists {
		return sub, nil
	}

	subCfg := pubsub.SubscriptionConfig{Topic: topic}
	if b.cfg.AckDeadline > 0 {
		subCfg.AckDeadline = b.cfg.AckDeadline
	}
	if b.cfg.DeadLetterTopic != "" {
		dlt, err := b.ensureTopic(ctx, b.cfg.DeadLetterTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to ensure dead-letter topic: %w", err)
		}
		attempts := b.cfg.MaxDeliveryAttempts
		if attempts <= 0 {
			attempts = 5
		}
		subCfg.DeadLetterPolicy = &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     dlt.String(),
			MaxDeliveryAttempts: attempts,
		}
	}

	sub, err = b.client.CreateSubscription(ctx, id, subCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", id, err)
	}
	b.logger.Info("created subscription %s", id)
	return sub, nil
}

func (b *PubSubBus) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope rejected at publish: %w", err)
	}
	data, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize envelope %s: %w", env.ID, err)
	}

	topic, err := b.ensureTopic(ctx, b.topicID(topicKey(env)))
	if err != nil {
		return err
	}

	start := time.Now()
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish to %s failed: %w", topic.ID(), err)
	}
	b.recorder.ObservePublish("pubsub", topicKey(env), time.Since(start))
	return nil
}

func (b *PubSubBus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) (Unsubscribe, error) {
	if topic == "" {
		topic = proto.TopicWildcard
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	o := applyOptions(opts)

	b.mu.Lock()
	b.nextID++
	sub := &pubsubSub{id: b.nextID, topic: topic, handler: handler, filter: o.filter}
	b.subs[topic] = append(b.subs[topic], sub)
	needReceiver := b.receivers[topic] == nil
	b.mu.Unlock()

	if needReceiver {
		if err := b.startReceiver(topic); err != nil {
			b.removeSub(topic, sub.id)
			return nil, err
		}
	}
	return func() { b.removeSub(topic, sub.id) }, nil
}

func (b *PubSubBus) startReceiver(topic string) error {
	t, err := b.ensureTopic(b.ctx, b.topicID(topic))
	if err != nil {
		return err
	}
	sub, err := b.ensureSubscription(b.ctx, t, b.subscriptionID(topic))
	if err != nil {
		return err
	}

	recvCtx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.receivers[topic] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := sub.Receive(recvCtx, func(ctx context.Context, m *pubsub.Message) {
			b.handleMessage(ctx, topic, m)
		})
		if err != nil && recvCtx.Err() == nil {
			b.logger.Error("receiver for topic %q stopped: %v", topic, err)
		}
	}()
	return nil
}

func (b *PubSubBus) handleMessage(ctx context.Context, topic string, m *pubsub.Message) {
	env, err := proto.FromJSON(m.Data)
	if err != nil {
		b.logger.Warn("nacking unparseable message on %s: %v", topic, err)
		m.Nack()
		return
	}
	if err := env.Validate(); err != nil {
		b.logger.Warn("nacking invalid envelope %s on %s: %v", env.ID, topic, err)
		m.Nack()
		return
	}

	b.mu.RLock()
	matched := make([]*pubsubSub, 0, len(b.subs[topic]))
	matched = append(matched, b.subs[topic]...)
	if topic != proto.TopicWildcard {
		matched = append(matched, b.subs[proto.TopicWildcard]...)
	}
	b.mu.RUnlock()

	start := time.Now()
	var wg sync.WaitGroup
	var anyFailed atomic.Bool
	for _, sub := range matched {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		wg.Add(1)
		go func(s *pubsubSub) {
			defer wg.Done()
			if err := s.handler(ctx, env); err != nil {
				b.logger.Warn("handler for topic %q failed on envelope %s: %v", s.topic, env.ID, err)
				anyFailed.Store(true)
			}
		}(sub)
	}
	wg.Wait()
	b.recorder.ObserveConsume("pubsub", topic, time.Since(start))

	// Ack only when every matching handler succeeded; otherwise let the
	// backend redeliver (and eventually dead-letter, when configured).
	if anyFailed.Load() {
		m.Nack()
	} else {
		m.Ack()
	}
}

func (b *PubSubBus) removeSub(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		if cancel, ok := b.receivers[topic]; ok {
			cancel()
			delete(b.receivers, topic)
		}
	}
}

func (b *PubSubBus) Close() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.topics = make(map[string]*pubsub.Topic)
	b.mu.Unlock()

	return b.client.Close()
}
