// ABOUTME: Redis pub/sub bus so every process serving a conversation sees its messages
// ABOUTME: Topics are prefixed channel names; publish errors propagate to the caller

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces conversation channels
const DefaultRedisPrefix = "parlor:conv:"

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// NewRedisBus connects to the Redis server at url and verifies it answers.
func NewRedisBus(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisBusFromClient(client, prefix, logger), nil
}

// NewRedisBusFromClient wraps an existing client. The bus owns the client and
// closes it in Close.
func NewRedisBusFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "bus", "driver", "redis"),
		subs:   make(map[*Subscription]struct{}),
	}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

// Publish sends payload on the topic's channel
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription for topic. It returns once the server
// has confirmed the subscription, so anything published afterwards is seen.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	out := make(chan []byte, subscriberBufferSize)
	var sub *Subscription
	sub = newSubscription(topic, out, func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("closing pubsub", "topic", topic, "error", err)
		}
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.forward(pubsub.Channel(), out, sub)
	sub.closeOnCancel(ctx)

	b.logger.Debug("subscriber added", "topic", topic)
	return sub, nil
}

// forward copies Redis messages into the subscription channel in order.
// It blocks on a full subscriber rather than dropping, so per-topic order and
// completeness hold for a consumer that keeps up eventually.
func (b *RedisBus) forward(msgs <-chan *redis.Message, out chan<- []byte, sub *Subscription) {
	defer close(out)
	for {
		select {
		case <-sub.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-sub.Done():
				return
			}
		}
	}
}

// Ping checks connectivity to Redis
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close ends every subscription and closes the client
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
