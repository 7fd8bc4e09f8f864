// ABOUTME: In-memory fan-out bus for single-process deployments and tests
// ABOUTME: Slow subscribers drop payloads rather than block publishers

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// MemoryBus provides in-process pub/sub keyed by topic.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewMemoryBus creates a bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger.With("component", "bus", "driver", "memory"),
	}
}

// Subscribe registers a subscriber for payloads on topic.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan []byte)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	sub := newSubscription(topic, ch, func() { b.unsubscribe(topic, subID) })
	sub.closeOnCancel(ctx)
	return sub, nil
}

// Publish sends payload to all subscribers of topic.
// Non-blocking: payloads are dropped for subscribers whose channels are full.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for id, ch := range b.subscribers[topic] {
		select {
		case ch <- payload:
		default:
			b.logger.Warn("dropped payload for slow subscriber", "topic", topic, "sub_id", id)
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions on topic
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// unsubscribe removes a subscription and closes its channel.
func (b *MemoryBus) unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("bus closed")
	return nil
}

var _ Bus = (*MemoryBus)(nil)
