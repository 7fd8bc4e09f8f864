// ABOUTME: Broadcast bus contract and wire message encoding
// ABOUTME: One topic per conversation; payloads are forwarded to subscribers verbatim

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/parlor/internal/store"
)

// ErrClosed is returned by Subscribe and Publish after the bus is closed
var ErrClosed = errors.New("bus closed")

// Bus is a topic-per-conversation publish/subscribe backbone.
type Bus interface {
	// Publish delivers payload to every current subscriber of topic, in any process.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe starts receiving payloads for topic. The subscription ends when
	// ctx is cancelled or Close is called on it.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)

	Close() error
}

// Subscription is a live stream of payloads for one topic
type Subscription struct {
	topic   string
	ch      <-chan []byte
	done    chan struct{}
	once    sync.Once
	release func()
}

func newSubscription(topic string, ch <-chan []byte, release func()) *Subscription {
	return &Subscription{
		topic:   topic,
		ch:      ch,
		done:    make(chan struct{}),
		release: release,
	}
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// C yields payloads until the subscription ends, then is closed
func (s *Subscription) C() <-chan []byte { return s.ch }

// Done is closed once Close has been called
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes at the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.release()
	})
}

// closeOnCancel ends the subscription when ctx is cancelled
func (s *Subscription) closeOnCancel(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

// Message is the wire form of a chat message on the bus and on live connections
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         string     `json:"sender"`
	Role           store.Role `json:"role"`
	Content        string     `json:"content"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Encode marshals a wire message
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a wire message
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// PublishMessage encodes msg and publishes it on its conversation's topic
func PublishMessage(ctx context.Context, b Bus, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return b.Publish(ctx, msg.ConversationID, data)
}

// FromEntry builds the wire message for a history entry of a conversation
func FromEntry(conversationID string, e store.HistoryEntry) Message {
	msg := Message{
		ID:             e.ID,
		ConversationID: conversationID,
		Sender:         e.Sender,
		Role:           e.Role,
		Content:        e.Content,
	}
	if e.Timestamp != nil {
		msg.Timestamp = *e.Timestamp
	}
	return msg
}
