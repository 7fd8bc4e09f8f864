// ABOUTME: Store interfaces and document types for parlor persistence
// ABOUTME: Defines Conversation, HistoryEntry, Message, User and AI plus the Store contract

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose unique key already exists
var ErrDuplicate = errors.New("already exists")

// ConversationType distinguishes direct, group and AI conversations
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
	ConversationAI     ConversationType = "ai"
)

// ParseConversationType normalises a client-supplied conversation type.
// "dm" and "" are accepted as direct.
func ParseConversationType(s string) (ConversationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dm", "direct":
		return ConversationDirect, nil
	case "group":
		return ConversationGroup, nil
	case "ai":
		return ConversationAI, nil
	default:
		return "", fmt.Errorf("unknown conversation type %q", s)
	}
}

// Role is the author role of a history entry
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one element of a conversation's ordered history
type HistoryEntry struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Sender    string     `json:"sender,omitempty"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Conversation is the persisted conversation document.
// Generation is incremented each time an AI turn begins; chunk plans carry
// the generation they were computed for so stale deliveries are detectable.
type Conversation struct {
	ID           string           `json:"id"`
	Participants []string         `json:"participants"`
	Type         ConversationType `json:"conversation_type"`
	History      []HistoryEntry   `json:"history"`
	Interrupted  bool             `json:"interrupted"`
	Generation   int64            `json:"generation"`
	CreatedAt    time.Time        `json:"created_at"`
}

// HasParticipant reports whether id is one of the conversation's participants
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// LastUserIndex returns the index of the most recent user entry, or -1
func (c *Conversation) LastUserIndex() int {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// AnsweredSince reports whether an assistant entry follows history index i
func (c *Conversation) AnsweredSince(i int) bool {
	for j := i + 1; j < len(c.History); j++ {
		if c.History[j].Role == RoleAssistant {
			return true
		}
	}
	return false
}

// HasSystemEntry reports whether the history already carries a system entry
func (c *Conversation) HasSystemEntry() bool {
	for _, e := range c.History {
		if e.Role == RoleSystem {
			return true
		}
	}
	return false
}

// Message is the audit copy of an inbound chat frame
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// User is a human participant
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// DefaultPersonality is used for AI personas created without one
const DefaultPersonality = "friendly"

// AI is an AI persona participant
type AI struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Age         *int      `json:"age,omitempty"`
	Personality string    `json:"personality"`
	Details     string    `json:"details"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConversationStore persists conversations, their history and inbound messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)

	// SetConversationHistory replaces the whole history field, and the
	// interrupted flag when interrupted is non-nil. Reports false when the
	// conversation no longer exists.
	SetConversationHistory(ctx context.Context, id string, history []HistoryEntry, interrupted *bool) (bool, error)

	// AppendHistory atomically appends one entry.
	AppendHistory(ctx context.Context, id string, entry HistoryEntry) (bool, error)

	// AppendHistoryIf atomically appends one entry only while the conversation
	// is not interrupted and, when generation > 0, still at that generation.
	AppendHistoryIf(ctx context.Context, id string, entry HistoryEntry, generation int64) (bool, error)

	// UpsertSystemEntry replaces the first system entry in place, or inserts
	// one at position 0.
	UpsertSystemEntry(ctx context.Context, id string, content string) (bool, error)

	SetInterrupted(ctx context.Context, id string, interrupted bool) (bool, error)

	// BeginTurn marks the conversation interrupted and increments its
	// generation, returning the new generation.
	BeginTurn(ctx context.Context, id string) (int64, error)

	// FinishTurn clears the interrupted flag if the conversation is still at
	// the given generation.
	FinishTurn(ctx context.Context, id string, generation int64) (bool, error)

	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// UserStore persists human users
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// AIStore persists AI personas
type AIStore interface {
	CreateAI(ctx context.Context, ai *AI) error
	GetAIByID(ctx context.Context, id string) (*AI, error)
	ListAIs(ctx context.Context) ([]*AI, error)
}

// Store is the full document store
type Store interface {
	ConversationStore
	UserStore
	AIStore

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
