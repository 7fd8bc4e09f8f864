// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	users         map[string]*User         // keyed by user ID
	usernames     map[string]string        // username -> user ID
	ais           map[string]*AI           // keyed by AI ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		users:         make(map[string]*User),
		usernames:     make(map[string]string),
		ais:           make(map[string]*AI),
	}
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = append([]string{}, c.Participants...)
	cp.History = append([]HistoryEntry{}, c.History...)
	return &cp
}

func withEntryID(e HistoryEntry) HistoryEntry {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	return e
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.Type == "" {
		conv.Type = ConversationDirect
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	for i := range conv.History {
		conv.History[i] = withEntryID(conv.History[i])
	}

	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversationsForUser returns the participant's conversations, newest first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			result = append(result, copyConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// SetConversationHistory replaces the history and optionally the interrupted flag.
func (m *MockStore) SetConversationHistory(ctx context.Context, id string, history []HistoryEntry, interrupted *bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	c.History = make([]HistoryEntry, len(history))
	for i, e := range history {
		c.History[i] = withEntryID(e)
	}
	if interrupted != nil {
		c.Interrupted = *interrupted
	}
	return true, nil
}

// AppendHistory appends one entry.
func (m *MockStore) AppendHistory(ctx context.Context, id string, entry HistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	c.History = append(c.History, withEntryID(entry))
	return true, nil
}

// AppendHistoryIf appends one entry while not interrupted and at the given generation.
func (m *MockStore) AppendHistoryIf(ctx context.Context, id string, entry HistoryEntry, generation int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok || c.Interrupted {
		return false, nil
	}
	if generation > 0 && c.Generation != generation {
		return false, nil
	}
	c.History = append(c.History, withEntryID(entry))
	return true, nil
}

// UpsertSystemEntry rewrites the first system entry or prepends one.
func (m *MockStore) UpsertSystemEntry(ctx context.Context, id string, content string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	for i := range c.History {
		if c.History[i].Role == RoleSystem {
			c.History[i].Content = content
			return true, nil
		}
	}
	entry := withEntryID(HistoryEntry{Role: RoleSystem, Content: content})
	c.History = append([]HistoryEntry{entry}, c.History...)
	return true, nil
}

// SetInterrupted sets the interrupted flag.
func (m *MockStore) SetInterrupted(ctx context.Context, id string, interrupted bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return false, nil
	}
	c.Interrupted = interrupted
	return true, nil
}

// BeginTurn marks the conversation interrupted and advances its generation.
func (m *MockStore) BeginTurn(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.Interrupted = true
	c.Generation++
	return c.Generation, nil
}

// FinishTurn clears the interrupted flag if still at generation.
func (m *MockStore) FinishTurn(ctx context.Context, id string, generation int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok || c.Generation != generation {
		return false, nil
	}
	c.Interrupted = false
	return true, nil
}

// DeleteConversation removes a conversation. Only tests need this; the
// service never deletes conversations.
func (m *MockStore) DeleteConversation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			return ErrDuplicate
		}
	}

	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

// ListMessages returns the most recent limit messages in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	msgs := m.messages[conversationID]
	start := 0
	if len(msgs) > limit {
		start = len(msgs) - limit
	}

	result := make([]*Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usernames[user.Username]; taken {
		return ErrDuplicate
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	cp := *user
	m.users[cp.ID] = &cp
	m.usernames[cp.Username] = cp.ID
	return nil
}

// GetUserByID retrieves a user by ID.
func (m *MockStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

// CreateAI stores a new AI persona.
func (m *MockStore) CreateAI(ctx context.Context, ai *AI) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ai.ID == "" {
		ai.ID = uuid.New().String()
	}
	if _, exists := m.ais[ai.ID]; exists {
		return ErrDuplicate
	}
	if ai.CreatedAt.IsZero() {
		ai.CreatedAt = time.Now().UTC()
	}
	if ai.Personality == "" {
		ai.Personality = DefaultPersonality
	}

	cp := *ai
	m.ais[cp.ID] = &cp
	return nil
}

// GetAIByID retrieves an AI persona by ID.
func (m *MockStore) GetAIByID(ctx context.Context, id string) (*AI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ai, ok := m.ais[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ai
	return &cp, nil
}

// ListAIs returns all AI personas ordered by name.
func (m *MockStore) ListAIs(ctx context.Context) ([]*AI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*AI, 0, len(m.ais))
	for _, ai := range m.ais {
		cp := *ai
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
