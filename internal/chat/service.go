// ABOUTME: Chat turn service: AI turns with chunked delivery and the group responder
// ABOUTME: Record first, then generate; deliveries are handed to the scheduler

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/dedupe"
	"github.com/2389/parlor/internal/llm"
	"github.com/2389/parlor/internal/scheduler"
	"github.com/2389/parlor/internal/store"
)

var (
	ErrAINotFound           = errors.New("ai not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrNotAIConversation    = errors.New("conversation is not an ai conversation")
	ErrEmptyMessage         = errors.New("message must not be empty")
	ErrDeliveryRejected     = errors.New("delivery queue is full")
)

// Store is what the service needs from persistence
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AppendHistory(ctx context.Context, id string, entry store.HistoryEntry) (bool, error)
	UpsertSystemEntry(ctx context.Context, id string, content string) (bool, error)
	BeginTurn(ctx context.Context, id string) (int64, error)
	FinishTurn(ctx context.Context, id string, generation int64) (bool, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	GetAIByID(ctx context.Context, id string) (*store.AI, error)
}

// Generator produces AI text
type Generator interface {
	Reply(ctx context.Context, prompt string, history []store.HistoryEntry) (string, error)
	Decide(ctx context.Context, message string, user *store.User, ai *store.AI, history []store.HistoryEntry) (string, error)
	PlanChunks(ctx context.Context, history []store.HistoryEntry, user *store.User, ai *store.AI, message, intent string) ([]scheduler.Chunk, error)
}

// Deliverer accepts chunk plans for background delivery
type Deliverer interface {
	Deliver(plan scheduler.Plan) bool
}

// Service runs AI turns
type Service struct {
	store     Store
	gen       Generator
	deliverer Deliverer
	bus       bus.Bus
	claims    *dedupe.Claims
	logger    *slog.Logger
}

// New creates a chat Service
func New(st Store, gen Generator, deliverer Deliverer, b bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		gen:       gen,
		deliverer: deliverer,
		bus:       b,
		logger:    logger.With("component", "chat"),
	}
}

// SetClaims makes the group responder claim each user message before
// answering it, so concurrent triggers produce one reply.
func (s *Service) SetClaims(c *dedupe.Claims) {
	s.claims = c
}

// Result is returned by ChatWithAI before any chunk has been delivered
type Result struct {
	ChatID  string               `json:"chat_id"`
	History []store.HistoryEntry `json:"conversation_history"`
}

// ChatWithAI records the user's message in an AI conversation, plans the
// reply and schedules its delivery. An empty chatID starts a new
// conversation. Any delivery still running for the conversation stops at its
// next chunk.
func (s *Service) ChatWithAI(ctx context.Context, userID, aiID, message, chatID string) (*Result, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	ai, err := s.store.GetAIByID(ctx, aiID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAINotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading ai: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	conv, err := s.openConversation(ctx, userID, aiID, chatID)
	if err != nil {
		return nil, err
	}

	generation, err := s.store.BeginTurn(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("beginning turn: %w", err)
	}

	if !conv.HasSystemEntry() {
		if _, err := s.store.UpsertSystemEntry(ctx, conv.ID, llm.PersonaPrompt(ai)); err != nil {
			return nil, fmt.Errorf("writing persona entry: %w", err)
		}
	}

	now := time.Now().UTC()
	userEntry := store.HistoryEntry{
		ID:        ulid.Make().String(),
		Role:      store.RoleUser,
		Sender:    userID,
		Content:   message,
		Timestamp: &now,
	}
	if _, err := s.store.AppendHistory(ctx, conv.ID, userEntry); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	if err := bus.PublishMessage(ctx, s.bus, bus.FromEntry(conv.ID, userEntry)); err != nil {
		s.logger.Warn("failed to publish user message", "conversation_id", conv.ID, "error", err)
	}

	conv, err = s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading conversation: %w", err)
	}

	// On failure below the conversation stays interrupted until the next turn.
	intent, err := s.gen.Decide(ctx, message, user, ai, conv.History)
	if err != nil {
		return nil, fmt.Errorf("deciding reply: %w", err)
	}
	chunks, err := s.gen.PlanChunks(ctx, conv.History, user, ai, message, intent)
	if err != nil {
		return nil, fmt.Errorf("planning reply: %w", err)
	}

	current, err := s.store.FinishTurn(ctx, conv.ID, generation)
	if err != nil {
		return nil, fmt.Errorf("finishing turn: %w", err)
	}

	result := &Result{ChatID: conv.ID, History: conv.History}
	if !current {
		s.logger.Info("turn superseded before delivery",
			"conversation_id", conv.ID,
			"generation", generation,
		)
		return result, nil
	}

	plan := scheduler.Plan{
		ConversationID: conv.ID,
		Generation:     generation,
		Sender:         aiID,
		Chunks:         chunks,
	}
	if !s.deliverer.Deliver(plan) {
		return nil, ErrDeliveryRejected
	}

	s.logger.Debug("turn planned",
		"conversation_id", conv.ID,
		"generation", generation,
		"chunks", len(chunks),
	)
	return result, nil
}

func (s *Service) openConversation(ctx context.Context, userID, aiID, chatID string) (*store.Conversation, error) {
	if chatID == "" {
		conv := &store.Conversation{
			Type:         store.ConversationAI,
			Participants: []string{userID, aiID},
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		s.logger.Info("ai conversation created", "conversation_id", conv.ID, "ai_id", aiID)
		return conv, nil
	}

	conv, err := s.store.GetConversation(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if conv.Type != store.ConversationAI {
		return nil, ErrNotAIConversation
	}
	return conv, nil
}
