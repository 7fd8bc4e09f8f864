// ABOUTME: Group responder: the group's AI participant answers the latest user message
// ABOUTME: Runs on the worker pool after a human posts into a group conversation

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/dedupe"
	"github.com/2389/parlor/internal/llm"
	"github.com/2389/parlor/internal/store"
)

// RespondToGroup generates one AI reply to the most recent user message of a
// group conversation. It does nothing for other conversation types, groups
// without an AI participant, or a user message that already has a reply.
func (s *Service) RespondToGroup(ctx context.Context, conversationID string) (err error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("group conversation vanished", "conversation_id", conversationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Type != store.ConversationGroup {
		return nil
	}

	ai := s.groupAI(ctx, conv)
	if ai == nil {
		s.logger.Debug("group has no ai participant", "conversation_id", conversationID)
		return nil
	}

	names := llm.ParticipantNames(ctx, s.store, conv.Participants)
	if _, err := s.store.UpsertSystemEntry(ctx, conv.ID, llm.GroupPrompt(ai, names)); err != nil {
		return fmt.Errorf("writing group prompt: %w", err)
	}

	conv, err = s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reloading conversation: %w", err)
	}

	idx := conv.LastUserIndex()
	if idx < 0 {
		return nil
	}
	last := conv.History[idx]
	if conv.AnsweredSince(idx) {
		// A slow reply to an earlier message that lands after this one also
		// counts, so this entry_id may never get a reply of its own.
		s.logger.Debug("latest message already answered",
			"conversation_id", conv.ID,
			"entry_id", last.ID,
			"entries_after", len(conv.History)-idx-1,
		)
		return nil
	}
	content := strings.TrimSpace(last.Content)
	if content == "" {
		return nil
	}

	if s.claims != nil {
		key := dedupe.Key(conv.ID, last.ID)
		if !s.claims.Claim(key) {
			s.logger.Debug("reply already in progress", "conversation_id", conv.ID, "entry_id", last.ID)
			return nil
		}
		// a failed attempt may be retried by the next trigger
		defer func() {
			if err != nil {
				s.claims.Release(key)
			}
		}()
	}

	sender := ""
	if last.Sender != "" {
		sender = llm.ParticipantName(ctx, s.store, last.Sender)
	}

	reply, err := s.gen.Reply(ctx, llm.GroupInput(ai.Name, sender, content), conv.History)
	if err != nil {
		return fmt.Errorf("generating group reply: %w", err)
	}

	now := time.Now().UTC()
	entry := store.HistoryEntry{
		ID:        ulid.Make().String(),
		Role:      store.RoleAssistant,
		Sender:    ai.ID,
		Content:   reply,
		Timestamp: &now,
	}
	ok, err := s.store.AppendHistory(ctx, conv.ID, entry)
	if err != nil {
		return fmt.Errorf("recording group reply: %w", err)
	}
	if !ok {
		return nil
	}

	if err := bus.PublishMessage(ctx, s.bus, bus.FromEntry(conv.ID, entry)); err != nil {
		return fmt.Errorf("publishing group reply: %w", err)
	}

	s.logger.Info("group reply sent", "conversation_id", conv.ID, "ai_id", ai.ID)
	return nil
}

// groupAI returns the first participant that resolves to an AI persona
func (s *Service) groupAI(ctx context.Context, conv *store.Conversation) *store.AI {
	for _, id := range conv.Participants {
		ai, err := s.store.GetAIByID(ctx, id)
		if err == nil {
			return ai
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("ai lookup failed", "participant", id, "error", err)
		}
	}
	return nil
}
