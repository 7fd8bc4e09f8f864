// ABOUTME: Persona, conversation and AI-turn handlers
// ABOUTME: Conversations are visible to their participants only

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/chat"
	"github.com/2389/parlor/internal/store"
)

type createAIRequest struct {
	Name        string `json:"name"`
	Age         *int   `json:"age,omitempty"`
	Personality string `json:"personality"`
	Details     string `json:"details"`
}

func (h *handler) handleCreateAI(w http.ResponseWriter, r *http.Request) {
	var req createAIRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Age != nil && *req.Age < 0 {
		writeError(w, http.StatusBadRequest, "age must not be negative")
		return
	}

	ai := &store.AI{
		Name:        strings.TrimSpace(req.Name),
		Age:         req.Age,
		Personality: strings.TrimSpace(req.Personality),
		Details:     req.Details,
	}
	if err := h.Store.CreateAI(r.Context(), ai); err != nil {
		h.internalError(w, r, "creating ai", err)
		return
	}
	writeJSON(w, http.StatusCreated, ai)
}

func (h *handler) handleListAIs(w http.ResponseWriter, r *http.Request) {
	ais, err := h.Store.ListAIs(r.Context())
	if err != nil {
		h.internalError(w, r, "listing ais", err)
		return
	}
	if ais == nil {
		ais = []*store.AI{}
	}
	writeJSON(w, http.StatusOK, ais)
}

func (h *handler) handleGetAI(w http.ResponseWriter, r *http.Request) {
	ai, err := h.Store.GetAIByID(r.Context(), chi.URLParam(r, "ai_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "AI not found")
			return
		}
		h.internalError(w, r, "loading ai", err)
		return
	}
	writeJSON(w, http.StatusOK, ai)
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
	Type         string   `json:"conversation_type"`
}

func (h *handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	var req createConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	typ, err := store.ParseConversationType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	participants := []string{ac.UserID}
	seen := map[string]bool{ac.UserID: true}
	for _, id := range req.Participants {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		exists, err := h.participantExists(r, id)
		if err != nil {
			h.internalError(w, r, "checking participant", err)
			return
		}
		if !exists {
			writeError(w, http.StatusBadRequest, "participant "+id+" does not exist")
			return
		}
		participants = append(participants, id)
	}
	if len(participants) < 2 {
		writeError(w, http.StatusBadRequest, "a conversation needs at least one other participant")
		return
	}

	conv := &store.Conversation{Type: typ, Participants: participants}
	if err := h.Store.CreateConversation(r.Context(), conv); err != nil {
		h.internalError(w, r, "creating conversation", err)
		return
	}

	h.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"participants", len(conv.Participants),
	)
	writeJSON(w, http.StatusCreated, conv)
}

// participantExists resolves id as a user, then as an AI
func (h *handler) participantExists(r *http.Request, id string) (bool, error) {
	if _, err := h.Store.GetUserByID(r.Context(), id); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if _, err := h.Store.GetAIByID(r.Context(), id); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return false, nil
}

func (h *handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	convs, err := h.Store.ListConversationsForUser(r.Context(), ac.UserID)
	if err != nil {
		h.internalError(w, r, "listing conversations", err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// loadVisibleConversation writes the error response itself and returns nil
// when the caller may not see the conversation.
func (h *handler) loadVisibleConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	ac := auth.MustFromContext(r.Context())
	conv, err := h.Store.GetConversation(r.Context(), chi.URLParam(r, "conversation_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return nil
		}
		h.internalError(w, r, "loading conversation", err)
		return nil
	}
	if !conv.HasParticipant(ac.UserID) {
		writeError(w, http.StatusForbidden, "not a participant of this conversation")
		return nil
	}
	return conv
}

func (h *handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if conv := h.loadVisibleConversation(w, r); conv != nil {
		writeJSON(w, http.StatusOK, conv)
	}
}

type messagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*store.Message `json:"messages"`
}

func (h *handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv := h.loadVisibleConversation(w, r)
	if conv == nil {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := h.Store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		h.internalError(w, r, "listing messages", err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{ConversationID: conv.ID, Messages: msgs})
}

type aiChatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

func (h *handler) handleAIChat(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	var req aiChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Chat.ChatWithAI(r.Context(), ac.UserID, chi.URLParam(r, "ai_id"), req.Message, req.ChatID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, chat.ErrAINotFound):
		writeError(w, http.StatusNotFound, "AI not found")
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrNotAIConversation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "user not found")
	case errors.Is(err, chat.ErrDeliveryRejected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.internalError(w, r, "ai chat turn", err)
	}
}
