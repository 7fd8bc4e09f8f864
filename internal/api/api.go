// ABOUTME: REST routes and the WebSocket endpoint on a chi router
// ABOUTME: Shared JSON helpers and dependency interfaces live here

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/chat"
	"github.com/2389/parlor/internal/store"
	"github.com/2389/parlor/internal/worker"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// Store is what the handlers need from persistence
type Store interface {
	store.UserStore
	store.AIStore
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	Ping(ctx context.Context) error
}

// TokenIssuer verifies and issues bearer credentials
type TokenIssuer interface {
	auth.TokenVerifier
	Generate(userID string, expiresIn time.Duration) (string, error)
}

// ChatService runs AI turns
type ChatService interface {
	ChatWithAI(ctx context.Context, userID, aiID, message, chatID string) (*chat.Result, error)
}

// SessionServer serves live WebSocket sessions
type SessionServer interface {
	ServeConn(w http.ResponseWriter, r *http.Request, conversationID string)
}

// ConnectionStats reports live connection counts
type ConnectionStats interface {
	Total() int
	Conversations() []string
}

// PoolStats reports background worker counters
type PoolStats interface {
	Stats() worker.Stats
}

// Deps are the collaborators of the HTTP API
type Deps struct {
	Store       Store
	Tokens      TokenIssuer
	TokenTTL    time.Duration
	Chat        ChatService
	Sessions    SessionServer
	Connections ConnectionStats
	Pool        PoolStats
}

type handler struct {
	Deps
	logger *slog.Logger
}

// NewRouter builds the HTTP handler for every route. Pass nil logger for default.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = 30 * time.Minute
	}
	h := &handler{Deps: deps, logger: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Get("/ready", h.handleReady)

	r.Post("/users/signup", h.handleSignup)
	r.Post("/users/login", h.handleLogin)

	// The token travels in the query string here, so the session does its own auth.
	r.Get("/ws/{conversation_id}", h.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(deps.Store, deps.Tokens))

		r.Get("/users/me", h.handleMe)

		r.Route("/ais", func(r chi.Router) {
			r.Post("/", h.handleCreateAI)
			r.Get("/", h.handleListAIs)
			r.Get("/{ai_id}", h.handleGetAI)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.handleCreateConversation)
			r.Get("/", h.handleListConversations)
			r.Get("/{conversation_id}", h.handleGetConversation)
			r.Get("/{conversation_id}/messages", h.handleListMessages)
		})

		r.Post("/ai-chat/{ai_id}", h.handleAIChat)
	})

	return r
}

func (h *handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.Sessions.ServeConn(w, r, chi.URLParam(r, "conversation_id"))
}

type readyResponse struct {
	Status        string       `json:"status"`
	Connections   int          `json:"connections"`
	Conversations int          `json:"conversations"`
	Workers       worker.Stats `json:"workers"`
}

func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	resp := readyResponse{Status: "ready"}
	if h.Connections != nil {
		resp.Connections = h.Connections.Total()
		resp.Conversations = len(h.Connections.Conversations())
	}
	if h.Pool != nil {
		resp.Workers = h.Pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// internalError logs err and writes a generic 500
func (h *handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
