// ABOUTME: Live session manager: runs one WebSocket connection from handshake to teardown
// ABOUTME: Receive loop persists and publishes; bridge and writer relay bus traffic to the client

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/registry"
	"github.com/2389/parlor/internal/store"
	"github.com/2389/parlor/internal/worker"
)

// Diagnostic frames sent for unusable inbound messages
const (
	invalidFormatMsg = "Invalid message format. Please send JSON."
	dataErrorPrefix  = "Error in message data: "
	rateLimitedMsg   = "Rate limit exceeded. Message dropped."
)

// Store is what a session needs from persistence
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	AppendHistory(ctx context.Context, id string, entry store.HistoryEntry) (bool, error)
}

// Submitter runs background tasks
type Submitter interface {
	Submit(name string, fn worker.Task) bool
}

// GroupResponder produces the AI reply in a group conversation
type GroupResponder interface {
	RespondToGroup(ctx context.Context, conversationID string) error
}

// Deps are the collaborators of a Manager
type Deps struct {
	Store     Store
	Verifier  auth.TokenVerifier
	Bus       bus.Bus
	Registry  *registry.Registry
	Pool      Submitter
	Responder GroupResponder
}

// Options tunes live sessions
type Options struct {
	// RateLimit is inbound frames per second; zero disables limiting
	RateLimit    float64
	RateBurst    int
	SendBuffer   int
	WriteTimeout time.Duration
	// OriginPatterns is passed to websocket.Accept; empty means same-origin only
	OriginPatterns []string
}

// Manager serves live sessions
type Manager struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// NewManager creates a Manager. Pass nil logger for default.
func NewManager(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return &Manager{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "session"),
	}
}

// inbound is the client frame schema
type inbound struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// ServeConn upgrades the request and runs the session until the client
// disconnects or the server shuts down. Handshake failures close the socket
// with 1008.
func (m *Manager) ServeConn(w http.ResponseWriter, r *http.Request, conversationID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: m.opts.OriginPatterns,
	})
	if err != nil {
		m.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	ac, conv, reason := m.handshake(r, conversationID)
	if reason != "" {
		m.logger.Info("session rejected",
			"conversation_id", conversationID,
			"reason", reason,
			"remote", r.RemoteAddr,
		)
		_ = ws.Close(websocket.StatusPolicyViolation, reason)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		id:     uuid.New().String(),
		userID: ac.UserID,
		ws:     ws,
		send:   make(chan []byte, m.opts.SendBuffer),
		cancel: cancel,
	}
	logger := m.logger.With("conversation_id", conversationID, "conn_id", c.id, "user_id", ac.UserID)

	// Subscribe before registering or reading, so a registered session never
	// misses a publish.
	sub, err := m.deps.Bus.Subscribe(ctx, conversationID)
	if err != nil {
		logger.Error("bus subscribe failed", "error", err)
		_ = ws.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Close()

	m.deps.Registry.Register(conversationID, c)
	defer m.deps.Registry.Unregister(conversationID, c)

	logger.Info("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return m.bridge(gctx, c, sub, logger)
	})
	g.Go(func() error {
		defer cancel()
		return m.writer(gctx, c)
	})
	g.Go(func() error {
		defer cancel()
		return m.receive(gctx, c, ac, conv, logger)
	})

	if err := g.Wait(); err != nil && !isClosed(err) {
		logger.Warn("session ended with error", "error", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	logger.Info("session ended")
}

// handshake authenticates the request and authorises the conversation.
// A non-empty reason means the session must be refused.
func (m *Manager) handshake(r *http.Request, conversationID string) (*auth.AuthContext, *store.Conversation, string) {
	ac, err := auth.Authenticate(r.Context(), m.deps.Store, m.deps.Verifier, auth.TokenFromRequest(r))
	if err != nil {
		return nil, nil, "authentication failed"
	}
	conv, err := m.deps.Store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("conversation lookup failed", "conversation_id", conversationID, "error", err)
		}
		return nil, nil, "conversation not found"
	}
	if !conv.HasParticipant(ac.UserID) {
		return nil, nil, "not a participant"
	}
	return ac, conv, ""
}

// bridge relays bus payloads to the outbound queue verbatim
func (m *Manager) bridge(ctx context.Context, c *conn, sub *bus.Subscription, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !c.enqueue(payload) {
				logger.Warn("outbound queue full, dropping message")
			}
		}
	}
}

func (m *Manager) writer(ctx context.Context, c *conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-c.send:
			if err := c.writeText(ctx, m.opts.WriteTimeout, payload); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}
}

func (m *Manager) receive(ctx context.Context, c *conn, ac *auth.AuthContext, conv *store.Conversation, logger *slog.Logger) error {
	var limiter *rate.Limiter
	if m.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.opts.RateLimit), m.opts.RateBurst)
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		if limiter != nil && !limiter.Allow() {
			m.diagnose(ctx, c, rateLimitedMsg, logger)
			continue
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			m.diagnose(ctx, c, invalidFormatMsg, logger)
			continue
		}
		if err := validate(&in, ac.UserID); err != nil {
			m.diagnose(ctx, c, dataErrorPrefix+err.Error(), logger)
			continue
		}

		if err := m.handleMessage(ctx, conv, in, logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to handle message", "error", err)
		}
	}
}

// validate checks an inbound frame and fills in the sender
func validate(in *inbound, userID string) error {
	if strings.TrimSpace(in.Content) == "" {
		return errors.New("content is required")
	}
	switch in.Sender {
	case "":
		in.Sender = userID
	case userID:
	default:
		return errors.New("sender does not match the authenticated user")
	}
	return nil
}

// handleMessage persists one inbound message, publishes it and, in groups,
// schedules the AI reply.
func (m *Manager) handleMessage(ctx context.Context, conv *store.Conversation, in inbound, logger *slog.Logger) error {
	now := time.Now().UTC()
	msg := &store.Message{
		ID:             ulid.Make().String(),
		ConversationID: conv.ID,
		Sender:         in.Sender,
		Content:        in.Content,
		Timestamp:      now,
	}
	if err := m.deps.Store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}

	entry := store.HistoryEntry{
		ID:        msg.ID,
		Role:      store.RoleUser,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: &now,
	}
	ok, err := m.deps.Store.AppendHistory(ctx, conv.ID, entry)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	if ok {
		conv.History = append(conv.History, entry)
	} else {
		logger.Warn("conversation vanished while connected")
	}

	if err := bus.PublishMessage(ctx, m.deps.Bus, bus.FromEntry(conv.ID, entry)); err != nil {
		logger.Warn("failed to publish message", "message_id", msg.ID, "error", err)
	}

	// The sender is always the authenticated user, so group messages seen
	// here come from humans.
	if conv.Type == store.ConversationGroup && ok {
		m.triggerGroupReply(conv.ID, msg.ID, logger)
	}
	return nil
}

func (m *Manager) triggerGroupReply(conversationID, messageID string, logger *slog.Logger) {
	if m.deps.Responder == nil || m.deps.Pool == nil {
		return
	}
	submitted := m.deps.Pool.Submit("group-reply:"+conversationID, func(ctx context.Context) error {
		return m.deps.Responder.RespondToGroup(ctx, conversationID)
	})
	if !submitted {
		logger.Warn("group reply rejected by worker pool", "message_id", messageID)
	}
}

func (m *Manager) diagnose(ctx context.Context, c *conn, text string, logger *slog.Logger) {
	if err := c.writeText(ctx, m.opts.WriteTimeout, []byte(text)); err != nil {
		logger.Debug("failed to send diagnostic", "error", err)
	}
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
