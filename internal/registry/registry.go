// ABOUTME: Per-process registry of live connections grouped by conversation
// ABOUTME: Purely in-memory; rebuilt from nothing on restart as clients reconnect

package registry

import (
	"log/slog"
	"sync"
)

// Connection is a live duplex connection owned by a session
type Connection interface {
	// ID identifies the connection in logs
	ID() string
	// Close ends the connection with a human readable reason
	Close(reason string)
}

// Registry maps conversation IDs to their live connections.
// Callbacks passed to ForEach run on a snapshot without the lock held, so
// they may call back into the registry.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Connection]struct{}
	total int

	logger *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]map[Connection]struct{}),
		logger: logger.With("component", "registry"),
	}
}

// Register adds conn to the conversation's bucket
func (r *Registry) Register(conversationID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.conns[conversationID]
	if !ok {
		bucket = make(map[Connection]struct{})
		r.conns[conversationID] = bucket
	}
	if _, exists := bucket[conn]; exists {
		return
	}
	bucket[conn] = struct{}{}
	r.total++

	r.logger.Debug("connection registered",
		"conversation_id", conversationID,
		"conn_id", conn.ID(),
		"conversation_conns", len(bucket),
		"total_conns", r.total,
	)
}

// Unregister removes conn; empty buckets are dropped. Unknown connections are ignored.
func (r *Registry) Unregister(conversationID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.conns[conversationID]
	if !ok {
		return
	}
	if _, exists := bucket[conn]; !exists {
		return
	}
	delete(bucket, conn)
	r.total--
	if len(bucket) == 0 {
		delete(r.conns, conversationID)
	}

	r.logger.Debug("connection unregistered",
		"conversation_id", conversationID,
		"conn_id", conn.ID(),
		"total_conns", r.total,
	)
}

// ForEach calls fn for every connection registered on the conversation
func (r *Registry) ForEach(conversationID string, fn func(Connection)) {
	for _, c := range r.snapshot(conversationID) {
		fn(c)
	}
}

func (r *Registry) snapshot(conversationID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.conns[conversationID]
	out := make([]Connection, 0, len(bucket))
	for c := range bucket {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connections on the conversation
func (r *Registry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[conversationID])
}

// Total returns the number of connections across all conversations
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Conversations returns the IDs of conversations with at least one connection
func (r *Registry) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every registered connection. Sessions unregister themselves
// as their loops exit.
func (r *Registry) CloseAll(reason string) int {
	closed := 0
	for _, id := range r.Conversations() {
		r.ForEach(id, func(c Connection) {
			c.Close(reason)
			closed++
		})
	}
	if closed > 0 {
		r.logger.Info("closed live connections", "count", closed, "reason", reason)
	}
	return closed
}
