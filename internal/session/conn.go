// ABOUTME: One live WebSocket connection as seen by the registry
// ABOUTME: Owns the outbound queue drained by the writer goroutine

package session

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (c *conn) ID() string { return c.id }

// Close ends the session from outside, e.g. on server shutdown
func (c *conn) Close(reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
		c.cancel()
	})
}

// enqueue offers a payload to the writer without blocking.
// It reports false when the queue is full.
func (c *conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// writeText writes a frame directly; the socket allows concurrent writers
func (c *conn) writeText(ctx context.Context, timeout time.Duration, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}
