// Package session runs live WebSocket sessions.
//
// A session authenticates the upgrade request, subscribes to the
// conversation's bus topic and registers itself in the connection registry.
// Three goroutines then share its lifetime: the receive loop persists and
// publishes inbound frames, the bridge copies bus payloads into a bounded
// outbound queue, and the writer drains that queue to the socket. When any of
// them stops the others are cancelled and the session unregisters.
package session
