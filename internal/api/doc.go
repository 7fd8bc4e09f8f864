// Package api exposes parlor over HTTP: account signup and login, AI persona
// management, conversations, AI turns and the WebSocket upgrade endpoint.
//
// All routes except signup, login, health, readiness and the WebSocket
// endpoint require a bearer token. The WebSocket endpoint authenticates the
// token query parameter itself so it can answer failures with a close frame.
package api
