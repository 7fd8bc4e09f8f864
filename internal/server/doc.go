// Package server assembles a parlor process.
//
// New builds every component from a config.Config: the SQLite store, the
// broadcast bus (in-memory or Redis), the connection registry, the worker
// pool, the chunk scheduler, the chat service, the WebSocket session manager
// and the chi HTTP router. Run binds the listeners and blocks until its
// context is canceled, then Shutdown closes live sessions, cancels in-flight
// deliveries and releases storage.
//
// When server.grpc_addr is set, a standard gRPC health service is served
// there for orchestrators that probe over gRPC.
package server
