// ABOUTME: Server orchestrator that wires storage, bus, delivery and the HTTP API
// ABOUTME: Runs the HTTP server and an optional gRPC health service until shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/parlor/internal/api"
	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/chat"
	"github.com/2389/parlor/internal/config"
	"github.com/2389/parlor/internal/dedupe"
	"github.com/2389/parlor/internal/llm"
	"github.com/2389/parlor/internal/registry"
	"github.com/2389/parlor/internal/scheduler"
	"github.com/2389/parlor/internal/session"
	"github.com/2389/parlor/internal/store"
	"github.com/2389/parlor/internal/worker"
)

// shutdownReason is sent to live sessions in the close frame
const shutdownReason = "server shutting down"

// Server owns every long-lived component of a parlor process.
type Server struct {
	config   *config.Config
	store    store.Store
	bus      bus.Bus
	registry *registry.Registry
	pool     *worker.Pool
	claims   *dedupe.Claims
	chat     *chat.Service
	sessions *session.Manager

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	mu       sync.Mutex
	httpAddr string
	grpcAddr string
	ready    chan struct{}
}

// Option customises New
type Option func(*options)

type options struct {
	generator chat.Generator
	store     store.Store
	bus       bus.Bus
}

// WithGenerator replaces the OpenAI-backed generator
func WithGenerator(g chat.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithStore uses an existing store instead of opening database.path.
// The server takes ownership and closes it on shutdown.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBus uses an existing bus instead of the configured driver.
// The server takes ownership and closes it on shutdown.
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// initStore opens the SQLite database named in the config
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initBus builds the broadcast bus for the configured driver
func initBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.BusRedis:
		b, err := bus.NewRedisBus(ctx, cfg.Bus.RedisURL, cfg.Bus.Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing redis bus: %w", err)
		}
		return b, nil
	default:
		return bus.NewMemoryBus(logger), nil
	}
}

// newGRPCServer creates the gRPC server that hosts the health service
func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a Server from cfg. The context bounds startup work such as
// connecting to Redis.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	gen := o.generator
	if gen == nil {
		g, err := llm.New(llm.Config{
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.Model,
			Timeout:  cfg.LLM.Timeout,
			MaxDelay: cfg.Delivery.MaxChunkDelay,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating generator: %w", err)
		}
		gen = g
	}

	st := o.store
	if st == nil {
		st, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	b := o.bus
	if b == nil {
		b, err = initBus(ctx, cfg, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	s := &Server{
		config:   cfg,
		store:    st,
		bus:      b,
		registry: registry.New(logger),
		pool: worker.New(worker.Options{
			Workers:   cfg.Delivery.Workers,
			QueueSize: cfg.Delivery.QueueSize,
		}, logger),
		claims: dedupe.New(dedupe.Options{}),
		logger: logger.With("component", "server"),
		ready:  make(chan struct{}),
	}

	sched := scheduler.New(st, b, s.pool, scheduler.Options{MaxDelay: cfg.Delivery.MaxChunkDelay}, logger)

	s.chat = chat.New(st, gen, sched, b, logger)
	s.chat.SetClaims(s.claims)

	s.sessions = session.NewManager(session.Deps{
		Store:     st,
		Verifier:  verifier,
		Bus:       b,
		Registry:  s.registry,
		Pool:      s.pool,
		Responder: s.chat,
	}, session.Options{
		RateLimit:      cfg.Session.RateLimit,
		RateBurst:      cfg.Session.RateBurst,
		SendBuffer:     cfg.Session.SendBuffer,
		OriginPatterns: cfg.Session.AllowedOrigins,
	}, logger)

	s.httpServer = &http.Server{
		Handler: api.NewRouter(api.Deps{
			Store:       st,
			Tokens:      verifier,
			TokenTTL:    cfg.Auth.TokenTTL,
			Chat:        s.chat,
			Sessions:    s.sessions,
			Connections: s.registry,
			Pool:        s.pool,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		s.grpcServer = newGRPCServer()
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}

	s.logger.Info("server initialized",
		"bus", cfg.Bus.Driver,
		"model", cfg.LLM.Model,
		"workers", cfg.Delivery.Workers,
	)
	return s, nil
}

// setupListeners binds the HTTP listener and, when configured, the gRPC one
func (s *Server) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	s.logger.Info("starting server",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	s.mu.Lock()
	s.httpAddr = httpLn.Addr().String()
	if grpcLn != nil {
		s.grpcAddr = grpcLn.Addr().String()
	}
	s.mu.Unlock()
	return httpLn, grpcLn, nil
}

// startServers serves each listener in its own goroutine, returning the error channel
func (s *Server) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			s.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// It returns nil after a clean shutdown triggered by ctx.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.setupListeners()
	if err != nil {
		if shutdownErr := s.gracefulShutdown(); shutdownErr != nil {
			s.logger.Warn("cleanup after listen failure", "error", shutdownErr)
		}
		return err
	}

	errCh := s.startServers(httpLn, grpcLn)
	close(s.ready)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Ready is closed once the listeners are bound
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr returns the bound HTTP address, or "" before Run binds it
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is disabled
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// gracefulShutdown uses a fresh context because the run context is already canceled
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) shutdownGRPCServer(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting traffic, closes live sessions, cancels background
// deliveries and waits for them within ctx, then releases storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	s.shutdownGRPCServer(ctx)
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	// Upgraded connections are hijacked, so http.Server.Shutdown does not wait for them.
	if n := s.registry.CloseAll(shutdownReason); n > 0 {
		s.logger.Info("closed live sessions", "count", n)
	}

	errs = appendCloseError(errs, "worker pool", s.pool.Stop(ctx))
	s.claims.Close()
	errs = appendCloseError(errs, "bus close", s.bus.Close())
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
