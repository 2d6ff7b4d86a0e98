// ABOUTME: Gateway orchestrator that wires the store, conversation service and HTTP server
// ABOUTME: Manages realtime fan-out, notification dispatch, health endpoints and lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/gate"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/notify"
	"github.com/2389/parley-gateway/internal/realtime"
	"github.com/2389/parley-gateway/internal/store"
)

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	auth         *auth.Authenticator
	httpServer   *http.Server
	logger       *slog.Logger

	// broadcaster maps identities to their open realtime channels
	broadcaster *realtime.Broadcaster

	// realtime serves GET /ws
	realtime *realtime.Handler

	// dispatcher delivers notification events off the write path
	dispatcher *notify.Dispatcher

	// outbox is closed after the dispatcher drains; nil when notifications are only logged
	outbox *notify.RedisNotifier

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the SQLite store at the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initAuth creates an authenticator with or without token verification based on config.
func initAuth(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured, identities come from X-User-Email")
		return auth.NewAuthenticator(nil, logger), nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("JWT auth enabled")
	return auth.NewAuthenticator(verifier, logger), nil
}

// initNotifier picks the Redis outbox when configured and the log notifier otherwise.
func initNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Notifier, *notify.RedisNotifier, error) {
	if cfg.Notify.RedisAddr == "" {
		logger.Info("notification outbox not configured, logging events only")
		return notify.NewLogNotifier(logger), nil, nil
	}

	client, err := notify.DialRedis(ctx, cfg.Notify.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing notification outbox: %w", err)
	}
	n := notify.NewRedisNotifier(client, cfg.Notify.RedisList, logger)
	logger.Info("notification outbox enabled", "list", cfg.Notify.RedisList)
	return n, n, nil
}

// initGate returns the entitlement gate. Without a base URL every thread is allowed.
func initGate(cfg *config.Config, logger *slog.Logger) gate.Gate {
	if cfg.Gate.BaseURL == "" {
		return gate.AllowAll{}
	}
	logger.Info("entitlement gate enabled", "base_url", cfg.Gate.BaseURL)
	return gate.NewHTTPGate(cfg.Gate.BaseURL, cfg.Gate.Token, cfg.Gate.Timeout, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	authenticator, err := initAuth(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	notifier, outbox, err := initNotifier(dialCtx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(notifier, notify.DispatcherConfig{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, logger)

	broadcaster := realtime.NewBroadcaster(logger)
	svc := conversation.New(s, realtime.NewPublisher(broadcaster), initGate(cfg, logger), dispatcher, logger)

	rt := realtime.NewHandler(broadcaster, authenticator.IdentifyEmail, realtime.HandlerConfig{
		PingInterval:   cfg.Realtime.PingInterval,
		PongTimeout:    cfg.Realtime.PongTimeout,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		SendBuffer:     cfg.Realtime.SendBuffer,
		OriginPatterns: cfg.Realtime.AllowedOrigins,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: svc,
		auth:         authenticator,
		logger:       logger.With("component", "gateway"),
		broadcaster:  broadcaster,
		realtime:     rt,
		dispatcher:   dispatcher,
		outbox:       outbox,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the root HTTP handler with every route registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}

	// The websocket endpoint identifies its caller itself, including the query token.
	mux.Handle("GET /ws", g.realtime)

	g.registerAPIRoutes(mux)

	return metrics.Middleware(mux)
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The original context is already cancelled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway: HTTP first so no new sends arrive, then realtime
// channels, then pending notifications, then the store. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not tracked by http.Server.
	g.realtime.Close()
	g.broadcaster.Close()

	errs = appendCloseError(errs, "notification drain", g.dispatcher.Close(ctx))
	if g.outbox != nil {
		errs = appendCloseError(errs, "outbox close", g.outbox.Close())
	}

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	outbox := "notifications logged"
	if g.outbox != nil {
		// A backed-up outbox delays notifications only, so it never fails readiness
		if pending, err := g.outbox.Pending(ctx); err != nil {
			g.logger.Warn("notification outbox unreachable", "error", err)
			outbox = "notification outbox unreachable"
		} else {
			outbox = fmt.Sprintf("%d notifications pending", pending)
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d realtime channels, %s)", g.realtime.Open(), outbox)
}
