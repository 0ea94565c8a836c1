// ABOUTME: Gateway orchestrator that wires stores, the chat service and the HTTP and gRPC servers
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/chatrpc"
	"github.com/2389/pairchat/internal/config"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/directory"
	"github.com/2389/pairchat/internal/idempotency"
	"github.com/2389/pairchat/internal/observability"
	"github.com/2389/pairchat/internal/store"
	"github.com/2389/pairchat/internal/webui"
)

const (
	// idempotencyTTL is how long a send result is replayed for a repeated key.
	idempotencyTTL = 10 * time.Minute
	// idempotencyMaxKeys bounds memory used by remembered send results.
	idempotencyMaxKeys = 100_000
)

// Gateway orchestrates the pairchat server components.
type Gateway struct {
	config      *config.Config
	users       *store.SQLiteStore
	messages    store.MessageLog
	live        *conversation.Broadcaster
	chat        *conversation.Service
	directory   *directory.Service
	tokens      *auth.JWTVerifier // nil when auth is disabled
	sends       *idempotency.Cache[SendMessageResponse]
	metrics     *observability.Metrics // nil when metrics are disabled
	validate    *validator.Validate
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStores opens the user database and the message log selected by
// storage.backend. The sqlite backend shares the user database.
func initStores(cfg *config.Config) (*store.SQLiteStore, store.MessageLog, error) {
	users, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing user store: %w", err)
	}

	var messages store.MessageLog
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		messages = users
	case config.BackendBadger:
		messages, err = store.NewBadgerStore(cfg.Storage.Dir)
	default:
		messages, err = store.NewFileStore(cfg.Storage.Dir)
	}
	if err != nil {
		_ = users.Close()
		return nil, nil, fmt.Errorf("initializing message store: %w", err)
	}
	return users, messages, nil
}

// createGRPCServer creates a gRPC server with identity interceptors. Without a
// JWT secret the caller's name is trusted from metadata.
func createGRPCServer(tokens *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	resolve := auth.DevResolver()
	if tokens != nil {
		resolve = auth.TokenResolver(tokens, logger)
		logger.Info("auth interceptors enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured, trusting x-pairchat-user")
	}

	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(resolve)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(resolve)),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	overflow, err := conversation.ParseOverflowPolicy(cfg.Live.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	var tokens *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	users, messages, err := initStores(cfg)
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	var chatOpts []conversation.Option
	liveOpts := conversation.BroadcasterOptions{
		BufferSize: cfg.Live.BufferSize,
		Overflow:   overflow,
		IdleTTL:    cfg.Live.IdleChannelTTL,
		Logger:     logger,
	}
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		liveOpts.Observer = metrics
		chatOpts = append(chatOpts, conversation.WithObserver(metrics))
	}

	live := conversation.NewBroadcaster(liveOpts)
	dir := directory.New(users, logger)
	chatOpts = append(chatOpts, conversation.WithResolver(dir))
	gw := &Gateway{
		config:     cfg,
		users:      users,
		messages:   messages,
		live:       live,
		chat:       conversation.New(messages, live, logger, chatOpts...),
		directory:  dir,
		tokens:     tokens,
		sends:      idempotency.New[SendMessageResponse](idempotencyTTL, idempotencyMaxKeys),
		metrics:    metrics,
		validate:   validator.New(),
		grpcServer: createGRPCServer(tokens, logger.With("component", "auth")),
		logger:     logger.With("component", "gateway"),
	}

	chatrpc.RegisterChatServer(gw.grpcServer, chatrpc.NewServer(gw.chat, logger))

	ui, err := webui.New(gw.chat, logger)
	if err != nil {
		gw.closeStores()
		return nil, fmt.Errorf("loading web UI: %w", err)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	requireUser := gw.userMiddleware(logger)
	gw.registerAPIRoutes(mux, requireUser)
	ui.RegisterRoutes(mux, requireUser)

	if metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// userMiddleware resolves the caller from a JWT, or from the dev header when
// auth is disabled.
func (g *Gateway) userMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if g.tokens != nil {
		return auth.HTTPAuthMiddleware(g.tokens, logger)
	}
	g.logger.Warn("HTTP auth disabled - no jwt_secret configured, trusting " + auth.DevUserHeader)
	return auth.DevHTTPMiddleware()
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP. The
// gRPC listener is nil when server.grpc_addr is empty.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the Run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pairchat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the HTTP listener: Funnel, tailnet HTTPS or plain HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeStores closes the message log and user database once each.
func (g *Gateway) closeStores() []error {
	var errs []error
	if g.messages != nil && g.messages != store.MessageLog(g.users) {
		errs = appendCloseError(errs, "message store close", g.messages.Close())
	}
	errs = appendCloseError(errs, "user store close", g.users.Close())
	g.sends.Close()
	g.live.Close()
	return errs
}

// Shutdown stops the servers and releases resources. Live feeds are ended
// first so streaming handlers return and the HTTP server can drain.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.live.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeStores()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the stores answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	type check struct {
		name string
		p    store.Pinger
	}
	checks := []check{{"users", g.users}}
	if p, ok := g.messages.(store.Pinger); ok && g.messages != store.MessageLog(g.users) {
		checks = append(checks, check{"messages", p})
	}

	for _, c := range checks {
		if err := c.p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "store", c.name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "%s store unavailable", c.name)
			return
		}
	}

	channels, subscribers := g.live.Stats()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live channels, %d subscribers)", channels, subscribers)
}
