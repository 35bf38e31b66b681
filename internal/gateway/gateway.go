// ABOUTME: Gateway orchestrator that coordinates the HTTP API, live transports, and gRPC health
// ABOUTME: Owns the store, live hub, optional Redis relay, and optional Tailscale node lifecycle

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
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/live"
	"github.com/2389/coven-chat/internal/store"
)

// Gateway orchestrates the coven-chat server components.
type Gateway struct {
	config        *config.Config
	store         store.Store
	hub           *live.Hub
	relay         *live.RedisRelay
	identity      *identity.Service
	conversations *conversation.Service
	verifier      *auth.JWTVerifier
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger

	// background holds the relay consumer and health watcher
	background sync.WaitGroup
	stopBG     context.CancelFunc

	// sessionCtx ends hijacked WebSocket sessions on shutdown
	sessionCtx  context.Context
	endSessions context.CancelFunc
}

// initStore creates the store selected by database.driver.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initPublisher returns the hub itself for single-node deployments, or a Redis
// relay that also reaches every other node sharing live.redis_url.
func initPublisher(ctx context.Context, cfg *config.Config, hub *live.Hub, logger *slog.Logger) (live.Publisher, *live.RedisRelay, error) {
	if cfg.Live.RedisURL == "" {
		return hub, nil, nil
	}
	relay, err := live.NewRedisRelay(ctx, cfg.Live.RedisURL, cfg.Live.RedisChannel, hub, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing redis relay: %w", err)
	}
	logger.Info("cross-node invalidation enabled", "channel", cfg.Live.RedisChannel)
	return relay, relay, nil
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hub := live.NewHub(logger)
	publisher, relay, err := initPublisher(ctx, cfg, hub, logger)
	if err != nil {
		hub.Close()
		_ = s.Close()
		return nil, err
	}

	grpcServer, healthServer := newGRPCServer(logger)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		hub:      hub,
		relay:    relay,
		identity: identity.New(s, hub, publisher, logger),
		conversations: conversation.New(s, hub, publisher, conversation.Config{
			MaxLength:      cfg.Messages.MaxLength,
			IdempotencyTTL: cfg.Messages.IdempotencyTTL,
			IdempotencyMax: cfg.Messages.IdempotencyMax,
		}, logger),
		verifier:     verifier,
		grpcServer:   grpcServer,
		healthServer: healthServer,
		logger:       logger.With("component", "gateway"),
	}

	gw.sessionCtx, gw.endSessions = context.WithCancel(context.Background())
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer.RegisterOnShutdown(gw.endSessions)

	return gw, nil
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := http.NewServeMux()
	g.registerAPIRoutes(api)
	mux.Handle("/api/", auth.CallerMiddleware(g.identity, g.verifier, g.logger)(api))

	return mux
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
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

// startServers starts the servers in goroutines, returning error channel.
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
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground launches the Redis relay consumer and the health watcher.
func (g *Gateway) startBackground(ctx context.Context) {
	ctx, g.stopBG = context.WithCancel(ctx)

	if g.relay != nil {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			if err := g.relay.Run(ctx); err != nil {
				g.logger.Error("redis relay stopped", "error", err)
			}
		}()
	}

	g.background.Add(1)
	go func() {
		defer g.background.Done()
		g.watchHealth(ctx)
	}()
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startBackground(ctx)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
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
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
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

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
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

// tailnet is the part of *tsnet.Server used to open the HTTP listener.
type tailnet interface {
	Listen(network, addr string) (net.Listener, error)
	ListenFunnel(network, addr string, opts ...tsnet.FunnelOption) (net.Listener, error)
}

// certSource returns the GetCertificate hook for tailnet HTTPS.
type certSource func() (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error)

// openTailnetHTTPListener opens the HTTP listener: public HTTPS through Funnel,
// tailnet HTTPS with auto-provisioned certs, or plain HTTP on :80.
func openTailnetHTTPListener(tn tailnet, tsCfg config.TailscaleConfig, certs certSource) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		ln, err := tn.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		ln, err := tn.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		getCert, err := certs()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: getCert,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := tn.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleHTTPListener opens the HTTP listener on the tailnet, closing
// the gRPC listener and the node if it fails.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	}

	ln, err := openTailnetHTTPListener(g.tsnetServer, tsCfg, g.tailnetCerts)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

func (g *Gateway) tailnetCerts() (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		return nil, err
	}
	return lc.GetCertificate, nil
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

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error

	g.healthServer.Shutdown()

	// Ends every live subscription so streaming handlers return
	g.hub.Close()
	g.endSessions()

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.stopBG != nil {
		g.stopBG()
	}
	g.background.Wait()

	if g.relay != nil {
		errs = appendCloseError(errs, "redis close", g.relay.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.conversations.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ready reports whether the node can serve requests.
func (g *Gateway) ready(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if g.relay != nil {
		if err := g.relay.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store (and relay, when configured) answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.ready(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d live subscriptions)", g.hub.Len())
}
