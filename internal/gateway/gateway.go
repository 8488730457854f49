// ABOUTME: Gateway orchestrator wiring registries, transport, and delivery.
// ABOUTME: Manages the HTTP/WebSocket server lifecycle and keepalive ticks.

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

	"github.com/oklog/ulid/v2"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-device-gateway/internal/bus"
	"github.com/2389/coven-device-gateway/internal/config"
	"github.com/2389/coven-device-gateway/internal/dedupe"
	"github.com/2389/coven-device-gateway/internal/device"
	"github.com/2389/coven-device-gateway/internal/dispatch"
	"github.com/2389/coven-device-gateway/internal/protocol"
	"github.com/2389/coven-device-gateway/internal/session"
	"github.com/2389/coven-device-gateway/internal/store"
)

const (
	// idempotencyTTL is how long an inbound idempotency key suppresses
	// duplicate dispatch.
	idempotencyTTL = 5 * time.Minute

	// idempotencyMaxSize caps the idempotency cache.
	idempotencyMaxSize = 100_000

	// deliveredMaxSize caps the proactive delivered-message set;
	// oldest entries are evicted past this bound.
	deliveredMaxSize = 1000

	// deliveredTTL ages out delivered ids that the cap never reaches.
	deliveredTTL = 24 * time.Hour
)

// Gateway owns the shared registries and coordinates the device-facing
// server: connection gateway, inbound handler, delivery arbiter, and
// proactive forwarder.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	conns       *device.Registry
	sessions    *session.Registry
	idempotency *dedupe.Cache
	delivered   *dedupe.Cache
	active      *dispatch.ActiveSet
	eventBus    *bus.Broadcaster
	dispatcher  dispatch.Dispatcher
	store       store.Store
	arbiter     *Arbiter
	forwarder   *Forwarder

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DEVICE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway around the given dispatcher.
func New(cfg *config.Config, dispatcher dispatch.Dispatcher, logger *slog.Logger) (*Gateway, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	conns := device.NewRegistry(logger)
	sessions := session.NewRegistry(logger)
	idempotency := dedupe.New(idempotencyTTL, idempotencyMaxSize)
	delivered := dedupe.New(deliveredTTL, deliveredMaxSize)
	active := dispatch.NewActiveSet()
	eventBus := bus.NewBroadcaster(logger)

	g := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		conns:       conns,
		sessions:    sessions,
		idempotency: idempotency,
		delivered:   delivered,
		active:      active,
		eventBus:    eventBus,
		dispatcher:  dispatcher,
		store:       s,
		serverID:    generateServerID(),
	}

	g.arbiter = NewArbiter(ArbiterConfig{
		Conns:         conns,
		Sessions:      sessions,
		Store:         s,
		StaticDevices: cfg.Devices,
		Delivered:     delivered,
		Logger:        logger,
	})
	g.forwarder = NewForwarder(eventBus, conns, sessions, active, delivered, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/devices", g.handleDevices)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Bus returns the process-wide agent event stream. The agent runtime
// publishes here; the forwarder consumes.
func (g *Gateway) Bus() *bus.Broadcaster { return g.eventBus }

// Arbiter returns the outbound delivery arbiter.
func (g *Gateway) Arbiter() *Arbiter { return g.arbiter }

// ConnectedDeviceIDs lists devices with a live connection.
func (g *Gateway) ConnectedDeviceIDs() []string { return g.conns.ConnectedIDs() }

// Reset clears the shared registries and per-run state. Test isolation only.
func (g *Gateway) Reset() {
	g.conns.Reset()
	g.sessions.Reset()
	g.active.Reset()
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.forwarder.Start()
	go g.tickLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// tickLoop broadcasts a lightweight keepalive frame to every authenticated
// connection, distinct from the per-connection liveness probe.
func (g *Gateway) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Timing.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range g.conns.ConnectedIDs() {
				if conn, ok := g.conns.Get(id); ok && conn.Open() {
					_ = conn.Send(ctx, protocol.NewTick())
				}
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	g.forwarder.Stop()
	g.eventBus.Close()
	g.idempotency.Close()
	g.delivered.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return net.Listen("tcp", g.config.Server.HTTPAddr)
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
	return filepath.Join(homeDir, ".local", "share", "coven-device-gateway", "tailscale"), nil
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

// setupTailscaleListener creates a tsnet server and returns its listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.HTTPS {
		return g.setupTailscaleTLSListener()
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// setupTailscaleTLSListener serves HTTPS with Tailscale's auto-provisioned certs.
func (g *Gateway) setupTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
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
	g.logger.Info("tailscale node ready",
		"hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one device is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ids := g.conns.ConnectedIDs()
	if len(ids) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no devices connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d devices)", len(ids))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("coven-device-gateway-%d", time.Now().UnixNano()%1000000)
}

// newMessageID generates the identifier tagging all frames of one exchange.
func newMessageID() string {
	return ulid.Make().String()
}
