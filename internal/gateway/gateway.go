// ABOUTME: Gateway orchestrator that owns the HTTP server, link store and remote client
// ABOUTME: Manages listener setup (TCP or Tailscale), the background sweeper and graceful shutdown

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

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/thread-gateway/internal/config"
	"github.com/2389/thread-gateway/internal/conversation"
	"github.com/2389/thread-gateway/internal/langgraph"
	"github.com/2389/thread-gateway/internal/logbuffer"
	"github.com/2389/thread-gateway/internal/paramstore"
	"github.com/2389/thread-gateway/internal/store"
)

const readyTimeout = 2 * time.Second

// Gateway serves the conversation API.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	logs         *logbuffer.Buffer
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	sweeper      *Sweeper
	logger       *slog.Logger
}

// OpenBackends opens the link store and builds the remote client described by cfg.
// The caller owns the returned store.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *langgraph.Client, error) {
	s, err := store.Open(ctx, cfg.Database.URL, store.Options{
		AWSRegion:   cfg.AWS.Region,
		AWSEndpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing store: %w", err)
	}

	opts := []langgraph.Option{
		langgraph.WithAPIKey(cfg.Assistant.APIKey),
		langgraph.WithHTTPClient(remoteHTTPClient(cfg.Assistant.Timeout)),
		langgraph.WithLogger(logger),
	}
	if cfg.Assistant.APIKeyParameter != "" {
		params, err := paramstore.Open(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
		if err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("initializing parameter store: %w", err)
		}
		opts = append(opts, langgraph.WithAPIKeyParameter(params, cfg.Assistant.APIKeyParameter))
	}

	client, err := langgraph.New(cfg.Assistant.DeploymentURL, opts...)
	if err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("creating langgraph client: %w", err)
	}

	return s, client, nil
}

// remoteHTTPClient bounds how long the deployment may take to start answering.
// Bodies are not bounded: streamed runs last as long as the caller stays connected.
func remoteHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// ServiceConfig derives the conversation service settings from cfg.
func ServiceConfig(cfg *config.Config) conversation.Config {
	return conversation.Config{
		AssistantID:        cfg.Assistant.AssistantID,
		MaxTokens:          cfg.Assistant.MaxTokens,
		CleanupConcurrency: cfg.Sweep.Concurrency,
	}
}

// New creates a new Gateway instance with the given configuration.
// logs backs the debug log endpoint and may be nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, logs *logbuffer.Buffer) (*Gateway, error) {
	s, remote, err := OpenBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, s, remote, logger, logs), nil
}

func newGateway(cfg *config.Config, s store.Store, remote conversation.Orchestrator, logger *slog.Logger, logs *logbuffer.Buffer) *Gateway {
	if logs == nil {
		logs = logbuffer.New(cfg.Logging.BufferBytes)
	}

	svc := conversation.New(s, remote, ServiceConfig(cfg), logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: svc,
		logs:         logs,
		logger:       logger.With("component", "gateway"),
	}

	if cfg.Sweep.Interval > 0 {
		gw.sweeper = NewSweeper(svc, cfg.Sweep.Interval, cfg.Sweep.MaxIdle, logger)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Debug("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if g.sweeper != nil {
		g.sweeper.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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
	return filepath.Join(homeDir, ".local", "share", "thread-gateway", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and listens on it.
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

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
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

// createTailscaleListener picks funnel, tailnet HTTPS or plain HTTP.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
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
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.sweeper != nil {
		g.sweeper.Close()
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the link store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
