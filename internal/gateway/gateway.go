// ABOUTME: Gateway orchestrator that wires the voice session, client legs, and agents
// ABOUTME: Owns the HTTP server lifecycle, optional tailnet listener, and ordered shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-voice/internal/agent"
	"github.com/2389/coven-voice/internal/config"
	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/legs"
	"github.com/2389/coven-voice/internal/metrics"
	"github.com/2389/coven-voice/internal/realtime"
	"github.com/2389/coven-voice/internal/rtc"
	"github.com/2389/coven-voice/internal/store"
	"github.com/2389/coven-voice/internal/turn"
	"github.com/2389/coven-voice/internal/upstream"
)

// shutdownTimeout bounds the whole shutdown sequence.
const shutdownTimeout = 10 * time.Second

// Components are the collaborators the gateway runs on. New builds the
// real ones from config; tests supply fakes.
type Components struct {
	Store     store.Store
	Dialer    upstream.Dialer
	Endpoints legs.EndpointFactory
	Agents    map[string]turn.Agent
	Metrics   *metrics.Metrics // optional
}

// Gateway orchestrates the coven-voice server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	metrics  *metrics.Metrics
	agents   *agent.Manager
	upstream *upstream.Manager
	legs     *legs.Registry
	stream   *events.Stream
	hub      *events.Hub // gateway-level events such as verbose_changed

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// cancelServe cancels the base context of every request, ending
	// long-lived event streams so HTTP shutdown can complete.
	cancelServe context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the SQLite store, honouring COVEN_VOICE_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_VOICE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration, building the store, the
// WebRTC transports, and a CLI backend for every configured agent.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	backends := make(map[string]turn.Agent, len(cfg.Agents))
	for name, a := range cfg.Agents {
		cliCfg := agent.CLIConfig{
			Command:        a.Command,
			Args:           a.Args,
			NewContextArgs: a.NewContextArgs,
			ResumeArgs:     a.ResumeArgs,
			WorkDir:        a.WorkDir,
			Env:            a.Env,
			Logger:         logger,
		}
		if err := cliCfg.Validate(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		backends[name] = agent.NewCLIAgent(cliCfg)
	}

	dialer := rtc.NewDialer(rtc.DialerConfig{
		URL:        cfg.Upstream.URL,
		Model:      cfg.Upstream.Model,
		APIKey:     cfg.Upstream.APIKey,
		ICEServers: cfg.Upstream.ICEServers,
		Logger:     logger,
	})

	gw, err := NewWithComponents(cfg, Components{
		Store:     s,
		Dialer:    dialer,
		Endpoints: rtc.NewEndpointFactory(cfg.Upstream.ICEServers, logger),
		Agents:    backends,
		Metrics:   metrics.New(),
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithComponents wires a Gateway around the given collaborators.
func NewWithComponents(cfg *config.Config, c Components, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Store == nil {
		return nil, errors.New("store is required")
	}
	if c.Dialer == nil || c.Endpoints == nil {
		return nil, errors.New("dialer and endpoint factory are required")
	}

	m := c.Metrics
	statusHub := events.NewHub("upstream", logger).WithMetrics(m)
	transcriptHub := events.NewHub("transcripts", logger).WithMetrics(m)
	legsHub := events.NewHub("legs", logger).WithMetrics(m)
	gatewayHub := events.NewHub("gateway", logger).WithMetrics(m)
	hubs := []*events.Hub{statusHub, transcriptHub, legsHub, gatewayHub}

	agentMgr := agent.NewManager(logger.With("component", "agent-manager"))

	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ac := cfg.Agents[name]
		hub := events.NewHub("agent:"+name, logger).WithMetrics(m)
		ctrl := turn.NewController(turn.Config{
			Name:          name,
			Agent:         c.Agents[name],
			Hub:           hub,
			Store:         c.Store,
			Logger:        logger,
			Metrics:       m,
			SummaryPrompt: ac.SummaryPrompt,
			SeedPrompt:    ac.SeedPrompt,
		})
		if err := agentMgr.Register(agent.Registration{
			Name:            name,
			ToolName:        ac.ToolName,
			ToolDescription: ac.ToolDescription,
			Controller:      ctrl,
		}); err != nil {
			return nil, fmt.Errorf("registering agent %s: %w", name, err)
		}
		hubs = append(hubs, hub)
	}

	upstreamMgr := upstream.NewManager(upstream.Config{
		Dialer:        c.Dialer,
		ReadyTimeout:  cfg.Upstream.ReadyTimeout,
		StatusHub:     statusHub,
		TranscriptHub: transcriptHub,
		Tools:         agentMgr,
		Store:         c.Store,
		SessionUpdate: sessionConfig(cfg.Upstream, agentMgr.Tools()),
		Logger:        logger,
		Metrics:       m,
	})

	registry := legs.NewRegistry(legs.Config{
		Factory:   c.Endpoints,
		Session:   upstreamMgr,
		StatusHub: legsHub,
		Logger:    logger,
		Metrics:   m,
	})

	policy := events.NewPolicy(nil)
	policy.SetVerbose(cfg.Events.Verbose)

	serveCtx, cancelServe := context.WithCancel(context.Background())

	gw := &Gateway{
		config:      cfg,
		store:       c.Store,
		metrics:     m,
		agents:      agentMgr,
		upstream:    upstreamMgr,
		legs:        registry,
		stream:      events.NewStream(policy, logger, hubs...),
		hub:         gatewayHub,
		logger:      logger.With("component", "gateway"),
		cancelServe: cancelServe,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           otelhttp.NewHandler(gw.routes(), "coven-voice"),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	gw.logger.Info("gateway configured", "agents", names, "verbose", cfg.Events.Verbose)
	return gw, nil
}

// sessionConfig builds the session.update sent once the control channel opens.
func sessionConfig(cfg config.UpstreamConfig, tools []realtime.Tool) *realtime.SessionConfig {
	sc := &realtime.SessionConfig{
		Model:        cfg.Model,
		Instructions: cfg.Instructions,
		Tools:        tools,
	}
	if len(tools) > 0 {
		sc.ToolChoice = "auto"
	}
	if cfg.Voice != "" || cfg.TranscriptionModel != "" {
		sc.Audio = &realtime.AudioConfig{}
		if cfg.TranscriptionModel != "" {
			sc.Audio.Input = &realtime.AudioInput{
				Transcription: &realtime.Transcription{Model: cfg.TranscriptionModel},
			}
		}
		if cfg.Voice != "" {
			sc.Audio.Output = &realtime.AudioOutput{Voice: cfg.Voice}
		}
	}
	return sc
}

// Handler returns the instrumented HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Agents returns the agent manager.
func (g *Gateway) Agents() *agent.Manager {
	return g.agents
}

// Upstream returns the upstream session manager.
func (g *Gateway) Upstream() *upstream.Manager {
	return g.upstream
}

// Legs returns the client leg registry.
func (g *Gateway) Legs() *legs.Registry {
	return g.legs
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// Either way the gateway is shut down before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("initiating shutdown")
		return g.gracefulShutdown()
	})
	return eg.Wait()
}

// gracefulShutdown runs Shutdown with a fresh context since the run
// context is already cancelled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener returns a tailnet listener when tailscale is enabled,
// otherwise a TCP listener on server.http_addr.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "coven-voice", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or the TS_AUTHKEY environment variable.
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

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gateway: HTTP first, then client legs, in-flight
// turns, the upstream session, and finally the event stream and store.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error

	g.cancelServe()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	dropped := g.legs.DropAll()
	paused := g.agents.PauseAll(ctx)
	g.logger.Info("released clients and turns", "legs_dropped", dropped, "turns_paused", paused)

	errs = appendCloseError(errs, "upstream close", g.upstream.Close())

	g.stream.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
