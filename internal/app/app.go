// Package app wires the voxbridge subsystems into a running server.
//
// An [App] owns the AudioSocket listener, the ops listener and the
// [bridge.Bridge] every accepted connection is served by. New builds the
// bridge from the config and the agent provider registry, Run accepts calls
// until its context ends and then drains them, and Reload applies a changed
// config to the calls that start afterwards.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
)

// eventBuffer is the hub subscription buffer of the recent-calls recorder.
const eventBuffer = 64

// App owns the listeners and the bridge of one voxbridge process.
type App struct {
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar
	log     *slog.Logger
	promH   http.Handler
	extra   events.Sink

	hub      *events.Hub
	sink     events.Sink
	recent   *recentCalls
	health   *health.Handler
	sessions *SessionManager

	cfg       atomic.Pointer[config.Config]
	bridge    atomic.Pointer[bridge.Bridge]
	breaker   atomic.Pointer[resilience.Breaker]
	listening atomic.Bool

	mu      sync.Mutex
	retired []*bridge.Bridge

	ln    net.Listener
	opsLn net.Listener
	ops   *http.Server
}

// Option is a functional option for [New].
type Option func(*App)

// WithListener serves AudioSocket connections from ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// WithOpsListener serves the ops endpoints from ln instead of listening on
// server.ops_addr.
func WithOpsListener(ln net.Listener) Option {
	return func(a *App) { a.opsLn = ln }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promH = h }
}

// WithLevelVar hands the app the level variable behind the process logger so
// reloads can change verbosity.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithSink adds a sink that receives every call event besides the log and
// the hub.
func WithSink(s events.Sink) Option {
	return func(a *App) { a.extra = s }
}

// New builds an App from cfg. The agent provider is created through reg.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{reg: reg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.promH == nil {
		a.promH = promhttp.Handler()
	}

	a.hub = events.NewHub()
	a.recent = newRecentCalls(defaultRecentCalls)
	a.sink = events.Multi(events.LogSink{Log: a.log}, a.hub, a.extra)
	a.sessions = NewSessionManager(cfg.Server.MaxSessions, a.metrics, a.log)
	a.health = health.New([]health.Checker{
		{Name: "listener", Check: a.checkListener},
		{Name: "agent", Check: a.checkAgent},
	}, health.WithSessions(a.snapshot))

	b, br, err := a.newBridge(cfg)
	if err != nil {
		return nil, err
	}
	a.bridge.Store(b)
	a.breaker.Store(br)
	a.cfg.Store(cfg)
	return a, nil
}

// Run listens, accepts calls and blocks until ctx is cancelled or the
// listener fails. On the way out it stops accepting, marks the server as
// draining, ends the calls in progress within server.shutdown_timeout and
// stops the ops server. A cancelled ctx is a clean stop and returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.listen(); err != nil {
		return err
	}

	ch, unsubscribe := a.hub.Subscribe(eventBuffer)
	recentDone := make(chan struct{})
	go func() {
		defer close(recentDone)
		a.recent.consume(ch)
	}()
	defer func() {
		unsubscribe()
		<-recentDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.accept(gctx) })
	if a.ops != nil {
		g.Go(func() error {
			if err := a.ops.Serve(a.opsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.drain()
		return nil
	})

	a.log.Info("app: accepting calls",
		"listen_addr", a.ln.Addr().String(),
		"agent_provider", a.cfg.Load().Agent.Provider,
	)
	return g.Wait()
}

func (a *App) listen() error {
	cfg := a.cfg.Load()
	if a.ln == nil {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
		}
		a.ln = ln
	}
	if a.opsLn == nil && cfg.Server.OpsAddr != "-" {
		ln, err := net.Listen("tcp", cfg.Server.OpsAddr)
		if err != nil {
			_ = a.ln.Close()
			return fmt.Errorf("app: listen ops %q: %w", cfg.Server.OpsAddr, err)
		}
		a.opsLn = ln
	}
	if a.opsLn != nil {
		a.ops = &http.Server{
			Handler:           a.OpsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.log.Info("app: ops endpoints listening", "addr", a.opsLn.Addr().String())
	}
	a.listening.Store(true)
	return nil
}

func (a *App) accept(ctx context.Context) error {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("app: accept: %w", err)
		}
		_ = a.sessions.Start(conn, a.serve)
	}
}

func (a *App) serve(ctx context.Context, conn net.Conn) error {
	return a.bridge.Load().Serve(ctx, conn)
}

// drain runs once Run's context is done.
func (a *App) drain() {
	a.health.SetDraining(true)
	a.listening.Store(false)
	if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.log.Debug("app: close listener", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Load().Server.ShutdownTimeout)
	defer cancel()
	if err := a.sessions.Stop(ctx); err != nil {
		a.log.Warn("app: calls still running at shutdown", "err", err)
	}
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			a.log.Warn("app: ops server shutdown", "err", err)
		}
	}
	a.log.Info("app: stopped")
}

// Reload applies a reloaded config. The log level changes immediately; call
// settings apply to calls accepted afterwards; listener addresses need a
// restart.
func (a *App) Reload(d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("app: log level changed", "level", string(d.NewLogLevel))
	}
	a.sessions.SetMax(cfg.Server.MaxSessions)

	if d.CallSettingsChanged {
		b, br, err := a.newBridge(cfg)
		if err != nil {
			a.log.Warn("app: keeping previous call settings", "err", err)
			cfg = a.withServer(cfg)
			a.cfg.Store(cfg)
			return
		}
		a.breaker.Store(br)
		old := a.bridge.Swap(b)
		a.retire(old)
		a.log.Info("app: call settings updated for new calls", "in_progress", old.Active())
	}
	a.cfg.Store(cfg)
}

// withServer keeps the current call-related blocks and takes only the server
// block from next.
func (a *App) withServer(next *config.Config) *config.Config {
	cur := *a.cfg.Load()
	cur.Server = next.Server
	return &cur
}

func (a *App) retire(b *bridge.Bridge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retired = append(a.retired, b)
}

// Bridge returns the bridge new calls are served by.
func (a *App) Bridge() *bridge.Bridge { return a.bridge.Load() }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Subscribe returns a live feed of call events. See [events.Hub.Subscribe].
func (a *App) Subscribe(buffer int) (<-chan events.Event, func()) {
	return a.hub.Subscribe(buffer)
}

// Sessions returns the calls in progress across the current and any
// replaced bridges.
func (a *App) Sessions() []bridge.Info {
	out := a.bridge.Load().Sessions()

	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.retired[:0]
	for _, b := range a.retired {
		if b.Active() == 0 {
			continue
		}
		kept = append(kept, b)
		out = append(out, b.Sessions()...)
	}
	clear(a.retired[len(kept):])
	a.retired = kept
	return out
}

// Recent returns the most recently ended calls, newest first.
func (a *App) Recent() []CallRecord { return a.recent.list() }

type snapshot struct {
	Active []bridge.Info `json:"active"`
	Recent []CallRecord  `json:"recent"`
}

func (a *App) snapshot() any {
	return snapshot{Active: a.Sessions(), Recent: a.Recent()}
}

// OpsHandler returns the handler of the ops listener: health probes, the
// session snapshot and /metrics.
func (a *App) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.promH)
	return observe.Middleware(a.metrics)(mux)
}

// newBridge creates the agent provider for cfg, guards it with a fresh
// circuit breaker and builds the bridge around it.
func (a *App) newBridge(cfg *config.Config) (*bridge.Bridge, *resilience.Breaker, error) {
	p, err := a.reg.CreateAgent(cfg.Agent)
	if err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	br := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         cfg.Agent.Provider,
		MaxFailures:  cfg.Agent.Breaker.MaxFailures,
		ResetTimeout: cfg.Agent.Breaker.ResetTimeout,
		Logger:       a.log,
	})
	b := bridge.New(resilience.Guard(p, br), BridgeConfig(cfg),
		bridge.WithSink(a.sink),
		bridge.WithMetrics(a.metrics),
		bridge.WithLogger(a.log),
	)
	return b, br, nil
}

// BridgeConfig maps the file config onto per-call bridge settings.
func BridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		AgentID:           cfg.Agent.AgentID,
		DynamicVariables:  cfg.Agent.DynamicVariables,
		CallIDVariable:    cfg.Agent.CallIDVariable,
		TelephonyEncoding: cfg.Telephony.Encoding,
		ConnectTimeout:    cfg.Agent.ConnectTimeout,
		ReadTimeout:       cfg.Telephony.ReadTimeout,
		WriteTimeout:      cfg.Telephony.WriteTimeout,
		ResponseTimeout:   cfg.Turn.ResponseTimeout,
		FrameBytes:        cfg.Telephony.FrameBytes,
		QueueSize:         cfg.Telephony.QueueSize,
		Pacing:            cfg.Telephony.PacingEnabled(),
		Threshold:         cfg.Turn.Threshold,
		SilenceTimeout:    cfg.Turn.SilenceTimeout,
	}
}

var (
	errNotListening = errors.New("not accepting connections")
	errNoAgentID    = errors.New("agent.agent_id is not configured")
)

func (a *App) checkListener(context.Context) error {
	if !a.listening.Load() {
		return errNotListening
	}
	return nil
}

func (a *App) checkAgent(context.Context) error {
	if a.cfg.Load().Agent.AgentID == "" {
		return errNoAgentID
	}
	if a.breaker.Load().State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}
