// Package bridge relays one telephony call to one voice-agent session.
//
// A [Bridge] is created once per process and shared by every connection. Each
// call to [Bridge.Serve] owns a single telephony connection and walks it
// through Connecting → Bridging → Closing → Closed:
//
//   - Connecting opens the agent session. Failure closes the telephony
//     connection right away; no audio is exchanged.
//   - Bridging runs three units under one errgroup: ingest (telephony to
//     agent), egress (outbound queue to telephony) and the event pump (agent
//     events to the queue). The first unit to stop cancels the others.
//   - Closing closes the agent session and the telephony connection and
//     emits a [events.CallEnded]. It runs on every exit path.
//
// Sessions share nothing but the Provider, the event sink and the metrics
// instruments. A failing session never touches another one.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/turn"
	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// ErrTransport wraps failures of the telephony connection other than a clean
// close: resets, write timeouts, half-closed sockets.
var ErrTransport = errors.New("bridge: telephony transport error")

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultWriteTimeout    = 2 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	DefaultFrameBytes      = 160
	DefaultQueueSize       = 64
)

// Conn is the telephony side of a call. [net.Conn] satisfies it.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Config holds per-call parameters. Zero values select the defaults.
type Config struct {
	// AgentID selects the remote agent. Empty leaves the choice to the
	// provider.
	AgentID string

	// DynamicVariables are handed to the agent at conversation start.
	DynamicVariables map[string]string

	// CallIDVariable, when set, names a dynamic variable that receives the
	// telephony call UUID.
	CallIDVariable string

	// TelephonyEncoding is the audio encoding on the AudioSocket leg.
	// Defaults to pcm_8000 (signed linear, as Asterisk's AudioSocket sends).
	TelephonyEncoding audio.Encoding

	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration

	// FrameBytes caps the payload of each audio frame written to telephony.
	FrameBytes int

	// QueueSize bounds the outbound queue between event pump and egress.
	QueueSize int

	// Pacing limits egress to real time so long replies do not overrun the
	// trunk's jitter buffer.
	Pacing bool

	// Threshold and SilenceTimeout configure caller turn detection.
	Threshold      float64
	SilenceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TelephonyEncoding == "" {
		c.TelephonyEncoding = audio.EncodingPCM8000
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = audiosocket.DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.FrameBytes <= 0 || c.FrameBytes > audiosocket.MaxPayload {
		c.FrameBytes = DefaultFrameBytes
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Threshold <= 0 {
		c.Threshold = turn.DefaultThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = turn.DefaultSilenceTimeout
	}
	return c
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithSink sets the collaborator that receives call lifecycle events.
func WithSink(s events.Sink) Option {
	return func(b *Bridge) {
		if s != nil {
			b.sink = s
		}
	}
}

// WithMetrics sets the instruments sessions record into. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithLogger sets the base logger. Every session derives its own logger
// carrying session_id.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock replaces time.Now for turn detection and call durations.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// CallOption adjusts a single [Bridge.Serve] call.
type CallOption func(*callOptions)

type callOptions struct {
	agentID string
}

// WithAgentID overrides Config.AgentID for one call.
func WithAgentID(id string) CallOption {
	return func(o *callOptions) { o.agentID = id }
}

// Bridge serves telephony connections against a voice-agent provider. It is
// safe for concurrent use.
type Bridge struct {
	provider agent.Provider
	cfg      Config
	sink     events.Sink
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*call
}

// New creates a Bridge. Options are applied in order.
func New(provider agent.Provider, cfg Config, opts ...Option) *Bridge {
	b := &Bridge{
		provider: provider,
		cfg:      cfg.withDefaults(),
		sink:     events.Discard,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*call),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Config returns the effective configuration with defaults applied.
func (b *Bridge) Config() Config { return b.cfg }

// Serve runs one call on conn until it ends and returns the error that ended
// it, or nil for a clean end (hangup, telephony close, the agent ending the
// conversation, ctx cancellation). conn is always closed when Serve returns.
//
// Errors wrap [agent.ErrConnect], [agent.ErrAgent], [audiosocket.ErrProtocol]
// or [ErrTransport].
func (b *Bridge) Serve(ctx context.Context, conn Conn, opts ...CallOption) error {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	if co.agentID == "" {
		co.agentID = b.cfg.AgentID
	}

	c := b.newCall(conn, co)
	b.track(c)
	defer b.untrack(c)

	ctx, span := observe.StartSessionSpan(ctx, c.id, c.remote)
	defer span.End()
	c.log = observe.LoggerWith(ctx, c.log)

	b.metrics.ActiveSessions.Add(ctx, 1)
	defer b.metrics.ActiveSessions.Add(ctx, -1)

	reason, err := c.run(ctx)

	c.setState(StateClosing)
	if c.sess != nil {
		if cerr := c.sess.Close(); cerr != nil {
			c.log.Debug("bridge: close agent session", "err", cerr)
		}
	}
	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		c.log.Debug("bridge: close telephony connection", "err", cerr)
	}

	d := b.now().Sub(c.started)
	b.sink.Publish(ctx, events.CallEnded{
		SessionID: c.id,
		CallID:    c.callID,
		Reason:    reason,
		Err:       err,
		Duration:  d,
		At:        b.now(),
	})
	b.metrics.RecordSessionEnd(ctx, string(reason))
	c.setState(StateClosed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(reason))
		c.log.Warn("bridge: session ended", "reason", string(reason), "duration", d.String(), "err", err)
	} else {
		c.log.Info("bridge: session ended", "reason", string(reason), "duration", d.String())
	}
	return err
}

// Sessions returns a snapshot of the calls in progress.
func (b *Bridge) Sessions() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, 0, len(b.sessions))
	for _, c := range b.sessions {
		out = append(out, c.info())
	}
	return out
}

// Active returns the number of calls in progress.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Bridge) track(c *call) {
	b.mu.Lock()
	b.sessions[c.id] = c
	b.mu.Unlock()
}

func (b *Bridge) untrack(c *call) {
	b.mu.Lock()
	delete(b.sessions, c.id)
	b.mu.Unlock()
}

func (b *Bridge) newCall(conn Conn, co callOptions) *call {
	id := uuid.NewString()
	remote := ""
	if a := conn.RemoteAddr(); a != nil {
		remote = a.String()
	}
	cfg := b.cfg
	c := &call{
		b:       b,
		cfg:     cfg,
		agentID: co.agentID,
		id:      id,
		remote:  remote,
		started: b.now(),
		conn:    conn,
		log:     b.log.With("session_id", id, "remote", remote),
		queue:   make(chan outbound, cfg.QueueSize),
		turnEnd: make(chan time.Time, 1),
	}
	c.w = &telephonyWriter{conn: conn, timeout: cfg.WriteTimeout}
	c.setState(StateConnecting)
	return c
}

// run drives Connecting and Bridging and reports why the call ended.
func (c *call) run(ctx context.Context) (events.Reason, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the socket is the only way to unblock a read parked inside a
	// frame payload, which has no deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	c.reader = audiosocket.NewReader(c.conn,
		audiosocket.WithReadTimeout(c.cfg.ReadTimeout),
		audiosocket.WithLogger(c.log),
	)

	if reason, done, err := c.awaitCallID(ctx); done {
		return reason, err
	}

	if err := c.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return events.ReasonShutdown, nil
		}
		return events.ReasonAgentConnectFailed, err
	}

	c.setState(StateBridging)
	c.b.sink.Publish(ctx, events.CallStarted{
		SessionID:      c.id,
		CallID:         c.callID,
		RemoteAddr:     c.remote,
		AgentID:        c.agentID,
		ConversationID: c.formats.ConversationID,
		At:             c.b.now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	eg := c.newEgress()
	g.Go(func() error {
		defer cancel()
		return c.ingest(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return eg.run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.pump(gctx)
	})

	err := g.Wait()
	var ee *endError
	switch {
	case errors.As(err, &ee):
		return ee.reason, ee.err
	case err != nil:
		return events.ReasonTransportError, err
	default:
		return events.ReasonShutdown, nil
	}
}

// awaitCallID reads the first telephony frame. Asterisk sends the call UUID
// before any audio; an audio frame arriving first is kept for ingest. done is
// true when the call ended before the agent was contacted.
func (c *call) awaitCallID(ctx context.Context) (reason events.Reason, done bool, err error) {
	f, err := c.reader.Next()
	switch {
	case errors.Is(err, audiosocket.ErrReadTimeout):
		c.log.Debug("bridge: no session id frame before read timeout")
		return "", false, nil
	case err != nil:
		reason, err := c.readFailure(ctx, err)
		return reason, true, err
	}

	switch f.Type {
	case audiosocket.TypeSessionID:
		id, perr := f.SessionID()
		if perr != nil {
			c.log.Warn("bridge: unparseable session id frame", "err", perr)
			break
		}
		c.setCallID(id.String())
		c.log = c.log.With("call_id", id.String())
		c.log.Info("bridge: call started")
	case audiosocket.TypeAudio:
		c.pending = &f
	case audiosocket.TypeHangup:
		return events.ReasonHangup, true, nil
	}
	return "", false, nil
}

func (c *call) connect(ctx context.Context) error {
	vars := maps.Clone(c.cfg.DynamicVariables)
	if c.cfg.CallIDVariable != "" && c.callID != "" {
		if vars == nil {
			vars = make(map[string]string, 1)
		}
		vars[c.cfg.CallIDVariable] = c.callID
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	sess, err := c.b.provider.Connect(cctx, agent.Config{AgentID: c.agentID, DynamicVariables: vars})
	c.b.metrics.AgentConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, agent.ErrConnect) {
			err = fmt.Errorf("%w: %w", agent.ErrConnect, err)
		}
		return fmt.Errorf("bridge: connect agent: %w", err)
	}

	c.sess = sess
	c.formats = sess.Formats()
	c.mu.Lock()
	c.convID = c.formats.ConversationID
	c.mu.Unlock()
	if c.formats.ConversationID != "" {
		c.log = c.log.With("conversation_id", c.formats.ConversationID)
	}
	c.log.Info("bridge: agent connected",
		"agent_id", c.agentID,
		"user_input", c.formats.UserInput.String(),
		"agent_output", c.formats.AgentOutput.String(),
		"telephony", c.cfg.TelephonyEncoding.String(),
	)
	return nil
}

// readFailure classifies a telephony read error that is not a timeout.
func (c *call) readFailure(ctx context.Context, err error) (events.Reason, error) {
	switch {
	case ctx.Err() != nil:
		return events.ReasonShutdown, nil
	case errors.Is(err, io.EOF):
		return events.ReasonTelephonyClosed, nil
	case errors.Is(err, audiosocket.ErrProtocol):
		return events.ReasonProtocolError, err
	default:
		return events.ReasonTransportError, fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
