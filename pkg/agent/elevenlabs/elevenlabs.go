// Package elevenlabs implements the agent.Provider interface for ElevenLabs
// Conversational AI.
//
// A session is one WebSocket connection to the convai endpoint. Caller audio
// is sent as base64 JSON messages, agent speech arrives as base64 audio
// events, and the server pings periodically; pings are surfaced as
// keepalive events so the caller decides when to answer them. The audio
// formats are not chosen by the client: they are read from the
// conversation_initiation_metadata message the server sends first.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Compile-time assertions that Provider and session satisfy the agent interfaces.
var _ agent.Provider = (*Provider)(nil)
var _ agent.Session = (*session)(nil)

const (
	defaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	// defaultFormat is what the service uses when an agent has no explicit
	// format configured.
	defaultFormat = audio.EncodingPCM16000

	defaultEventBuffer = 64

	// readLimit bounds a single inbound message. Audio events for long
	// utterances are far larger than the library default.
	readLimit = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithAgentID sets the agent used when agent.Config.AgentID is empty.
func WithAgentID(id string) Option {
	return func(p *Provider) { p.agentID = id }
}

// WithEventBuffer sets the capacity of each session's event channel.
func WithEventBuffer(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.eventBuffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for ElevenLabs Conversational AI.
type Provider struct {
	apiKey      string
	agentID     string
	baseURL     string
	eventBuffer int
	log         *slog.Logger
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		eventBuffer: defaultEventBuffer,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the convai endpoint, optionally sends the conversation
// initiation client data, and waits for the initiation metadata. ctx bounds
// the whole handshake; the session itself outlives ctx.
func (p *Provider) Connect(ctx context.Context, cfg agent.Config) (agent.Session, error) {
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = p.agentID
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: elevenlabs: no agent id configured", agent.ErrConnect)
	}

	wsURL := p.baseURL + "?agent_id=" + url.QueryEscape(agentID)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"xi-api-key": []string{p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: elevenlabs: dial: %w", agent.ErrConnect, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan agent.Event, p.eventBuffer),
		log:    p.log.With("agent_id", agentID),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	fail := func(err error) (agent.Session, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("%w: elevenlabs: %w", agent.ErrConnect, err)
	}

	if len(cfg.DynamicVariables) > 0 {
		msg := clientDataMessage{
			Type:             "conversation_initiation_client_data",
			DynamicVariables: cfg.DynamicVariables,
		}
		if err := sess.writeJSON(ctx, msg); err != nil {
			return fail(fmt.Errorf("send client data: %w", err))
		}
	}

	formats, err := sess.awaitInitiation(ctx)
	if err != nil {
		return fail(err)
	}
	sess.formats = formats
	sess.log = sess.log.With("conversation_id", formats.ConversationID)
	sess.log.Debug("elevenlabs: conversation started",
		"user_input", formats.UserInput.String(),
		"agent_output", formats.AgentOutput.String(),
	)

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type clientDataMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"` // base64
}

type typedMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type initiationMetadata struct {
	ConversationID         string `json:"conversation_id"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type pingEvent struct {
	EventID int64 `json:"event_id"`
}

type errorEvent struct {
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// Some server revisions put the conversation id at the top level.
	ConversationID string `json:"conversation_id,omitempty"`

	Metadata       *initiationMetadata     `json:"conversation_initiation_metadata_event,omitempty"`
	Audio          *audioEvent             `json:"audio_event,omitempty"`
	AgentResponse  *agentResponseEvent     `json:"agent_response_event,omitempty"`
	UserTranscript *userTranscriptionEvent `json:"user_transcription_event,omitempty"`
	Ping           *pingEvent              `json:"ping_event,omitempty"`
	ErrorEvent     *errorEvent             `json:"error_event,omitempty"`
	Message        string                  `json:"message,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	events  chan agent.Event
	formats agent.Formats
	log     *slog.Logger

	// writeMu serialises writes to conn.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// awaitInitiation reads until the initiation metadata arrives. Pings that
// precede it are answered directly since no consumer exists yet.
func (s *session) awaitInitiation(ctx context.Context) (agent.Formats, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return agent.Formats{}, fmt.Errorf("await initiation: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return agent.Formats{}, fmt.Errorf("decode initiation: %w", err)
		}
		switch evt.Type {
		case "conversation_initiation_metadata":
			return s.parseFormats(&evt), nil
		case "ping":
			if evt.Ping != nil {
				if err := s.Pong(ctx, evt.Ping.EventID); err != nil {
					return agent.Formats{}, err
				}
			}
		case "error":
			return agent.Formats{}, fmt.Errorf("server error: %s", errorText(&evt))
		default:
			s.log.Debug("elevenlabs: message before initiation ignored", "type", evt.Type)
		}
	}
}

func (s *session) parseFormats(evt *serverEvent) agent.Formats {
	f := agent.Formats{
		UserInput:      defaultFormat,
		AgentOutput:    defaultFormat,
		ConversationID: evt.ConversationID,
	}
	if evt.Metadata == nil {
		return f
	}
	if evt.Metadata.ConversationID != "" {
		f.ConversationID = evt.Metadata.ConversationID
	}
	f.UserInput = s.parseFormat("user_input_audio_format", evt.Metadata.UserInputAudioFormat)
	f.AgentOutput = s.parseFormat("agent_output_audio_format", evt.Metadata.AgentOutputAudioFormat)
	return f
}

// parseFormat keeps unknown formats verbatim: the transcoder forwards such
// audio unchanged rather than failing the call.
func (s *session) parseFormat(field, raw string) audio.Encoding {
	if raw == "" {
		return defaultFormat
	}
	enc, err := audio.ParseEncoding(raw)
	if err != nil {
		s.log.Warn("elevenlabs: unsupported audio format negotiated", "field", field, "format", raw)
	}
	return enc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("elevenlabs: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Debug("elevenlabs: server closed conversation", "status", status.String())
				return
			}
			s.setErr(fmt.Errorf("%w: elevenlabs: read: %w", agent.ErrAgent, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("elevenlabs: undecodable message", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent translates one message. It returns false when the event
// was terminal.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "audio":
		if evt.Audio == nil || evt.Audio.AudioBase64 == "" {
			return true
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Audio.AudioBase64)
		if err != nil {
			s.log.Warn("elevenlabs: bad audio payload", "err", err, "event_id", evt.Audio.EventID)
			return true
		}
		if len(pcm) == 0 {
			return true
		}
		return s.emit(agent.Event{Kind: agent.EventAudio, Audio: pcm})

	case "agent_response":
		if evt.AgentResponse == nil || evt.AgentResponse.AgentResponse == "" {
			return true
		}
		return s.emit(agent.Event{
			Kind:    agent.EventTranscript,
			Speaker: agent.SpeakerAgent,
			Text:    evt.AgentResponse.AgentResponse,
		})

	case "user_transcript":
		if evt.UserTranscript == nil || evt.UserTranscript.UserTranscript == "" {
			return true
		}
		return s.emit(agent.Event{
			Kind:    agent.EventTranscript,
			Speaker: agent.SpeakerCaller,
			Text:    evt.UserTranscript.UserTranscript,
		})

	case "agent_response_end", "interruption":
		return s.emit(agent.Event{Kind: agent.EventTurnComplete})

	case "ping":
		if evt.Ping == nil {
			return true
		}
		return s.emit(agent.Event{Kind: agent.EventKeepAlive, KeepAliveID: evt.Ping.EventID})

	case "error":
		err := fmt.Errorf("%w: elevenlabs: %s", agent.ErrAgent, errorText(evt))
		s.setErr(err)
		s.emit(agent.Event{Kind: agent.EventError, Err: err})
		return false

	default:
		s.log.Debug("elevenlabs: ignoring message", "type", evt.Type)
		return true
	}
}

// emit delivers ev unless the session is shutting down. A full channel blocks
// the read loop, which is the intended backpressure.
func (s *session) emit(ev agent.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func errorText(evt *serverEvent) string {
	switch {
	case evt.ErrorEvent != nil && evt.ErrorEvent.Message != "":
		if evt.ErrorEvent.ErrorType != "" {
			return evt.ErrorEvent.ErrorType + ": " + evt.ErrorEvent.Message
		}
		return evt.ErrorEvent.Message
	case evt.Message != "":
		return evt.Message
	default:
		return "unknown error"
	}
}

// ── agent.Session methods ──────────────────────────────────────────────────────

// Formats returns the formats announced in the initiation metadata.
func (s *session) Formats() agent.Formats { return s.formats }

// SendAudio sends one chunk of caller audio.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return agent.ErrClosed
	}
	return s.writeJSON(ctx, userAudioMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SignalTurnEnd sends a user_activity message.
func (s *session) SignalTurnEnd(ctx context.Context) error {
	if s.isClosed() {
		return agent.ErrClosed
	}
	return s.writeJSON(ctx, typedMessage{Type: "user_activity"})
}

// Pong answers the ping with the given event id.
func (s *session) Pong(ctx context.Context, id int64) error {
	if s.isClosed() {
		return agent.ErrClosed
	}
	return s.writeJSON(ctx, pongMessage{Type: "pong", EventID: id})
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan agent.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.conn.Close(websocket.StatusNormalClosure, "call ended"); err != nil {
		s.log.Debug("elevenlabs: close", "err", err)
	}
	return nil
}
