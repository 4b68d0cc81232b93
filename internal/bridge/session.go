package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// State is the lifecycle phase of one call.
type State int32

const (
	StateConnecting State = iota
	StateBridging
	StateClosing
	StateClosed
)

// String returns the lowercase name of s.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBridging:
		return "bridging"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders s by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TurnState tracks who holds the floor. It decides whether ingest may write
// silence keepalives and whether a response timer is pending.
type TurnState int32

const (
	TurnIdle TurnState = iota
	TurnCallerSpeaking
	TurnAgentResponding
)

// String returns the lowercase name of t.
func (t TurnState) String() string {
	switch t {
	case TurnIdle:
		return "idle"
	case TurnCallerSpeaking:
		return "caller_speaking"
	case TurnAgentResponding:
		return "agent_responding"
	default:
		return "unknown"
	}
}

// MarshalText renders t by name in JSON and logs.
func (t TurnState) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// turnState is shared by the three units of a call.
type turnState struct{ v atomic.Int32 }

func (t *turnState) load() TurnState   { return TurnState(t.v.Load()) }
func (t *turnState) store(s TurnState) { t.v.Store(int32(s)) }
func (t *turnState) cas(from, to TurnState) bool {
	return t.v.CompareAndSwap(int32(from), int32(to))
}

// Info describes a call in progress.
type Info struct {
	SessionID      string    `json:"session_id"`
	CallID         string    `json:"call_id,omitempty"`
	RemoteAddr     string    `json:"remote_addr"`
	AgentID        string    `json:"agent_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	State          State     `json:"state"`
	Turn           TurnState `json:"turn"`
	Started        time.Time `json:"started"`
}

// call is the per-connection state owned by one Serve invocation.
type call struct {
	b       *Bridge
	cfg     Config
	agentID string
	id      string
	remote  string
	started time.Time

	conn   Conn
	reader *audiosocket.Reader
	w      *telephonyWriter
	log    *slog.Logger

	sess    agent.Session
	formats agent.Formats

	// pending holds an audio frame that arrived before any session id.
	pending *audiosocket.Frame

	queue   chan outbound
	turnEnd chan time.Time
	turn    turnState
	state   atomic.Int32

	mu     sync.Mutex
	callID string
	convID string
}

func (c *call) setState(s State) { c.state.Store(int32(s)) }

func (c *call) setCallID(id string) {
	c.mu.Lock()
	c.callID = id
	c.mu.Unlock()
}

func (c *call) info() Info {
	c.mu.Lock()
	callID, convID := c.callID, c.convID
	c.mu.Unlock()
	return Info{
		SessionID:      c.id,
		CallID:         callID,
		RemoteAddr:     c.remote,
		AgentID:        c.agentID,
		ConversationID: convID,
		State:          State(c.state.Load()),
		Turn:           c.turn.load(),
		Started:        c.started,
	}
}

// endError carries the reason a unit stopped the call. err is nil for clean
// endings.
type endError struct {
	reason events.Reason
	err    error
}

func (e *endError) Error() string {
	if e.err == nil {
		return "bridge: " + string(e.reason)
	}
	return "bridge: " + string(e.reason) + ": " + e.err.Error()
}

func (e *endError) Unwrap() error { return e.err }

func endCall(reason events.Reason, err error) error {
	return &endError{reason: reason, err: err}
}
