// Package agent defines the Provider interface for conversational voice-agent
// backends.
//
// A voice agent is a remote service that listens to caller audio, decides when
// to reply, and streams synthesised speech back over one persistent, stateful
// connection per call. The central abstraction is [Session]: it carries caller
// audio out, turn-end hints and keepalive acknowledgements, and surfaces every
// inbound message as a typed [Event] on a single ordered channel.
//
// Sessions are never reconnected in place. A failed session is closed and the
// call ends; a new call creates a new session.
//
// All implementations must be safe for concurrent use.
package agent

import (
	"context"
	"errors"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

var (
	// ErrConnect wraps every failure of [Provider.Connect]: dial errors,
	// rejected credentials, a missing or malformed initiation message.
	ErrConnect = errors.New("agent: connect failed")

	// ErrAgent wraps terminal errors reported by the remote agent after the
	// session was established.
	ErrAgent = errors.New("agent: remote error")

	// ErrClosed is returned by Session methods called after Close.
	ErrClosed = errors.New("agent: session closed")
)

// Config is the per-call configuration passed to [Provider.Connect].
type Config struct {
	// AgentID selects the remote agent. Empty means the provider's default.
	AgentID string

	// DynamicVariables are handed to the agent at conversation start, for
	// example the caller's session identifier. Optional.
	DynamicVariables map[string]string
}

// Formats is the audio format agreement returned by the remote side when the
// session starts. Both encodings stay fixed for the lifetime of the session.
type Formats struct {
	// UserInput is the encoding the agent expects caller audio in.
	UserInput audio.Encoding

	// AgentOutput is the encoding of agent audio events.
	AgentOutput audio.Encoding

	// ConversationID is the remote identifier of the conversation, if any.
	ConversationID string
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventAudio carries a chunk of agent speech in Formats.AgentOutput.
	EventAudio EventKind = iota

	// EventTranscript carries the text of an agent reply or of recognised
	// caller speech. Informational only.
	EventTranscript

	// EventTurnComplete means the agent finished (or abandoned) its reply.
	EventTurnComplete

	// EventKeepAlive is a ping that must be answered with [Session.Pong].
	EventKeepAlive

	// EventError is a terminal error. The channel closes right after it.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventKeepAlive:
		return "keepalive"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies who said a transcribed line.
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerCaller Speaker = "caller"
)

// Event is one inbound message from the agent. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// Audio is the decoded payload of an EventAudio.
	Audio []byte

	// Speaker and Text describe an EventTranscript.
	Speaker Speaker
	Text    string

	// KeepAliveID must be echoed back through Pong for an EventKeepAlive.
	KeepAliveID int64

	// Err is set for EventError and wraps [ErrAgent].
	Err error
}

// Session represents an open conversation with a voice agent. It is an
// interface so that test code can supply mock implementations without a live
// provider connection.
//
// Writes to the underlying connection are serialised by the implementation,
// so SendAudio, SignalTurnEnd and Pong may be called from different
// goroutines. Callers must call Close when the session is no longer needed.
type Session interface {
	// Formats returns the audio formats agreed when the session was opened.
	Formats() Formats

	// SendAudio submits one chunk of caller audio in Formats().UserInput.
	// Chunk order is preserved; chunk boundaries carry no meaning.
	SendAudio(ctx context.Context, chunk []byte) error

	// SignalTurnEnd tells the agent the caller stopped speaking. Sending it
	// with no preceding audio is harmless.
	SignalTurnEnd(ctx context.Context) error

	// Pong acknowledges the keepalive with the given id.
	Pong(ctx context.Context, id int64) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed by the session when the connection ends, after a terminal
	// EventError, or after Close. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the event stream, or nil if the
	// session ended cleanly. Check it after Events is closed.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any voice-agent backend.
//
// Implementations must be safe for concurrent use: every call gets its own
// Session from the same Provider.
type Provider interface {
	// Connect opens a session and blocks until the remote side has announced
	// the audio formats. Errors wrap [ErrConnect]. The caller owns the
	// returned Session.
	Connect(ctx context.Context, cfg Config) (Session, error)
}
