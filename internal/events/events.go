// Package events carries per-call lifecycle notifications from the bridge to
// whatever sits outside it: a notification layer, a call log, a dashboard.
//
// The bridge only ever talks to a [Sink]. [Hub] fans events out to any number
// of channel subscribers without ever blocking the publisher, [LogSink]
// writes them to slog, and [Multi] combines sinks.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Type names an event.
type Type string

const (
	TypeCallStarted    Type = "call_started"
	TypeTranscriptLine Type = "transcript_line"
	TypeCallEnded      Type = "call_ended"
)

// Event is implemented by every notification the bridge emits.
type Event interface {
	Type() Type
	Session() string
	Timestamp() time.Time
}

// CallStarted is emitted once the agent session is established and audio
// starts flowing.
type CallStarted struct {
	SessionID      string
	CallID         string
	RemoteAddr     string
	AgentID        string
	ConversationID string
	At             time.Time
}

func (e CallStarted) Type() Type           { return TypeCallStarted }
func (e CallStarted) Session() string      { return e.SessionID }
func (e CallStarted) Timestamp() time.Time { return e.At }

// TranscriptLine is one recognised utterance of the caller or the agent.
type TranscriptLine struct {
	SessionID string
	Speaker   string
	Text      string
	At        time.Time
}

func (e TranscriptLine) Type() Type           { return TypeTranscriptLine }
func (e TranscriptLine) Session() string      { return e.SessionID }
func (e TranscriptLine) Timestamp() time.Time { return e.At }

// CallEnded is emitted exactly once per session, on every exit path.
type CallEnded struct {
	SessionID string
	CallID    string
	Reason    Reason
	// Err is the error that ended the call, if any.
	Err      error
	Duration time.Duration
	At       time.Time
}

func (e CallEnded) Type() Type           { return TypeCallEnded }
func (e CallEnded) Session() string      { return e.SessionID }
func (e CallEnded) Timestamp() time.Time { return e.At }

// Reason explains why a call ended.
type Reason string

const (
	ReasonHangup             Reason = "hangup"
	ReasonTelephonyClosed    Reason = "telephony_closed"
	ReasonProtocolError      Reason = "protocol_error"
	ReasonTransportError     Reason = "transport_error"
	ReasonAgentConnectFailed Reason = "agent_connect_failed"
	ReasonAgentError         Reason = "agent_error"
	ReasonAgentClosed        Reason = "agent_closed"
	ReasonShutdown           Reason = "shutdown"
)

// Sink receives events. Publish must not block for long: it is called from
// the bridge's hot paths.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, e Event)

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Multi returns a Sink that publishes to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range out {
			s.Publish(ctx, e)
		}
	})
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

// Publish logs e. Transcript lines go to debug level.
func (s LogSink) Publish(ctx context.Context, e Event) {
	l := s.Log
	if l == nil {
		l = slog.Default()
	}
	switch ev := e.(type) {
	case CallStarted:
		l.InfoContext(ctx, "call started",
			"session_id", ev.SessionID,
			"call_id", ev.CallID,
			"remote", ev.RemoteAddr,
			"agent_id", ev.AgentID,
			"conversation_id", ev.ConversationID,
		)
	case TranscriptLine:
		l.DebugContext(ctx, "transcript",
			"session_id", ev.SessionID,
			"speaker", ev.Speaker,
			"text", ev.Text,
		)
	case CallEnded:
		attrs := []any{
			"session_id", ev.SessionID,
			"call_id", ev.CallID,
			"reason", string(ev.Reason),
			"duration", ev.Duration.String(),
		}
		if ev.Err != nil {
			attrs = append(attrs, "err", ev.Err)
		}
		l.InfoContext(ctx, "call ended", attrs...)
	default:
		l.InfoContext(ctx, "event", "type", string(e.Type()), "session_id", e.Session())
	}
}
