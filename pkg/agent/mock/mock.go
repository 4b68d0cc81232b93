// Package mock provides test doubles for the agent package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script inbound events and inspect which methods the bridge
// invoked.
//
// Example:
//
//	sess := mock.NewSession(agent.Formats{
//	    UserInput:   audio.EncodingPCM16000,
//	    AgentOutput: audio.EncodingPCM16000,
//	})
//	p := &mock.Provider{Session: sess}
//	sess.Emit(agent.Event{Kind: agent.EventAudio, Audio: pcm})
//	sess.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/agent"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg agent.Config
}

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session
	// negotiating pcm_16000 in both directions.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg agent.Config) (agent.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(agent.Formats{UserInput: "pcm_16000", AgentOutput: "pcm_16000"}), nil
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements agent.Provider at compile time.
var _ agent.Provider = (*Provider)(nil)

// Session is a mock implementation of agent.Session. Events pushed with Emit
// are delivered in order; Finish or Close closes the event channel.
type Session struct {
	mu sync.Mutex

	formats agent.Formats
	events  chan agent.Event
	done    chan struct{}
	closed  bool
	err     error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SignalTurnEndErr, if non-nil, is returned by every SignalTurnEnd call.
	SignalTurnEndErr error

	// --- Call records ---

	// SentAudio holds a copy of every chunk passed to SendAudio, in order.
	SentAudio [][]byte

	// TurnEnds is the number of SignalTurnEnd calls.
	TurnEnds int

	// Pongs records the ids passed to Pong.
	Pongs []int64

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// OnTurnEnd, if set, is called after every SignalTurnEnd with the mutex
	// released, so tests can script a reply.
	OnTurnEnd func()
}

// NewSession returns a Session announcing f with a generously buffered event
// channel.
func NewSession(f agent.Formats) *Session {
	return &Session{
		formats: f,
		events:  make(chan agent.Event, 256),
		done:    make(chan struct{}),
	}
}

// Ensure Session implements agent.Session at compile time.
var _ agent.Session = (*Session)(nil)

// Emit queues an inbound event. It is a no-op after Finish or Close.
func (s *Session) Emit(ev agent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Finish ends the event stream as the remote side would, recording err as
// the value reported by Err.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// Formats returns the configured formats.
func (s *Session) Formats() agent.Formats { return s.formats }

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentAudio = append(s.SentAudio, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// SignalTurnEnd records the call and returns SignalTurnEndErr.
func (s *Session) SignalTurnEnd(context.Context) error {
	s.mu.Lock()
	s.TurnEnds++
	hook, err := s.OnTurnEnd, s.SignalTurnEndErr
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Pong records id.
func (s *Session) Pong(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pongs = append(s.Pongs, id)
	return nil
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan agent.Event { return s.events }

// Err returns the error recorded by Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the event channel if still open and counts the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	if s.CloseCallCount == 1 {
		close(s.done)
	}
	return nil
}

// Done is closed on the first Close call.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns copies of the call records. Thread-safe.
func (s *Session) Snapshot() (sent [][]byte, turnEnds int, pongs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SentAudio...), s.TurnEnds, append([]int64(nil), s.Pongs...)
}
