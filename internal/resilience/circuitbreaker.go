// Package resilience protects calls from a failing voice-agent backend.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [Guard] wraps an [agent.Provider] so that, once the backend has refused a
// run of handshakes, new calls fail fast instead of each waiting out the
// connect timeout while a caller listens to silence.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Allow] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen

	// StateHalfOpen lets a bounded number of probes through. The first
	// successful probe closes the breaker; a failed one re-opens it.
	StateHalfOpen
)

// String returns the lowercase name of s.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// Name labels log lines, typically the provider name.
	Name string

	// MaxFailures is the run of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds concurrent probes in the half-open state.
	// Default: 1.
	HalfOpenMax int

	Now    func() time.Time
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
	log          *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          cfg.Now,
		log:          cfg.Logger,
	}
}

// Outcome is what a caller reports about one allowed call.
type Outcome int

const (
	// Succeeded closes a half-open breaker and clears the failure run.
	Succeeded Outcome = iota
	// Failed counts against the backend.
	Failed
	// Abandoned says nothing about the backend, e.g. the caller went away.
	// It frees a half-open probe slot and leaves the state unchanged.
	Abandoned
)

// Allow asks to make one call. On success the caller must invoke done exactly
// once with the call's outcome; later invocations are ignored.
func (b *Breaker) Allow() (done func(Outcome), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return nil, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.log.Info("resilience: circuit half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			return nil, ErrCircuitOpen
		}
		b.probes++
		return b.once(true), nil
	default:
		return b.once(false), nil
	}
}

func (b *Breaker) once(probe bool) func(Outcome) {
	var o sync.Once
	return func(out Outcome) {
		o.Do(func() { b.record(probe, out) })
	}
}

func (b *Breaker) record(probe bool, out Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probes--
	}
	switch {
	case out == Abandoned:
	case out == Succeeded && b.state == StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.log.Info("resilience: circuit closed", "name", b.name)
	case out == Succeeded:
		b.failures = 0
	case b.state == StateHalfOpen:
		b.trip()
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.log.Warn("resilience: circuit open",
		"name", b.name,
		"consecutive_failures", b.failures,
		"retry_after", b.resetTimeout.String(),
	)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
}
