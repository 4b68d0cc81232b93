package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/agent/mock"
)

var errTest = errors.New("test error")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, reset time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		Now:          clk.Now,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return b, clk
}

func call(t *testing.T, b *Breaker, failed bool) error {
	t.Helper()
	done, err := b.Allow()
	if err != nil {
		return err
	}
	if failed {
		done(Failed)
	} else {
		done(Succeeded)
	}
	return nil
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.maxFailures != 5 || b.resetTimeout != 30*time.Second || b.halfOpenMax != 1 {
		t.Errorf("defaults = %d / %s / %d", b.maxFailures, b.resetTimeout, b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := range 3 {
		if err := call(t, b, true); err != nil {
			t.Fatalf("call %d rejected early: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := call(t, b, false); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("call while open = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	_ = call(t, b, true)
	_ = call(t, b, true)
	_ = call(t, b, false)
	_ = call(t, b, true)
	_ = call(t, b, true)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe Outcome
		want  State
	}{
		{"success closes", Succeeded, StateClosed},
		{"failure re-opens", Failed, StateOpen},
		{"abandoned stays half-open", Abandoned, StateHalfOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, clk := newTestBreaker(1, time.Minute)
			_ = call(t, b, true)
			if b.State() != StateOpen {
				t.Fatalf("state = %v, want open", b.State())
			}

			clk.Advance(time.Minute)
			if b.State() != StateHalfOpen {
				t.Fatalf("state after reset timeout = %v, want half-open", b.State())
			}

			done, err := b.Allow()
			if err != nil {
				t.Fatalf("probe rejected: %v", err)
			}
			// Only one probe at a time.
			if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
				t.Errorf("second concurrent probe = %v, want ErrCircuitOpen", err)
			}
			done(tc.probe)
			done(Succeeded) // ignored

			if b.State() != tc.want {
				t.Errorf("state = %v, want %v", b.State(), tc.want)
			}
		})
	}
}

func TestBreaker_AbandonedProbeFreesSlot(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = call(t, b, true)
	clk.Advance(time.Minute)

	done, err := b.Allow()
	if err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	done(Abandoned)

	// The next caller gets to probe, and its result decides.
	if err := call(t, b, false); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_AbandonedKeepsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	_ = call(t, b, true)

	done, _ := b.Allow()
	done(Abandoned)
	_ = call(t, b, true)

	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after two failures around an abandoned call", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	_ = call(t, b, true)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := call(t, b, false); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

// ── Guard ────────────────────────────────────────────────────────────────────

func TestGuard_FailsFastWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	prov := &mock.Provider{ConnectErr: errTest}
	g := Guard(prov, b)

	for range 2 {
		if _, err := g.Connect(context.Background(), agent.Config{}); !errors.Is(err, errTest) {
			t.Fatalf("Connect = %v, want errTest", err)
		}
	}
	_, err := g.Connect(context.Background(), agent.Config{})
	if !errors.Is(err, agent.ErrConnect) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Connect while open = %v, want ErrConnect and ErrCircuitOpen", err)
	}
	if n := len(prov.Calls()); n != 2 {
		t.Errorf("provider reached %d times, want 2", n)
	}
	if g.Breaker() != b {
		t.Error("Breaker() returned a different breaker")
	}
}

func TestGuard_CancelledCallerNotCounted(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	g := Guard(&mock.Provider{ConnectErr: context.Canceled}, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = g.Connect(ctx, agent.Config{})

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestGuard_DeadlineExceededCounts(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	p := &mock.Provider{ConnectErr: context.DeadlineExceeded}
	g := Guard(p, b)

	for range 3 {
		ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
		_, err := g.Connect(ctx, agent.Config{})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Connect = %v, want the handshake timeout", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state after 3 timed-out handshakes = %v, want open", b.State())
	}

	_, err := g.Connect(context.Background(), agent.Config{})
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, agent.ErrConnect) {
		t.Errorf("Connect while open = %v, want ErrConnect wrapping ErrCircuitOpen", err)
	}
	if got := len(p.Calls()); got != 3 {
		t.Errorf("provider reached %d times, want 3", got)
	}
}

// stalledProvider never completes a handshake before ctx ends.
type stalledProvider struct{}

func (stalledProvider) Connect(ctx context.Context, _ agent.Config) (agent.Session, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", agent.ErrConnect, ctx.Err())
}

func TestGuard_StalledAgentOpensBreaker(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	g := Guard(stalledProvider{}, b)

	for i := range 5 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := g.Connect(ctx, agent.Config{})
		cancel()
		if !errors.Is(err, agent.ErrConnect) {
			t.Fatalf("handshake %d = %v, want ErrConnect", i, err)
		}
		if i >= 3 && !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("handshake %d = %v, want fail-fast ErrCircuitOpen", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Errorf("state after stalled handshakes = %v, want open", b.State())
	}
}

func TestConnectOutcome(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Outcome
	}{
		{"success", context.Background(), nil, Succeeded},
		{"backend error", context.Background(), errTest, Failed},
		{"handshake deadline", expired, context.DeadlineExceeded, Failed},
		{"caller cancelled", cancelled, context.Canceled, Abandoned},
		{"success despite cancel", cancelled, nil, Succeeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := connectOutcome(tc.ctx, tc.err); got != tc.want {
				t.Errorf("connectOutcome = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGuard_Success(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	g := Guard(&mock.Provider{}, b)

	sess, err := g.Connect(context.Background(), agent.Config{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}
