package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/MrWong99/voxbridge/internal/observe"
)

var (
	// ErrAtCapacity is returned by [SessionManager.Start] when the session
	// limit is reached.
	ErrAtCapacity = errors.New("app: session limit reached")

	// ErrStopped is returned by [SessionManager.Start] after Stop.
	ErrStopped = errors.New("app: session manager stopped")
)

// ServeFunc runs one call on conn until it ends.
type ServeFunc func(ctx context.Context, conn net.Conn) error

// SessionManager admits telephony connections, runs each one in its own
// goroutine and cancels them all on Stop. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	max     int
	active  int
	stopped bool
}

// NewSessionManager returns a manager admitting at most max concurrent calls.
// Zero means unlimited.
func NewSessionManager(max int, metrics *observe.Metrics, log *slog.Logger) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		metrics: metrics,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		max:     max,
	}
}

// SetMax changes the session limit. Calls already running are not affected.
func (m *SessionManager) SetMax(max int) {
	m.mu.Lock()
	m.max = max
	m.mu.Unlock()
}

// Active returns the number of running calls.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start runs serve on conn in a new goroutine. A refused conn is closed and
// the refusal returned.
func (m *SessionManager) Start(conn net.Conn, serve ServeFunc) error {
	m.mu.Lock()
	var err error
	switch {
	case m.stopped:
		err = ErrStopped
	case m.max > 0 && m.active >= m.max:
		err = ErrAtCapacity
	}
	if err != nil {
		m.mu.Unlock()
		m.metrics.RejectedSessions.Add(context.Background(), 1)
		m.log.Warn("app: refusing telephony connection", "remote", conn.RemoteAddr().String(), "err", err)
		_ = conn.Close()
		return err
	}
	m.active++
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
		}()
		// Serve logs and reports its own end; the error is only relevant to
		// callers driving a single call.
		_ = serve(m.ctx, conn)
	}()
	return nil
}

// Stop refuses new calls, cancels the running ones and waits for them to
// return or ctx to expire. It is safe to call more than once.
func (m *SessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	n := m.active
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("app: ending calls in progress", "count", n)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.log.Warn("app: shutdown deadline exceeded", "remaining", m.Active())
		return ctx.Err()
	}
}
