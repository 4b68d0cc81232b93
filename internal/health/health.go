// Package health serves the operational HTTP endpoints of voxbridge:
//
//   - /healthz: liveness; 200 while the process can serve HTTP.
//   - /readyz: readiness; 200 only when every [Checker] passes and the
//     server is not draining.
//   - /sessions: a JSON snapshot of the calls in progress.
//
// Responses are JSON objects. Probe responses carry a top-level "status"
// field ("ok" or "fail") and a "checks" map with each named result.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDraining is reported by /readyz once [Handler.SetDraining] was called.
var ErrDraining = errors.New("draining")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionLister returns the value rendered by /sessions. It must be safe to
// call from any goroutine.
type SessionLister func() any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the ops endpoints. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	sessions SessionLister
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSessions enables /sessions backed by fn.
func WithSessions(fn SessionLister) Option {
	return func(h *Handler) { h.sessions = fn }
}

// New creates a [Handler] that evaluates checkers in order on each /readyz.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining marks the server as shutting down. /readyz fails from then on
// so load balancers stop routing new calls here.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes. Each checker gets its
// own [checkTimeout] derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	allOK := true

	if h.draining.Load() {
		checks["shutdown"] = "fail: " + ErrDraining.Error()
		allOK = false
	}
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Sessions renders the configured [SessionLister], or 404 without one.
func (h *Handler) Sessions(w http.ResponseWriter, _ *http.Request) {
	if h.sessions == nil {
		http.NotFound(w, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions())
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /sessions", h.Sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
