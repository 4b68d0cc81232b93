package app

import (
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/events"
)

// defaultRecentCalls is how many ended calls /sessions reports.
const defaultRecentCalls = 50

// CallRecord summarises one ended call.
type CallRecord struct {
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration"`
	EndedAt   time.Time `json:"ended_at"`
}

// recentCalls keeps the last few CallEnded events, newest first.
type recentCalls struct {
	mu  sync.Mutex
	max int
	buf []CallRecord
}

func newRecentCalls(max int) *recentCalls {
	return &recentCalls{max: max}
}

// consume records CallEnded events from ch until it is closed.
func (r *recentCalls) consume(ch <-chan events.Event) {
	for e := range ch {
		if ended, ok := e.(events.CallEnded); ok {
			r.add(ended)
		}
	}
}

func (r *recentCalls) add(e events.CallEnded) {
	rec := CallRecord{
		SessionID: e.SessionID,
		CallID:    e.CallID,
		Reason:    string(e.Reason),
		Duration:  e.Duration.Round(time.Millisecond).String(),
		EndedAt:   e.At,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append([]CallRecord{rec}, r.buf...)
	if len(r.buf) > r.max {
		r.buf = r.buf[:r.max]
	}
}

func (r *recentCalls) list() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallRecord(nil), r.buf...)
}
