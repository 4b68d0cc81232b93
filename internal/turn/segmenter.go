// Package turn decides when a caller has finished speaking.
//
// A [Segmenter] is fed every inbound audio frame in order. It measures the
// frame's RMS energy, tracks whether the caller is currently speaking, and
// reports [TurnEnded] once energy has stayed below the threshold for the
// configured silence timeout. It never filters audio: callers forward every
// frame to the agent regardless of the result.
//
// A Segmenter is owned by a single ingest loop and is not safe for concurrent
// use.
package turn

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

const (
	// DefaultThreshold is the RMS level, on the PCM16 scale, at or above which
	// a frame counts as speech.
	DefaultThreshold = 300

	// DefaultSilenceTimeout is how long energy must stay below the threshold
	// after the last speech frame before the turn ends.
	DefaultSilenceTimeout = 800 * time.Millisecond
)

// Event is the outcome of observing one frame.
type Event int

const (
	// Continue means the turn is still open (or no turn has started).
	Continue Event = iota

	// TurnEnded means the caller stopped speaking; the agent should be told.
	TurnEnded
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case Continue:
		return "continue"
	case TurnEnded:
		return "turn_ended"
	default:
		return "unknown"
	}
}

// Result describes one observed frame.
type Result struct {
	Event Event

	// Onset is true for the frame that moved the segmenter into the speaking
	// state.
	Onset bool

	// RMS is the measured frame energy.
	RMS float64
}

// Config holds segmentation parameters. Zero values select the defaults.
type Config struct {
	Threshold      float64
	SilenceTimeout time.Duration

	// Now is the clock used to time silence. Defaults to time.Now.
	Now func() time.Time

	// Log receives onset and turn-end debug lines. Defaults to slog.Default.
	Log *slog.Logger
}

// Segmenter tracks speech and silence on one inbound stream.
type Segmenter struct {
	threshold float64
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger

	speaking  bool
	lastVoice time.Time

	// pending is set once a frame has been observed since the last turn end.
	pending bool
}

// New returns a Segmenter for cfg.
func New(cfg Config) *Segmenter {
	s := &Segmenter{
		threshold: cfg.Threshold,
		timeout:   cfg.SilenceTimeout,
		now:       cfg.Now,
		log:       cfg.Log,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.timeout <= 0 {
		s.timeout = DefaultSilenceTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Observe classifies frame and advances the state machine.
func (s *Segmenter) Observe(frame audio.AudioFrame) Result {
	now := s.now()
	res := Result{Event: Continue, RMS: audio.RMS(frame)}
	s.pending = true

	if res.RMS >= s.threshold {
		if !s.speaking {
			s.speaking = true
			res.Onset = true
			s.log.Debug("turn: speech onset", "rms", res.RMS, "seq", frame.Seq)
		}
		s.lastVoice = now
		return res
	}

	if s.speaking && now.Sub(s.lastVoice) >= s.timeout {
		s.speaking = false
		s.pending = false
		res.Event = TurnEnded
		s.log.Debug("turn: caller turn ended",
			"silence", now.Sub(s.lastVoice).String(),
			"seq", frame.Seq,
		)
	}
	return res
}

// Flush is called when the inbound stream ends. It reports whether any frame
// was observed since the last turn end, in which case the caller must signal
// a final turn end to the agent. The segmenter is reset either way.
func (s *Segmenter) Flush() bool {
	pending := s.pending
	s.Reset()
	return pending
}

// Speaking reports whether the caller is currently inside a speech run.
func (s *Segmenter) Speaking() bool { return s.speaking }

// Reset clears all detection state.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.pending = false
	s.lastVoice = time.Time{}
}
