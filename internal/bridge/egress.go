package bridge

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// outbound is one item of the queue between event pump and egress. Exactly
// one of the fields is meaningful.
type outbound struct {
	// audio is agent speech in the negotiated output encoding.
	audio []byte

	// endOfTurn marks the end of the agent's reply.
	endOfTurn bool

	// hangup asks egress to end the telephony call after everything queued
	// before it has been played.
	hangup bool
}

// pacingLead is how far ahead of real time egress may run when pacing.
const pacingLead = 5

// egress drains the outbound queue onto the telephony leg.
type egress struct {
	queue      <-chan outbound
	w          frameWriter
	conv       *audio.Converter
	source     audio.Encoding
	frameBytes int
	limiter    *rate.Limiter
	turn       *turnState
	metrics    *observe.Metrics
	log        *slog.Logger

	seq uint64

	// Per-turn counters, reset by the end-of-turn sentinel.
	turnChunks int
	turnBytes  int
}

func (c *call) newEgress() *egress {
	e := &egress{
		queue:      c.queue,
		w:          c.w,
		conv:       &audio.Converter{Target: c.cfg.TelephonyEncoding, Log: c.log},
		source:     c.formats.AgentOutput,
		frameBytes: c.cfg.FrameBytes,
		turn:       &c.turn,
		metrics:    c.b.metrics,
		log:        c.log,
	}
	if c.cfg.Pacing {
		e.limiter = newPacer(c.cfg.TelephonyEncoding, c.cfg.FrameBytes)
	}
	return e
}

// newPacer returns a byte-rate limiter matching real-time playback of enc.
func newPacer(enc audio.Encoding, frameBytes int) *rate.Limiter {
	bps := enc.BytesPerSecond()
	if bps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bps), frameBytes*pacingLead)
}

func (e *egress) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-e.queue:
			if err := e.handle(ctx, item); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// handle processes one queue item. Codec failures drop the item and keep the
// call alive; only telephony write failures and hangup requests end it.
func (e *egress) handle(ctx context.Context, item outbound) error {
	switch {
	case item.hangup:
		e.log.Info("bridge: agent ended the conversation, hanging up")
		if err := e.w.writeFrame(ctx, audiosocket.TypeHangup, nil); err != nil {
			e.log.Debug("bridge: write hangup frame", "err", err)
		}
		return endCall(events.ReasonAgentClosed, nil)

	case item.endOfTurn:
		e.log.Debug("bridge: agent turn played",
			"chunks", e.turnChunks,
			"bytes", e.turnBytes,
		)
		e.turnChunks = 0
		e.turnBytes = 0
		e.turn.cas(TurnAgentResponding, TurnIdle)
		return nil
	}

	frame := audio.AudioFrame{Data: item.audio, Encoding: e.source, Seq: e.seq}
	e.seq++
	out, err := e.conv.Convert(frame)
	if err != nil {
		e.metrics.RecordCodecError(ctx, observe.DirectionOutbound)
		return nil
	}

	for data := out.Data; len(data) > 0; {
		n := min(len(data), e.frameBytes)
		chunk := data[:n]
		data = data[n:]

		if e.limiter != nil {
			if err := e.limiter.WaitN(ctx, n); err != nil {
				return err
			}
		}
		if err := e.w.writeFrame(ctx, audiosocket.TypeAudio, chunk); err != nil {
			return endCall(events.ReasonTransportError, err)
		}
		e.metrics.RecordFrame(ctx, observe.DirectionOutbound, n)
		e.turnChunks++
		e.turnBytes += n
	}
	return nil
}
