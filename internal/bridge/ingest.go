package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/turn"
	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// ingest reads telephony frames, forwards caller audio to the agent and
// signals caller turn ends. It returns when the caller hangs up, the socket
// closes or fails, or the agent refuses audio.
func (c *call) ingest(ctx context.Context) error {
	seg := turn.New(turn.Config{
		Threshold:      c.cfg.Threshold,
		SilenceTimeout: c.cfg.SilenceTimeout,
		Now:            c.b.now,
		Log:            c.log,
	})
	conv := &audio.Converter{Target: c.formats.UserInput, Log: c.log}
	keepalive := audio.Silence(c.cfg.TelephonyEncoding, c.cfg.FrameBytes)
	var seq uint64

	// finish flushes the segmenter so a caller who hangs up mid-sentence
	// still gets an answer recorded on the agent side.
	finish := func(reason events.Reason) error {
		if seg.Flush() {
			if err := c.signalTurnEnd(ctx, "hangup"); err != nil {
				c.log.Debug("bridge: final turn end", "err", err)
			}
		}
		return endCall(reason, nil)
	}

	handle := func(f audiosocket.Frame) error {
		frame := audio.AudioFrame{Data: f.Payload, Encoding: c.cfg.TelephonyEncoding, Seq: seq}
		seq++
		c.b.metrics.RecordFrame(ctx, observe.DirectionInbound, len(f.Payload))

		res := seg.Observe(frame)
		if res.Onset {
			c.turn.cas(TurnIdle, TurnCallerSpeaking)
		}

		out, err := conv.Convert(frame)
		if err != nil {
			c.b.metrics.RecordCodecError(ctx, observe.DirectionInbound)
		} else if len(out.Data) > 0 {
			if err := c.sess.SendAudio(ctx, out.Data); err != nil {
				return c.agentFailure(ctx, fmt.Errorf("send audio: %w", err))
			}
		}

		if res.Event == turn.TurnEnded {
			if err := c.signalTurnEnd(ctx, "silence"); err != nil {
				return c.agentFailure(ctx, err)
			}
		}
		return nil
	}

	if c.pending != nil {
		if err := handle(*c.pending); err != nil {
			return err
		}
		c.pending = nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := c.reader.Next()
		switch {
		case errors.Is(err, audiosocket.ErrReadTimeout):
			if c.turn.load() == TurnAgentResponding {
				continue
			}
			if err := c.w.writeFrame(ctx, audiosocket.TypeAudio, keepalive); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return endCall(events.ReasonTransportError, err)
			}
			c.b.metrics.Keepalives.Add(ctx, 1)
			continue
		case err != nil:
			reason, rerr := c.readFailure(ctx, err)
			switch reason {
			case events.ReasonShutdown:
				return nil
			case events.ReasonTelephonyClosed:
				return finish(reason)
			}
			return endCall(reason, rerr)
		}

		switch f.Type {
		case audiosocket.TypeHangup:
			c.log.Info("bridge: caller hung up")
			return finish(events.ReasonHangup)
		case audiosocket.TypeSessionID:
			if id, err := f.SessionID(); err == nil {
				c.log.Debug("bridge: late session id frame", "id", id.String())
			}
		case audiosocket.TypeAudio:
			if err := handle(f); err != nil {
				return err
			}
		}
	}
}

// signalTurnEnd tells the agent the caller finished and arms the response
// timer in the event pump.
func (c *call) signalTurnEnd(ctx context.Context, trigger string) error {
	if err := c.sess.SignalTurnEnd(ctx); err != nil {
		return fmt.Errorf("signal turn end: %w", err)
	}
	c.b.metrics.RecordTurn(ctx, trigger)
	c.turn.cas(TurnCallerSpeaking, TurnIdle)
	select {
	case c.turnEnd <- c.b.now():
	default:
	}
	return nil
}

// agentFailure turns an agent write error into the end of the call.
func (c *call) agentFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = agent.ErrAgent
	} else if !errors.Is(err, agent.ErrAgent) {
		err = fmt.Errorf("%w: %w", agent.ErrAgent, err)
	}
	return endCall(events.ReasonAgentError, err)
}
