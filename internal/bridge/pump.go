package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/pkg/agent"
)

// pump routes agent events: audio and turn completions onto the outbound
// queue, keepalives back to the agent, transcripts to the event sink. It also
// owns the response timer armed by every caller turn end.
func (c *call) pump(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.ResponseTimeout)
	timer.Stop()
	defer timer.Stop()

	r := &responseWatch{c: c, timer: timer}
	evs := c.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case at := <-c.turnEnd:
			r.arm(at)

		case <-r.timeout:
			r.expire(ctx)

		case ev, ok := <-evs:
			if !ok {
				return c.agentGone(ctx)
			}
			if err := c.route(ctx, ev, r); err != nil {
				return err
			}
		}
	}
}

// responseWatch tracks the agent's reply to the latest caller turn. It is
// only touched by the pump goroutine.
type responseWatch struct {
	c        *call
	timer    *time.Timer
	timeout  <-chan time.Time
	awaiting time.Time

	// abandoned is set when the reply timed out. The turn counts as empty:
	// its audio is dropped until the agent completes it or the caller
	// finishes another turn.
	abandoned bool
}

func (r *responseWatch) arm(at time.Time) {
	r.awaiting = at
	r.abandoned = false
	r.timer.Reset(r.c.cfg.ResponseTimeout)
	r.timeout = r.timer.C
}

func (r *responseWatch) expire(ctx context.Context) {
	r.timeout = nil
	r.awaiting = time.Time{}
	r.abandoned = true
	r.c.b.metrics.ResponseTimeouts.Add(ctx, 1)
	// A reply to an earlier turn may still be playing; leave that alone.
	r.c.turn.cas(TurnCallerSpeaking, TurnIdle)
	r.c.log.Warn("bridge: agent did not respond",
		"timeout", r.c.cfg.ResponseTimeout.String(),
	)
}

// answered disarms the response timer once the agent reacted.
func (r *responseWatch) answered(ctx context.Context) {
	if r.awaiting.IsZero() {
		return
	}
	r.c.b.metrics.RecordFirstResponse(ctx, r.c.b.now().Sub(r.awaiting))
	r.awaiting = time.Time{}
	r.timer.Stop()
	r.timeout = nil
}

func (c *call) route(ctx context.Context, ev agent.Event, r *responseWatch) error {
	switch ev.Kind {
	case agent.EventAudio:
		if r.abandoned {
			c.log.Debug("bridge: dropping audio of timed-out turn", "bytes", len(ev.Audio))
			return nil
		}
		r.answered(ctx)
		c.turn.store(TurnAgentResponding)
		return c.enqueue(ctx, outbound{audio: ev.Audio})

	case agent.EventTranscript:
		if ev.Speaker == agent.SpeakerAgent && !r.abandoned {
			r.answered(ctx)
			c.turn.store(TurnAgentResponding)
		}
		c.log.Debug("bridge: transcript", "speaker", string(ev.Speaker), "text", ev.Text)
		c.b.sink.Publish(ctx, events.TranscriptLine{
			SessionID: c.id,
			Speaker:   string(ev.Speaker),
			Text:      ev.Text,
			At:        c.b.now(),
		})

	case agent.EventTurnComplete:
		if r.abandoned {
			r.abandoned = false
			return nil
		}
		r.answered(ctx)
		return c.enqueue(ctx, outbound{endOfTurn: true})

	case agent.EventKeepAlive:
		if err := c.sess.Pong(ctx, ev.KeepAliveID); err != nil {
			return c.agentFailure(ctx, fmt.Errorf("pong %d: %w", ev.KeepAliveID, err))
		}

	case agent.EventError:
		return c.agentFailure(ctx, ev.Err)

	default:
		c.log.Debug("bridge: ignoring agent event", "kind", ev.Kind.String())
	}
	return nil
}

// enqueue blocks while the queue is full so a slow telephony leg throttles
// the agent stream instead of dropping speech.
func (c *call) enqueue(ctx context.Context, item outbound) error {
	select {
	case c.queue <- item:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// agentGone handles the end of the event stream. A failed session ends the
// call at once; a clean end lets egress play what is queued and hang up.
func (c *call) agentGone(ctx context.Context) error {
	if err := c.sess.Err(); err != nil {
		return c.agentFailure(ctx, err)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := c.enqueue(ctx, outbound{hangup: true}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
