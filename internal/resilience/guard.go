package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/pkg/agent"
)

// Provider is an [agent.Provider] whose Connect goes through a [Breaker].
type Provider struct {
	next    agent.Provider
	breaker *Breaker
}

var _ agent.Provider = (*Provider)(nil)

// Guard wraps next with b.
func Guard(next agent.Provider, b *Breaker) *Provider {
	return &Provider{next: next, breaker: b}
}

// Breaker returns the breaker guarding the provider.
func (p *Provider) Breaker() *Breaker { return p.breaker }

// Connect forwards to the wrapped provider unless the breaker is open, in
// which case it fails with an error wrapping both [agent.ErrConnect] and
// [ErrCircuitOpen]. A handshake abandoned because the caller cancelled ctx is
// not counted against the backend; one that ran into ctx's deadline is.
func (p *Provider) Connect(ctx context.Context, cfg agent.Config) (agent.Session, error) {
	done, err := p.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", agent.ErrConnect, err)
	}
	sess, err := p.next.Connect(ctx, cfg)
	done(connectOutcome(ctx, err))
	return sess, err
}

func connectOutcome(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(ctx.Err(), context.Canceled):
		return Abandoned
	default:
		return Failed
	}
}
