package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/agent"
)

// ErrProviderNotRegistered is returned by [Registry.CreateAgent] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AgentFactory builds an agent provider from its configuration block.
type AgentFactory func(AgentConfig) (agent.Provider, error)

// Registry maps agent provider names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]AgentFactory)}
}

// RegisterAgent registers an agent provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAgent(name string, factory AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = factory
}

// CreateAgent instantiates the provider registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateAgent(cfg AgentConfig) (agent.Provider, error) {
	r.mu.RLock()
	factory, ok := r.agents[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create agent provider %q: %w", cfg.Provider, err)
	}
	return p, nil
}

// Agents returns the registered provider names in sorted order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
