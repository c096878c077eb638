package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPoolFull is returned when the pool is at capacity.
var ErrPoolFull = errors.New("agent: pool is at capacity")

// Factory builds an agent for the pool.
type Factory func(ctx context.Context, id string) (*Agent, error)

// Pool caps the number of concurrently live agents. Creation and teardown
// go through the pool so memory stays deterministic; agents are held by id,
// never owned elsewhere.
type Pool struct {
	max int

	mu     sync.Mutex
	agents map[string]*Agent
	closed bool
}

// NewPool returns a pool bounded to max live agents; max <= 0 means 1.
func NewPool(max int) *Pool {
	if max <= 0 {
		max = 1
	}
	return &Pool{max: max, agents: make(map[string]*Agent)}
}

// Create builds an agent through factory and registers it. Fails with
// ErrPoolFull at capacity and rejects duplicate ids.
func (p *Pool) Create(ctx context.Context, id string, factory Factory) (*Agent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := p.agents[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("agent: %q already in pool", id)
	}
	if len(p.agents) >= p.max {
		p.mu.Unlock()
		return nil, ErrPoolFull
	}
	// Reserve the slot before the (possibly slow) factory runs.
	p.agents[id] = nil
	p.mu.Unlock()

	a, err := factory(ctx, id)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		delete(p.agents, id)
		return nil, err
	}
	p.agents[id] = a
	return a, nil
}

// Get returns a live agent by id.
func (p *Pool) Get(id string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok && a != nil
}

// Destroy disposes an agent and frees its slot.
func (p *Pool) Destroy(id string) {
	p.mu.Lock()
	a := p.agents[id]
	delete(p.agents, id)
	p.mu.Unlock()
	if a != nil {
		a.Dispose()
	}
}

// Len reports live agents.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// IDs returns live agent ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disposes every live agent and rejects further creation.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	agents := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		if a != nil {
			agents = append(agents, a)
		}
	}
	p.agents = make(map[string]*Agent)
	p.mu.Unlock()

	for _, a := range agents {
		a.Dispose()
	}
}
