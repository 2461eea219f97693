// Package agent is the read path for agent configurations. Sessions look an
// agent up at call start and on every prompt assembly, so reads go through a
// small TTL cache in front of the store; writes happen elsewhere (bootstrap
// seeding, admin tooling) and simply age out of the cache.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/types"
)

// ErrInactive is returned by GetActive for an agent that exists but may not
// take new calls.
var ErrInactive = errors.New("agent: inactive")

// Registry caches agent rows in front of an [store.AgentStore].
type Registry struct {
	store  store.AgentStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	agent   *types.Agent
	fetched time.Time
}

// NewRegistry creates a Registry. ttl <= 0 disables caching; logger may be
// nil.
func NewRegistry(st store.AgentStore, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Get returns the agent by id, from cache when fresh. Callers get their own
// copy and may not mutate shared state.
func (r *Registry) Get(ctx context.Context, id string) (*types.Agent, error) {
	if r.ttl > 0 {
		r.mu.Lock()
		entry, ok := r.cache[id]
		r.mu.Unlock()
		if ok && r.now().Sub(entry.fetched) < r.ttl {
			cp := *entry.agent
			return &cp, nil
		}
	}

	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agent: get %s: %w", id, err)
	}
	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[id] = cacheEntry{agent: agent, fetched: r.now()}
		r.mu.Unlock()
	}
	cp := *agent
	return &cp, nil
}

// GetActive returns the agent by id, or ErrInactive when it exists but is
// switched off. Call admission uses this.
func (r *Registry) GetActive(ctx context.Context, id string) (*types.Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, fmt.Errorf("agent: %s: %w", id, ErrInactive)
	}
	return agent, nil
}

// List returns all agents, bypassing the cache.
func (r *Registry) List(ctx context.Context) ([]*types.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	return agents, nil
}

// Invalidate drops the cached entry for id, if any.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}
