// Package binding resolves which versioned prompt configuration is active
// for an agent in an environment at a point in time.
//
// Resolution is a pure function of the persisted bindings at call time. A
// pipeline run wraps the resolver in a Snapshot so every step of one run
// observes the same binding even if an operator changes rows mid-run.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kumo-ai/seiri/internal/model"
)

// ErrNoActiveBinding is returned when no binding's effectivity window
// contains the given instant.
var ErrNoActiveBinding = errors.New("binding: no active binding")

// Source lists the persisted bindings for (agent, environment).
// Implemented by the storage layer.
type Source interface {
	ListBindings(ctx context.Context, agentID uuid.UUID, environment string) ([]model.PromptBinding, error)
}

// Resolver selects the single active binding for an agent and environment.
type Resolver struct {
	src Source
}

// NewResolver creates a Resolver over the given binding source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve returns the active binding for (agentID, environment) at now.
//
// Candidates are the bindings whose half-open window contains now.
// Tie-break is total: highest effective_from wins, then highest
// traffic_weight, then binding ID — so a fixed binding set and a fixed now
// always yield the same binding.
func (r *Resolver) Resolve(ctx context.Context, agentID uuid.UUID, environment string, now time.Time) (model.PromptBinding, error) {
	all, err := r.src.ListBindings(ctx, agentID, environment)
	if err != nil {
		return model.PromptBinding{}, fmt.Errorf("binding: list bindings: %w", err)
	}

	candidates := all[:0]
	for _, b := range all {
		if b.ActiveAt(now) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return model.PromptBinding{}, fmt.Errorf("%w for agent %s in %s", ErrNoActiveBinding, agentID, environment)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.After(b.EffectiveFrom)
		}
		if a.TrafficWeight != b.TrafficWeight {
			return a.TrafficWeight > b.TrafficWeight
		}
		return a.ID.String() < b.ID.String()
	})
	return candidates[0], nil
}

// Snapshot caches resolved bindings for the lifetime of one pipeline run,
// giving the run a consistent configuration view. Safe for concurrent use,
// though a run resolves sequentially in practice.
type Snapshot struct {
	resolver *Resolver

	mu      sync.Mutex
	byAgent map[uuid.UUID]model.PromptBinding

	group singleflight.Group
}

// NewSnapshot creates an empty snapshot over resolver.
func NewSnapshot(resolver *Resolver) *Snapshot {
	return &Snapshot{
		resolver: resolver,
		byAgent:  make(map[uuid.UUID]model.PromptBinding),
	}
}

// Resolve returns the cached binding for agentID, resolving and caching it
// on first use. Concurrent first resolutions for the same agent are
// deduplicated via singleflight so only one query hits the store.
func (s *Snapshot) Resolve(ctx context.Context, agentID uuid.UUID, environment string, now time.Time) (model.PromptBinding, error) {
	s.mu.Lock()
	cached, ok := s.byAgent[agentID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	result, err, _ := s.group.Do(agentID.String(), func() (any, error) {
		resolved, err := s.resolver.Resolve(ctx, agentID, environment, now)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.byAgent[agentID] = resolved
		s.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return model.PromptBinding{}, err
	}
	return result.(model.PromptBinding), nil
}
