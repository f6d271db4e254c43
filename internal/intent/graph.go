// Package intent maintains a decaying weighted graph of (user, task-type) to
// capability co-occurrence. The router uses it to anticipate capability needs
// and the scaler to anticipate demand.
package intent

import (
	"math"
	"sort"
	"sync"
	"time"

	"aimesh/internal/types"
)

// edge carries the co-occurrence weight between one context node and one
// capability. The stored weight is exact as of updatedAt; readers apply the
// decay lazily, so no background sweep is needed.
type edge struct {
	weight    float64
	updatedAt time.Time
}

// Prediction is one ranked capability suggestion.
type Prediction struct {
	Capability types.Capability
	Weight     float64
}

// Graph is the decaying intent graph. Weight updates commute (decay then
// increment), so concurrent records against the same edge need no ordering
// beyond the write lock.
type Graph struct {
	mu        sync.RWMutex
	lambda    float64 // decay rate per second
	increment float64 // weight added per record
	edges     map[string]map[types.Capability]*edge

	now func() time.Time // injectable for tests
}

// New creates an intent graph. lambda is the per-second decay rate λ in
// weight(t) = weight(t0)·exp(−λ·(t−t0)); increment is the weight added per
// recorded co-occurrence.
func New(lambda, increment float64) *Graph {
	if increment <= 0 {
		increment = 1.0
	}
	if lambda < 0 {
		lambda = 0
	}
	return &Graph{
		lambda:    lambda,
		increment: increment,
		edges:     make(map[string]map[types.Capability]*edge),
		now:       time.Now,
	}
}

func contextKey(userID, taskType string) string {
	return userID + "|" + taskType
}

func (g *Graph) decayed(e *edge, now time.Time) float64 {
	dt := now.Sub(e.updatedAt).Seconds()
	if dt <= 0 {
		return e.weight
	}
	return e.weight * math.Exp(-g.lambda*dt)
}

// Record increments the edge between the (user, taskType) context and cap,
// applying decay for the time elapsed since the edge was last touched.
func (g *Graph) Record(userID, taskType string, cap types.Capability) {
	key := contextKey(userID, taskType)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	caps, ok := g.edges[key]
	if !ok {
		caps = make(map[types.Capability]*edge)
		g.edges[key] = caps
	}
	e, ok := caps[cap]
	if !ok {
		caps[cap] = &edge{weight: g.increment, updatedAt: now}
		return
	}
	e.weight = g.decayed(e, now) + g.increment
	e.updatedAt = now
}

// Predict returns capabilities for the (user, taskType) context ordered by
// decayed edge weight descending. Ties break toward the most recently
// updated edge, then lexicographic capability for full determinism.
func (g *Graph) Predict(userID, taskType string) []Prediction {
	key := contextKey(userID, taskType)
	now := g.now()

	g.mu.RLock()
	caps := g.edges[key]
	type ranked struct {
		cap       types.Capability
		weight    float64
		updatedAt time.Time
	}
	rs := make([]ranked, 0, len(caps))
	for c, e := range caps {
		rs = append(rs, ranked{cap: c, weight: g.decayed(e, now), updatedAt: e.updatedAt})
	}
	g.mu.RUnlock()

	sort.Slice(rs, func(i, j int) bool {
		if rs[i].weight != rs[j].weight {
			return rs[i].weight > rs[j].weight
		}
		if !rs[i].updatedAt.Equal(rs[j].updatedAt) {
			return rs[i].updatedAt.After(rs[j].updatedAt)
		}
		return rs[i].cap < rs[j].cap
	})

	out := make([]Prediction, len(rs))
	for i, r := range rs {
		out[i] = Prediction{Capability: r.cap, Weight: r.weight}
	}
	return out
}

// DemandScore returns the aggregate decayed weight of every edge pointing at
// cap, across all contexts. The scaler treats this as predicted demand.
func (g *Graph) DemandScore(cap types.Capability) float64 {
	now := g.now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	total := 0.0
	for _, caps := range g.edges {
		if e, ok := caps[cap]; ok {
			total += g.decayed(e, now)
		}
	}
	return total
}

// WeightOf returns the current decayed weight of one edge, or 0 if absent.
func (g *Graph) WeightOf(userID, taskType string, cap types.Capability) float64 {
	now := g.now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	caps, ok := g.edges[contextKey(userID, taskType)]
	if !ok {
		return 0
	}
	e, ok := caps[cap]
	if !ok {
		return 0
	}
	return g.decayed(e, now)
}
