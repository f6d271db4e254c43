// Package registry owns the live set of agents, their lifecycle state, and
// their rolling load and confidence metrics. Agents are mutated only through
// registry operations; everything handed out is a snapshot.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aimesh/internal/types"
)

// TransitionFunc observes agent state transitions. Callbacks run outside the
// registry lock, after the transition has been applied.
type TransitionFunc func(agentID string, from, to types.AgentState)

// managedAgent is the registry-private mutable record for one agent.
type managedAgent struct {
	agent        types.Agent
	capabilities []types.Capability
	state        types.AgentState
	inFlight     int
	avgLatency   time.Duration
	confidence   map[types.Capability]float64
	lastActive   time.Time
	registeredAt time.Time
}

// Registry is the exclusive owner of agent lifecycle and metrics.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*managedAgent

	emaFactor float64
	logger    *zap.Logger
	sink      types.EventSink

	watchMu  sync.RWMutex
	watchers []TransitionFunc
}

// New creates an empty registry. emaFactor controls load/confidence smoothing
// and must be in (0,1]; out-of-range values fall back to 0.3.
func New(emaFactor float64, logger *zap.Logger, sink types.EventSink) *Registry {
	if emaFactor <= 0 || emaFactor > 1 {
		emaFactor = 0.3
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	return &Registry{
		agents:    make(map[string]*managedAgent),
		emaFactor: emaFactor,
		logger:    logger,
		sink:      sink,
	}
}

// OnTransition registers a transition observer. Observers run after the
// transition is applied, outside the registry lock.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Register adds an agent in the Spawning state. Fails with ErrDuplicateAgent
// if the id is already present and with a plain error on an empty capability
// set, which the agent contract forbids.
func (r *Registry) Register(agent types.Agent) error {
	caps := agent.Capabilities()
	if len(caps) == 0 {
		return fmt.Errorf("agent %s advertises no capabilities", agent.ID())
	}

	r.mu.Lock()
	if _, exists := r.agents[agent.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrDuplicateAgent, agent.ID())
	}
	now := time.Now()
	r.agents[agent.ID()] = &managedAgent{
		agent:        agent,
		capabilities: append([]types.Capability(nil), caps...),
		state:        types.StateSpawning,
		confidence:   make(map[types.Capability]float64),
		lastActive:   now,
		registeredAt: now,
	}
	r.mu.Unlock()

	r.logger.Debug("agent registered",
		zap.String("agent", agent.ID()),
		zap.Int("capabilities", len(caps)))
	r.sink.Emit(types.Event{
		Type: types.EventAgentRegistered,
		At:   now,
		Fields: map[string]interface{}{
			"agent":        agent.ID(),
			"capabilities": caps,
		},
	})
	return nil
}

// Deregister terminates and removes an agent.
func (r *Registry) Deregister(agentID string) error {
	return r.Transition(agentID, types.StateTerminated)
}

// legalTransition encodes the allowed lifecycle moves:
// Spawning→Active, Active→Hibernating, Hibernating→Active, any→Terminated.
func legalTransition(from, to types.AgentState) bool {
	if to == types.StateTerminated {
		return true
	}
	switch from {
	case types.StateSpawning:
		return to == types.StateActive
	case types.StateActive:
		return to == types.StateHibernating
	case types.StateHibernating:
		return to == types.StateActive
	}
	return false
}

// Transition moves an agent to a new lifecycle state. Illegal moves fail with
// ErrInvalidTransition. Transitioning to Terminated destroys the agent record
// and its metrics.
func (r *Registry) Transition(agentID string, to types.AgentState) error {
	r.mu.Lock()
	ma, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}
	from := ma.state
	if from == to {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s already %s", types.ErrInvalidTransition, agentID, to)
	}
	if !legalTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", types.ErrInvalidTransition, agentID, from, to)
	}
	ma.state = to
	ma.lastActive = time.Now()
	if to == types.StateTerminated {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	r.logger.Debug("agent transitioned",
		zap.String("agent", agentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	r.sink.Emit(types.Event{
		Type: types.EventAgentTransitioned,
		At:   time.Now(),
		Fields: map[string]interface{}{
			"agent": agentID,
			"from":  string(from),
			"to":    string(to),
		},
	})

	r.watchMu.RLock()
	watchers := make([]TransitionFunc, len(r.watchers))
	copy(watchers, r.watchers)
	r.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(agentID, from, to)
	}
	return nil
}

// Get returns the live agent contract for execution. The returned Agent is
// the caller-supplied implementation; registry state is not exposed.
func (r *Registry) Get(agentID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ma, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return ma.agent, true
}

// Snapshot returns a point-in-time view of one agent.
func (r *Registry) Snapshot(agentID string) (types.AgentSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ma, ok := r.agents[agentID]
	if !ok {
		return types.AgentSnapshot{}, fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}
	return ma.snapshot(agentID), nil
}

func (ma *managedAgent) snapshot(id string) types.AgentSnapshot {
	conf := make(map[types.Capability]float64, len(ma.confidence))
	for k, v := range ma.confidence {
		conf[k] = v
	}
	return types.AgentSnapshot{
		ID:           id,
		Capabilities: append([]types.Capability(nil), ma.capabilities...),
		State:        ma.state,
		InFlight:     ma.inFlight,
		AvgLatency:   ma.avgLatency,
		Confidence:   conf,
		LastActive:   ma.lastActive,
	}
}

// ListByCapability returns snapshots of every agent advertising cap, in all
// lifecycle states, ordered by agent id for deterministic consumers.
func (r *Registry) ListByCapability(cap types.Capability) []types.AgentSnapshot {
	r.mu.RLock()
	var snaps []types.AgentSnapshot
	for id, ma := range r.agents {
		for _, c := range ma.capabilities {
			if c == cap {
				snaps = append(snaps, ma.snapshot(id))
				break
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// ListAll returns snapshots of every registered agent, ordered by id.
func (r *Registry) ListAll() []types.AgentSnapshot {
	r.mu.RLock()
	snaps := make([]types.AgentSnapshot, 0, len(r.agents))
	for id, ma := range r.agents {
		snaps = append(snaps, ma.snapshot(id))
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// ActiveCount returns the number of Active agents for a capability.
func (r *Registry) ActiveCount(cap types.Capability) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ma := range r.agents {
		if ma.state != types.StateActive {
			continue
		}
		for _, c := range ma.capabilities {
			if c == cap {
				n++
				break
			}
		}
	}
	return n
}

// Capabilities returns the union of all advertised capabilities, sorted.
func (r *Registry) Capabilities() []types.Capability {
	r.mu.RLock()
	set := make(map[types.Capability]struct{})
	for _, ma := range r.agents {
		for _, c := range ma.capabilities {
			set[c] = struct{}{}
		}
	}
	r.mu.RUnlock()

	caps := make([]types.Capability, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// MarkBusy records that an agent started executing a request.
func (r *Registry) MarkBusy(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ma, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}
	ma.inFlight++
	ma.lastActive = time.Now()
	return nil
}

// ReportOutcome records one finished execution: decrements the in-flight
// count and folds latency and reported confidence into the rolling EMAs.
// Metrics are never reset except by termination.
func (r *Registry) ReportOutcome(agentID string, cap types.Capability, latency time.Duration, confidence float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ma, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}
	if ma.inFlight > 0 {
		ma.inFlight--
	}
	if ma.avgLatency == 0 {
		ma.avgLatency = latency
	} else {
		ma.avgLatency = time.Duration((1-r.emaFactor)*float64(ma.avgLatency) + r.emaFactor*float64(latency))
	}
	if prev, seen := ma.confidence[cap]; seen {
		ma.confidence[cap] = (1-r.emaFactor)*prev + r.emaFactor*confidence
	} else {
		ma.confidence[cap] = confidence
	}
	ma.lastActive = time.Now()
	return nil
}
