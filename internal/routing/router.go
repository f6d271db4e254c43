// Package routing selects agents for requests by scoring capability match,
// live load, and historical confidence.
package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"aimesh/internal/config"
	"aimesh/internal/intent"
	"aimesh/internal/registry"
	"aimesh/internal/types"
)

// =============================================================================
// ROUTER
// =============================================================================

// Kicker is poked when routing finds no agent for a capability, so the scaler
// can evaluate immediately instead of waiting for its next tick.
type Kicker interface {
	Kick(cap types.Capability)
}

// ChainStep is one planned execution step: a capability and the agent chosen
// to exercise it.
type ChainStep struct {
	Capability types.Capability
	AgentID    string
	Score      float64
}

// augmentFloor is the minimum decayed edge weight before an intent prediction
// is trusted enough to add a capability the request did not ask for.
const augmentFloor = 2.0

// maxInFlight and maxLatency cap the load normalization inputs.
const (
	maxInFlight = 10
	maxLatency  = 5 * time.Second
)

// Router plans execution chains. It is stateless between calls; all live
// signal comes from the registry and the intent graph.
type Router struct {
	cfg     *config.Config
	reg     *registry.Registry
	intents *intent.Graph
	kicker  Kicker
	logger  *zap.Logger
	sink    types.EventSink
}

// New builds a router over the given registry and intent graph.
func New(cfg *config.Config, reg *registry.Registry, graph *intent.Graph, logger *zap.Logger, sink types.EventSink) *Router {
	if sink == nil {
		sink = types.NopSink{}
	}
	return &Router{
		cfg:     cfg,
		reg:     reg,
		intents: graph,
		logger:  logger,
		sink:    sink,
	}
}

// SetKicker installs the scaler poke hook. Optional.
func (r *Router) SetKicker(k Kicker) {
	r.kicker = k
}

// =============================================================================
// CAPABILITY RESOLUTION
// =============================================================================

// RequiredCapabilities resolves the capability set a request needs.
// Explicit capabilities win outright. Otherwise the task-type mapping applies,
// augmented by strong intent-graph predictions; an unmapped task type falls
// back to the task type itself as a capability.
func (r *Router) RequiredCapabilities(req types.Request) []types.Capability {
	if len(req.Capabilities) > 0 {
		out := append([]types.Capability(nil), req.Capabilities...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return dedupe(out)
	}

	var caps []types.Capability
	for _, c := range r.cfg.Router.TaskCapabilities[req.TaskType] {
		caps = append(caps, types.Capability(c))
	}
	if len(caps) == 0 {
		caps = []types.Capability{types.Capability(req.TaskType)}
	}

	topK := r.cfg.Router.PredictTopK
	if topK > 0 && r.intents != nil {
		preds := r.intents.Predict(req.UserID, req.TaskType)
		if len(preds) > topK {
			preds = preds[:topK]
		}
		for _, p := range preds {
			if p.Weight >= augmentFloor {
				caps = append(caps, p.Capability)
			}
		}
	}

	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return dedupe(caps)
}

func dedupe(caps []types.Capability) []types.Capability {
	out := caps[:0]
	var prev types.Capability
	for i, c := range caps {
		if i == 0 || c != prev {
			out = append(out, c)
		}
		prev = c
	}
	return out
}

// =============================================================================
// SCORING
// =============================================================================

// score computes an agent's fitness for one capability of a request.
// Higher is better. Only Active agents are scored.
func (r *Router) score(snap types.AgentSnapshot, cap types.Capability, required []types.Capability, urgency types.Urgency) float64 {
	matched := 0
	for _, rc := range required {
		if snap.HasCapability(rc) {
			matched++
		}
	}
	match := float64(matched) / float64(len(required))

	inFlight := snap.InFlight
	if inFlight > maxInFlight {
		inFlight = maxInFlight
	}
	latFrac := float64(snap.AvgLatency) / float64(maxLatency)
	if latFrac > 1 {
		latFrac = 1
	}
	load := 0.5*float64(inFlight)/float64(maxInFlight) + 0.5*latFrac

	conf, ok := snap.Confidence[cap]
	if !ok {
		conf = 0.5 // no history yet: neutral prior
	}

	rc := r.cfg.Router
	base := rc.MatchWeight*match - rc.LoadWeight*load + rc.ConfidenceWeight*conf
	return base * (1 + rc.UrgencyBoost*float64(urgency))
}

// pick selects the best Active agent for one capability. Ties break on the
// lexicographically smaller agent id, so routing is deterministic for equal
// registry states.
func (r *Router) pick(cap types.Capability, required []types.Capability, urgency types.Urgency) (ChainStep, bool) {
	best := ChainStep{Capability: cap}
	found := false
	for _, snap := range r.reg.ListByCapability(cap) {
		if snap.State != types.StateActive {
			continue
		}
		s := r.score(snap, cap, required, urgency)
		if !found || s > best.Score || (s == best.Score && snap.ID < best.AgentID) {
			best.AgentID = snap.ID
			best.Score = s
			found = true
		}
	}
	return best, found
}

// =============================================================================
// CHAIN PLANNING
// =============================================================================

// PlanChain resolves the request's capabilities, picks one agent per
// capability, and orders the steps. When no agent serves a capability, the
// router pokes the scaler and re-queries once after a short wait before
// giving up with ErrNoAgentAvailable.
func (r *Router) PlanChain(ctx context.Context, req types.Request) ([]ChainStep, error) {
	required := r.RequiredCapabilities(req)

	steps := make([]ChainStep, 0, len(required))
	for _, cap := range required {
		step, ok := r.pick(cap, required, req.Urgency)
		if !ok {
			step, ok = r.retryPick(ctx, cap, required, req.Urgency)
		}
		if !ok {
			return nil, fmt.Errorf("%w: no active agent for capability %q", types.ErrNoAgentAvailable, cap)
		}
		steps = append(steps, step)
	}

	r.orderSteps(steps)

	agentIDs := make([]string, len(steps))
	for i, st := range steps {
		agentIDs[i] = st.AgentID
	}
	r.sink.Emit(types.Event{
		Type: types.EventRequestRouted,
		At:   time.Now(),
		Fields: map[string]interface{}{
			"request": req.ID,
			"agents":  agentIDs,
			"steps":   len(steps),
		},
	})
	r.logger.Debug("chain planned",
		zap.String("request", req.ID),
		zap.Int("steps", len(steps)),
		zap.Strings("agents", agentIDs))
	return steps, nil
}

// retryPick is the single bounded re-query after poking the scaler.
func (r *Router) retryPick(ctx context.Context, cap types.Capability, required []types.Capability, urgency types.Urgency) (ChainStep, bool) {
	if r.kicker != nil {
		r.kicker.Kick(cap)
	}
	select {
	case <-ctx.Done():
		return ChainStep{}, false
	case <-time.After(r.cfg.GetRetryWait()):
	}
	return r.pick(cap, required, urgency)
}

// orderSteps sorts the chain in place. When every capability carries a
// pipeline precedence rank, rank order wins; otherwise steps run best score
// first. Equal keys break on capability name.
func (r *Router) orderSteps(steps []ChainStep) {
	ranks := r.cfg.Router.PipelinePrecedence
	allRanked := true
	for _, st := range steps {
		if _, ok := ranks[string(st.Capability)]; !ok {
			allRanked = false
			break
		}
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if allRanked {
			ri, rj := ranks[string(steps[i].Capability)], ranks[string(steps[j].Capability)]
			if ri != rj {
				return ri < rj
			}
		} else if steps[i].Score != steps[j].Score {
			return steps[i].Score > steps[j].Score
		}
		return steps[i].Capability < steps[j].Capability
	})
}
