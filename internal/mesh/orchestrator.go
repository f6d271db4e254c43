// Package mesh hosts the orchestrator: the single entry point that carries a
// request from submission through routing, execution, collaboration, and
// context persistence.
package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aimesh/internal/collab"
	"aimesh/internal/config"
	"aimesh/internal/contextstore"
	"aimesh/internal/intent"
	"aimesh/internal/knowledge"
	"aimesh/internal/registry"
	"aimesh/internal/routing"
	"aimesh/internal/scaling"
	"aimesh/internal/types"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator drives one request end to end. Each submission runs on the
// caller's goroutine; all cross-request state lives in the collaborators.
type Orchestrator struct {
	cfg         *config.Config
	reg         *registry.Registry
	router      *routing.Router
	intents     *intent.Graph
	store       *contextstore.Store
	coordinator *collab.Coordinator
	propagator  *knowledge.Propagator
	demand      *scaling.DemandTracker
	monitor     *PerformanceMonitor
	breakers    *breakerSet
	logger      *zap.Logger
	sink        types.EventSink
}

// Deps bundles the orchestrator's collaborators. Every field except Sink is
// required.
type Deps struct {
	Config      *config.Config
	Registry    *registry.Registry
	Router      *routing.Router
	Intents     *intent.Graph
	Store       *contextstore.Store
	Coordinator *collab.Coordinator
	Propagator  *knowledge.Propagator
	Demand      *scaling.DemandTracker
	Monitor     *PerformanceMonitor
	Logger      *zap.Logger
	Sink        types.EventSink
}

// New wires an orchestrator from its collaborators.
func New(d Deps) *Orchestrator {
	sink := d.Sink
	if sink == nil {
		sink = types.NopSink{}
	}
	o := &Orchestrator{
		cfg:         d.Config,
		reg:         d.Registry,
		router:      d.Router,
		intents:     d.Intents,
		store:       d.Store,
		coordinator: d.Coordinator,
		propagator:  d.Propagator,
		demand:      d.Demand,
		monitor:     d.Monitor,
		breakers:    newBreakerSet(d.Config, d.Logger),
		logger:      d.Logger,
		sink:        sink,
	}
	// Terminated agents never come back under the same id.
	d.Registry.OnTransition(func(agentID string, from, to types.AgentState) {
		if to == types.StateTerminated {
			o.breakers.drop(agentID)
		}
	})
	return o
}

// stepOutcome is what one chain step contributed to the response.
type stepOutcome struct {
	capability types.Capability
	chosenID   string // Agent the router picked for the step
	agentID    string // Producer of the winning content
	result     types.Result
	consulted  []string
	cleared    bool
	latency    time.Duration
}

// SubmitRequest carries one request through its full lifecycle and returns
// the response. The returned error is non-nil only for raised faults
// (unknown thread, no capacity, timeout, terminal execution failure); in
// every such case the Response still carries the failure detail.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req types.Request) (types.Response, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.SubmittedAt = start

	ctx, cancel := context.WithTimeout(ctx, o.cfg.GetRequestTimeout())
	defer cancel()

	life := newLifecycle()

	// A caller-supplied thread id must resolve; the mesh never silently
	// reattaches work to a fresh thread.
	thread, err := o.store.GetOrCreate(req.UserID, req.ThreadID)
	if err != nil {
		return o.fail(life, req, start, nil, err)
	}
	req.ThreadID = thread.ID

	chain, err := o.router.PlanChain(ctx, req)
	if err != nil {
		return o.fail(life, req, start, nil, err)
	}
	if err := life.advance(PhaseRouted); err != nil {
		return o.fail(life, req, start, nil, err)
	}

	outcomes := make([]stepOutcome, 0, len(chain))
	threadCtx := thread.Context
	delta := make(map[string]string)
	var upstream []string

	for _, step := range chain {
		if err := life.advance(PhaseExecuting); err != nil {
			return o.fail(life, req, start, outcomes, err)
		}

		task := types.Task{
			Request:       req,
			Capability:    step.Capability,
			ThreadContext: threadCtx,
			Upstream:      upstream,
		}

		out, err := o.runStep(ctx, life, step, task)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return o.fail(life, req, start, outcomes,
					fmt.Errorf("%w: %v", types.ErrRequestTimeout, ctxErr))
			}
			return o.fail(life, req, start, outcomes, err)
		}

		outcomes = append(outcomes, out)
		upstream = append(upstream, out.result.Content)
		threadCtx = mergeDelta(threadCtx, out.result.ContextDelta)
		delta = mergeDelta(delta, out.result.ContextDelta)
	}

	if err := life.advance(PhaseDone); err != nil {
		return o.fail(life, req, start, outcomes, err)
	}
	return o.finish(req, start, chain, outcomes, delta)
}

// runStep executes one chain step on its chosen agent, falling back to
// collaboration on failure or weak confidence.
func (o *Orchestrator) runStep(ctx context.Context, life *lifecycle, step routing.ChainStep, task types.Task) (stepOutcome, error) {
	o.demand.Inc(step.Capability)
	defer o.demand.Dec(step.Capability)

	result, latency, execErr := o.execute(ctx, step.AgentID, task)
	o.monitor.Record(step.Capability, latency, execErr == nil)

	out := stepOutcome{
		capability: step.Capability,
		chosenID:   step.AgentID,
		agentID:    step.AgentID,
		result:     result,
		cleared:    execErr == nil && result.Confidence >= o.cfg.Collab.ConfidenceThreshold,
		latency:    latency,
	}
	if out.cleared {
		return out, nil
	}
	if ctx.Err() != nil {
		return stepOutcome{}, fmt.Errorf("step %s: %w", step.Capability, ctx.Err())
	}

	// Weak or failed: let capability peers take a shot.
	if err := life.advance(PhaseCollaborating); err != nil {
		return stepOutcome{}, err
	}
	original := result
	if execErr != nil {
		original = types.Result{Confidence: 0}
	}
	co := o.coordinator.Consult(ctx, task, step.AgentID, original, execErr != nil)

	out.result = co.Result
	out.agentID = co.AgentID
	out.consulted = co.Consulted
	out.cleared = co.Cleared

	if execErr != nil && co.AgentID == step.AgentID {
		// Nobody rescued a hard failure.
		return stepOutcome{}, fmt.Errorf("%w: agent %s on %s: %v",
			types.ErrAgentExecution, step.AgentID, step.Capability, execErr)
	}
	return out, nil
}

// execute runs one agent call through its circuit breaker and folds the
// outcome into the registry's metrics.
func (o *Orchestrator) execute(ctx context.Context, agentID string, task types.Task) (types.Result, time.Duration, error) {
	agent, ok := o.reg.Get(agentID)
	if !ok {
		return types.Result{}, 0, fmt.Errorf("%w: %s", types.ErrAgentNotFound, agentID)
	}

	_ = o.reg.MarkBusy(agentID)
	start := time.Now()
	result, err := o.breakers.forAgent(agentID).Execute(func() (types.Result, error) {
		return agent.Execute(ctx, task)
	})
	latency := time.Since(start)

	conf := result.Confidence
	if err != nil {
		conf = 0
	}
	_ = o.reg.ReportOutcome(agentID, task.Capability, latency, conf)
	return result, latency, err
}

// finish assembles the success response, persists the exchange, and feeds
// the learning loops. Persistence happens only on success.
func (o *Orchestrator) finish(req types.Request, start time.Time, chain []routing.ChainStep, outcomes []stepOutcome, delta map[string]string) (types.Response, error) {
	last := outcomes[len(outcomes)-1]

	resp := types.Response{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		AgentID:    last.agentID,
		Content:    last.result.Content,
		Confidence: last.result.Confidence,
		Success:    true,
		Latency:    time.Since(start),
	}
	for _, out := range outcomes {
		resp.Chain = appendUnique(resp.Chain, out.chosenID)
		for _, id := range out.consulted {
			resp.Chain = appendUnique(resp.Chain, id)
		}
		resp.Chain = appendUnique(resp.Chain, out.agentID)
		if !out.cleared {
			resp.LowConfidence = true
		}
	}

	if err := o.store.AppendExchange(req.ThreadID, req.ID, resp.ID, delta); err != nil {
		o.logger.Warn("exchange persistence failed",
			zap.String("request", req.ID),
			zap.Error(err))
	}

	for _, step := range chain {
		o.intents.Record(req.UserID, req.TaskType, step.Capability)
	}
	for _, out := range outcomes {
		for _, fact := range out.result.Learned {
			if _, err := o.propagator.Publish(out.agentID, fact.Capability, fact.Pattern); err != nil {
				o.logger.Warn("knowledge publish failed",
					zap.String("agent", out.agentID),
					zap.Error(err))
			}
		}
	}

	o.logger.Info("request completed",
		zap.String("request", req.ID),
		zap.String("thread", req.ThreadID),
		zap.Int("steps", len(outcomes)),
		zap.Bool("low_confidence", resp.LowConfidence),
		zap.Duration("latency", resp.Latency))
	return resp, nil
}

// fail builds the failure response. Nothing about a failed request is
// persisted to its thread.
func (o *Orchestrator) fail(life *lifecycle, req types.Request, start time.Time, outcomes []stepOutcome, err error) (types.Response, error) {
	if life.current() != PhaseFailed {
		_ = life.advance(PhaseFailed)
	}

	resp := types.Response{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		Success:   false,
		Error:     err.Error(),
		Latency:   time.Since(start),
	}
	for _, out := range outcomes {
		resp.Chain = appendUnique(resp.Chain, out.chosenID)
		for _, id := range out.consulted {
			resp.Chain = appendUnique(resp.Chain, id)
		}
	}

	o.logger.Warn("request failed",
		zap.String("request", req.ID),
		zap.String("user", req.UserID),
		zap.Error(err))
	return resp, err
}

// Monitor exposes the performance monitor for operational reads.
func (o *Orchestrator) Monitor() *PerformanceMonitor { return o.monitor }

func mergeDelta(base, delta map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
