// Package scaling grows and shrinks the agent population to track demand.
package scaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"aimesh/internal/config"
	"aimesh/internal/intent"
	"aimesh/internal/registry"
	"aimesh/internal/types"
)

// =============================================================================
// SCALER
// =============================================================================

// AgentFactory creates a fresh agent instance for a capability. The scaler
// owns the lifecycle after creation: registration, readiness, activation.
type AgentFactory interface {
	NewAgent(ctx context.Context, cap types.Capability) (types.Agent, error)
}

// Scaler evaluates per-capability demand on a fixed tick and on router kicks.
// Demand blends the live queue depth with the intent graph's decayed demand
// score, so capacity arrives before the spike instead of after it.
type Scaler struct {
	cfg     *config.Config
	reg     *registry.Registry
	factory AgentFactory
	intents *intent.Graph
	demand  *DemandTracker
	logger  *zap.Logger
	sink    types.EventSink

	mu       sync.Mutex
	limiters map[types.Capability]*rate.Limiter // per-capability action cooldown

	kick chan types.Capability
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a scaler. Run must be called for it to act.
func New(cfg *config.Config, reg *registry.Registry, factory AgentFactory, graph *intent.Graph, demand *DemandTracker, logger *zap.Logger, sink types.EventSink) *Scaler {
	if sink == nil {
		sink = types.NopSink{}
	}
	return &Scaler{
		cfg:      cfg,
		reg:      reg,
		factory:  factory,
		intents:  graph,
		demand:   demand,
		logger:   logger,
		sink:     sink,
		limiters: make(map[types.Capability]*rate.Limiter),
		kick:     make(chan types.Capability, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Kick requests an immediate evaluation of one capability. Non-blocking; if
// the kick buffer is full the next tick covers it anyway.
func (s *Scaler) Kick(cap types.Capability) {
	select {
	case s.kick <- cap:
	default:
	}
}

// Run drives the evaluation loop until ctx is cancelled or Stop is called.
func (s *Scaler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.GetScalerInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.EvaluateAll(ctx)
		case cap := <-s.kick:
			s.Evaluate(ctx, cap)
		}
	}
}

// Stop terminates the Run loop and waits for it to exit.
func (s *Scaler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// =============================================================================
// EVALUATION
// =============================================================================

// EvaluateAll evaluates every capability known to the registry or currently
// in demand.
func (s *Scaler) EvaluateAll(ctx context.Context) {
	seen := make(map[types.Capability]bool)
	for _, cap := range s.reg.Capabilities() {
		seen[cap] = true
		s.Evaluate(ctx, cap)
	}
	for _, cap := range s.demand.Capabilities() {
		if !seen[cap] {
			s.Evaluate(ctx, cap)
		}
	}
}

// Evaluate applies the scaling policy to one capability.
func (s *Scaler) Evaluate(ctx context.Context, cap types.Capability) {
	active := s.reg.ActiveCount(cap)
	min, max := s.cfg.MinAgents(cap), s.cfg.MaxAgents(cap)

	// Floor enforcement is unconditional: cooldowns never starve a
	// capability below its minimum.
	if active < min {
		s.scaleUp(ctx, cap)
		return
	}

	pressure := float64(s.demand.Depth(cap)) + s.cfg.Scaler.DemandAlpha*s.intents.DemandScore(cap)
	ratio := pressure / float64(maxInt(active, 1))

	switch {
	case ratio > s.cfg.Scaler.HighWatermark && active < max:
		if s.allow(cap) {
			s.scaleUp(ctx, cap)
		}
	case active > min && s.utilization(cap, active) < s.cfg.Scaler.LowWatermark && ratio < s.cfg.Scaler.LowWatermark:
		if s.allow(cap) {
			s.scaleDown(cap)
		}
	}
}

// allow consumes one cooldown token for cap.
func (s *Scaler) allow(cap types.Capability) bool {
	s.mu.Lock()
	lim, ok := s.limiters[cap]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.GetScalerCooldown()), 1)
		s.limiters[cap] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

// utilization is the mean in-flight count per active agent for cap.
func (s *Scaler) utilization(cap types.Capability, active int) float64 {
	if active == 0 {
		return 0
	}
	inFlight := 0
	for _, snap := range s.reg.ListByCapability(cap) {
		if snap.State == types.StateActive {
			inFlight += snap.InFlight
		}
	}
	return float64(inFlight) / float64(active)
}

// =============================================================================
// SCALE UP / DOWN
// =============================================================================

// scaleUp prefers waking a hibernating agent over spawning a fresh one:
// waking is instant and keeps warmed state.
func (s *Scaler) scaleUp(ctx context.Context, cap types.Capability) {
	for _, snap := range s.reg.ListByCapability(cap) {
		if snap.State != types.StateHibernating {
			continue
		}
		if err := s.reg.Transition(snap.ID, types.StateActive); err != nil {
			continue
		}
		s.logger.Info("woke hibernating agent",
			zap.String("agent", snap.ID),
			zap.String("capability", string(cap)))
		return
	}
	s.spawn(ctx, cap)
}

// spawn creates, registers, probes, and activates a new agent.
func (s *Scaler) spawn(ctx context.Context, cap types.Capability) {
	if s.factory == nil {
		return
	}
	agent, err := s.factory.NewAgent(ctx, cap)
	if err != nil {
		s.failure(cap, fmt.Errorf("factory failed: %w", err))
		return
	}
	if err := s.reg.Register(agent); err != nil {
		s.failure(cap, fmt.Errorf("registration failed for %s: %w", agent.ID(), err))
		return
	}

	if rc, ok := agent.(types.ReadyChecker); ok {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.GetReadyProbeTimeout())
		err := rc.Ready(probeCtx)
		cancel()
		if err != nil {
			_ = s.reg.Transition(agent.ID(), types.StateTerminated)
			s.failure(cap, fmt.Errorf("readiness probe failed for %s: %w", agent.ID(), err))
			return
		}
	}

	if err := s.reg.Transition(agent.ID(), types.StateActive); err != nil {
		s.failure(cap, fmt.Errorf("activation failed for %s: %w", agent.ID(), err))
		return
	}

	s.sink.Emit(types.Event{
		Type: types.EventAgentSpawned,
		At:   time.Now(),
		Fields: map[string]interface{}{
			"agent":      agent.ID(),
			"capability": string(cap),
		},
	})
	s.logger.Info("spawned agent",
		zap.String("agent", agent.ID()),
		zap.String("capability", string(cap)))
}

// scaleDown hibernates the idle agent that has been quiet longest. Agents
// with work in flight are never hibernated.
func (s *Scaler) scaleDown(cap types.Capability) {
	var victim *types.AgentSnapshot
	for _, snap := range s.reg.ListByCapability(cap) {
		if snap.State != types.StateActive || snap.InFlight > 0 {
			continue
		}
		snap := snap
		if victim == nil || snap.LastActive.Before(victim.LastActive) {
			victim = &snap
		}
	}
	if victim == nil {
		return
	}
	if err := s.reg.Transition(victim.ID, types.StateHibernating); err != nil {
		return
	}
	s.sink.Emit(types.Event{
		Type: types.EventAgentHibernated,
		At:   time.Now(),
		Fields: map[string]interface{}{
			"agent":      victim.ID,
			"capability": string(cap),
		},
	})
	s.logger.Info("hibernated idle agent",
		zap.String("agent", victim.ID),
		zap.String("capability", string(cap)))
}

// failure logs and emits a scaling failure. The mesh keeps serving with
// whatever capacity it has.
func (s *Scaler) failure(cap types.Capability, err error) {
	s.sink.Emit(types.Event{
		Type: types.EventScaleFailure,
		At:   time.Now(),
		Fields: map[string]interface{}{
			"capability": string(cap),
			"error":      err.Error(),
		},
	})
	s.logger.Warn("scaling action failed",
		zap.String("capability", string(cap)),
		zap.Error(err))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
