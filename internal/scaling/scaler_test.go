package scaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"aimesh/internal/config"
	"aimesh/internal/intent"
	"aimesh/internal/registry"
	"aimesh/internal/types"
)

type fakeAgent struct {
	id       string
	caps     []types.Capability
	readyErr error
}

func (a *fakeAgent) ID() string                       { return a.id }
func (a *fakeAgent) Capabilities() []types.Capability { return a.caps }
func (a *fakeAgent) Execute(ctx context.Context, task types.Task) (types.Result, error) {
	return types.Result{Content: "ok", Confidence: 0.9}, nil
}
func (a *fakeAgent) Ready(ctx context.Context) error { return a.readyErr }

type countingFactory struct {
	mu       sync.Mutex
	spawned  int
	readyErr error
}

func (f *countingFactory) NewAgent(ctx context.Context, cap types.Capability) (types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned++
	return &fakeAgent{
		id:       fmt.Sprintf("spawned-%s-%d", cap, f.spawned),
		caps:     []types.Capability{cap},
		readyErr: f.readyErr,
	}, nil
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}

type captureSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *captureSink) Emit(ev types.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) byType(t types.EventType) []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newScaler(cfg *config.Config, reg *registry.Registry, f AgentFactory, sink types.EventSink) (*Scaler, *DemandTracker) {
	d := NewDemandTracker()
	return New(cfg, reg, f, intent.New(0, 1), d, zap.NewNop(), sink), d
}

func TestEvaluateEnforcesMinimum(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	factory := &countingFactory{}
	s, _ := newScaler(cfg, reg, factory, nil)

	s.Evaluate(context.Background(), "code_generation")

	if factory.count() != 1 {
		t.Fatalf("expected 1 spawn for empty capability, got %d", factory.count())
	}
	if got := reg.ActiveCount("code_generation"); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestEvaluateWakesBeforeSpawning(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	sleeper := &fakeAgent{id: "sleeper", caps: []types.Capability{"code_generation"}}
	if err := reg.Register(sleeper); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition("sleeper", types.StateActive); err != nil {
		t.Fatal(err)
	}
	if err := reg.Transition("sleeper", types.StateHibernating); err != nil {
		t.Fatal(err)
	}

	factory := &countingFactory{}
	s, _ := newScaler(cfg, reg, factory, nil)

	s.Evaluate(context.Background(), "code_generation")

	if factory.count() != 0 {
		t.Errorf("hibernating agent should be woken, not a new one spawned (%d spawns)", factory.count())
	}
	snap, err := reg.Snapshot("sleeper")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != types.StateActive {
		t.Errorf("sleeper state = %s, want active", snap.State)
	}
}

func TestEvaluateSpawnsAboveHighWatermark(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	factory := &countingFactory{}
	s, demand := newScaler(cfg, reg, factory, nil)

	// Satisfy the minimum first.
	s.Evaluate(context.Background(), "code_generation")
	if factory.count() != 1 {
		t.Fatal("setup: minimum spawn did not happen")
	}

	// Pressure 5 against 1 active agent exceeds the 2.0 watermark.
	for i := 0; i < 5; i++ {
		demand.Inc("code_generation")
	}
	s.Evaluate(context.Background(), "code_generation")

	if factory.count() != 2 {
		t.Errorf("expected a second spawn under pressure, got %d total", factory.count())
	}
}

func TestEvaluateNeverExceedsMaximum(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scaler.DefaultMax = 2
	cfg.Scaler.Cooldown = "1ms"
	reg := registry.New(0.3, zap.NewNop(), nil)
	for _, id := range []string{"a1", "a2"} {
		if err := reg.Register(&fakeAgent{id: id, caps: []types.Capability{"code_generation"}}); err != nil {
			t.Fatal(err)
		}
		if err := reg.Transition(id, types.StateActive); err != nil {
			t.Fatal(err)
		}
	}
	factory := &countingFactory{}
	s, demand := newScaler(cfg, reg, factory, nil)

	// Pressure far above the high watermark must not push past the cap.
	for i := 0; i < 20; i++ {
		demand.Inc("code_generation")
	}
	for i := 0; i < 5; i++ {
		s.Evaluate(context.Background(), "code_generation")
		time.Sleep(2 * time.Millisecond) // let the cooldown token refill
	}

	if factory.count() != 0 {
		t.Errorf("no spawn is allowed at the maximum, got %d", factory.count())
	}
	if got := reg.ActiveCount("code_generation"); got != 2 {
		t.Errorf("ActiveCount = %d, must never exceed the configured maximum of 2", got)
	}
}

func TestCooldownLimitsConsecutiveActions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scaler.DefaultMin = 0
	cfg.Scaler.Cooldown = "1h"
	reg := registry.New(0.3, zap.NewNop(), nil)
	factory := &countingFactory{}
	s, demand := newScaler(cfg, reg, factory, nil)

	for i := 0; i < 8; i++ {
		demand.Inc("code_generation")
	}
	s.Evaluate(context.Background(), "code_generation")
	s.Evaluate(context.Background(), "code_generation")
	s.Evaluate(context.Background(), "code_generation")

	if factory.count() != 1 {
		t.Errorf("cooldown must allow exactly one action, got %d spawns", factory.count())
	}
}

func TestReadyProbeFailureTerminatesAgent(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	factory := &countingFactory{readyErr: errors.New("model not loaded")}
	sink := &captureSink{}
	s, _ := newScaler(cfg, reg, factory, sink)

	s.Evaluate(context.Background(), "code_generation")

	if got := reg.ActiveCount("code_generation"); got != 0 {
		t.Errorf("unready agent must not go active, ActiveCount = %d", got)
	}
	if len(reg.ListAll()) != 0 {
		t.Error("unready agent must be terminated and removed")
	}
	if len(sink.byType(types.EventScaleFailure)) == 0 {
		t.Error("expected a scale_failure event")
	}
}

func TestEvaluateHibernatesIdleSurplus(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	for _, id := range []string{"a1", "a2"} {
		if err := reg.Register(&fakeAgent{id: id, caps: []types.Capability{"code_generation"}}); err != nil {
			t.Fatal(err)
		}
		if err := reg.Transition(id, types.StateActive); err != nil {
			t.Fatal(err)
		}
	}
	sink := &captureSink{}
	s, _ := newScaler(cfg, reg, &countingFactory{}, sink)

	s.Evaluate(context.Background(), "code_generation")

	if got := reg.ActiveCount("code_generation"); got != 1 {
		t.Errorf("ActiveCount = %d, want 1 after hibernating surplus", got)
	}
	if len(sink.byType(types.EventAgentHibernated)) != 1 {
		t.Error("expected an agent_hibernated event")
	}

	// Never below the minimum.
	s.Evaluate(context.Background(), "code_generation")
	if got := reg.ActiveCount("code_generation"); got != 1 {
		t.Errorf("ActiveCount = %d, minimum must hold", got)
	}
}

func TestBusyAgentsAreNotHibernated(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	for _, id := range []string{"a1", "a2"} {
		if err := reg.Register(&fakeAgent{id: id, caps: []types.Capability{"code_generation"}}); err != nil {
			t.Fatal(err)
		}
		if err := reg.Transition(id, types.StateActive); err != nil {
			t.Fatal(err)
		}
		if err := reg.MarkBusy(id); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := newScaler(cfg, reg, &countingFactory{}, nil)

	s.Evaluate(context.Background(), "code_generation")

	if got := reg.ActiveCount("code_generation"); got != 2 {
		t.Errorf("agents with work in flight must stay active, ActiveCount = %d", got)
	}
}

func TestRunLoopStartsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.DefaultConfig()
	cfg.Scaler.Interval = "10ms"
	reg := registry.New(0.3, zap.NewNop(), nil)
	factory := &countingFactory{}
	s, demand := newScaler(cfg, reg, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	demand.Inc("code_generation")
	s.Kick("code_generation")

	deadline := time.After(2 * time.Second)
	for factory.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("kick did not trigger a spawn")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()
}
