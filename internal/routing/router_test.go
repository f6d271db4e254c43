package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"aimesh/internal/config"
	"aimesh/internal/intent"
	"aimesh/internal/registry"
	"aimesh/internal/types"
)

type stubAgent struct {
	id   string
	caps []types.Capability
}

func (a *stubAgent) ID() string                       { return a.id }
func (a *stubAgent) Capabilities() []types.Capability { return a.caps }
func (a *stubAgent) Execute(ctx context.Context, task types.Task) (types.Result, error) {
	return types.Result{Content: "ok", Confidence: 0.9}, nil
}

func activate(t *testing.T, reg *registry.Registry, id string, caps ...types.Capability) {
	t.Helper()
	if err := reg.Register(&stubAgent{id: id, caps: caps}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := reg.Transition(id, types.StateActive); err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
}

func newRouter(cfg *config.Config, reg *registry.Registry, g *intent.Graph) *Router {
	return New(cfg, reg, g, zap.NewNop(), nil)
}

func TestRequiredCapabilitiesExplicitWins(t *testing.T) {
	cfg := config.DefaultConfig()
	r := newRouter(cfg, registry.New(0.3, zap.NewNop(), nil), intent.New(0, 1))

	req := types.Request{
		TaskType:     "full_feature",
		Capabilities: []types.Capability{"security_review", "code_review", "security_review"},
	}
	got := r.RequiredCapabilities(req)
	want := []types.Capability{"code_review", "security_review"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("required capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiredCapabilitiesTaskTypeMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	r := newRouter(cfg, registry.New(0.3, zap.NewNop(), nil), intent.New(0, 1))

	got := r.RequiredCapabilities(types.Request{TaskType: "full_feature"})
	want := []types.Capability{"code_generation", "code_review", "documentation"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiredCapabilitiesFallbackToTaskType(t *testing.T) {
	cfg := config.DefaultConfig()
	r := newRouter(cfg, registry.New(0.3, zap.NewNop(), nil), intent.New(0, 1))

	got := r.RequiredCapabilities(types.Request{TaskType: "translation"})
	want := []types.Capability{"translation"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiredCapabilitiesIntentAugmentation(t *testing.T) {
	cfg := config.DefaultConfig()
	g := intent.New(0, 1)
	// Strong habit: this user's code_generation requests reliably pull in
	// security review. Weight must clear the augmentation floor.
	for i := 0; i < 3; i++ {
		g.Record("u1", "code_generation", "security_review")
	}
	// One-off signal stays below the floor.
	g.Record("u1", "code_generation", "documentation")

	r := newRouter(cfg, registry.New(0.3, zap.NewNop(), nil), g)

	got := r.RequiredCapabilities(types.Request{UserID: "u1", TaskType: "code_generation"})
	want := []types.Capability{"code_generation", "security_review"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Other users are unaffected by u1's habits.
	got = r.RequiredCapabilities(types.Request{UserID: "u2", TaskType: "code_generation"})
	want = []types.Capability{"code_generation"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch for other user (-want +got):\n%s", diff)
	}
}

func TestPickPrefersLessLoadedAgent(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	activate(t, reg, "busy", "code_generation")
	activate(t, reg, "idle", "code_generation")
	for i := 0; i < 3; i++ {
		if err := reg.MarkBusy("busy"); err != nil {
			t.Fatal(err)
		}
	}

	r := newRouter(cfg, reg, intent.New(0, 1))
	step, ok := r.pick("code_generation", []types.Capability{"code_generation"}, types.UrgencyNormal)
	if !ok {
		t.Fatal("expected a pick")
	}
	if step.AgentID != "idle" {
		t.Errorf("picked %s, want idle agent", step.AgentID)
	}
}

func TestPickPrefersHigherConfidence(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	activate(t, reg, "novice", "code_review")
	activate(t, reg, "veteran", "code_review")
	if err := reg.ReportOutcome("veteran", "code_review", 100*time.Millisecond, 0.95); err != nil {
		t.Fatal(err)
	}
	if err := reg.ReportOutcome("novice", "code_review", 100*time.Millisecond, 0.2); err != nil {
		t.Fatal(err)
	}

	r := newRouter(cfg, reg, intent.New(0, 1))
	step, ok := r.pick("code_review", []types.Capability{"code_review"}, types.UrgencyNormal)
	if !ok {
		t.Fatal("expected a pick")
	}
	if step.AgentID != "veteran" {
		t.Errorf("picked %s, want veteran", step.AgentID)
	}
}

func TestPickTieBreaksOnAgentID(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	activate(t, reg, "bravo", "code_generation")
	activate(t, reg, "alpha", "code_generation")

	r := newRouter(cfg, reg, intent.New(0, 1))
	for i := 0; i < 5; i++ {
		step, ok := r.pick("code_generation", []types.Capability{"code_generation"}, types.UrgencyNormal)
		if !ok {
			t.Fatal("expected a pick")
		}
		if step.AgentID != "alpha" {
			t.Fatalf("tie must break to smaller id, got %s", step.AgentID)
		}
	}
}

func TestPickIgnoresNonActiveAgents(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	activate(t, reg, "sleeper", "code_generation")
	if err := reg.Transition("sleeper", types.StateHibernating); err != nil {
		t.Fatal(err)
	}

	r := newRouter(cfg, reg, intent.New(0, 1))
	if _, ok := r.pick("code_generation", []types.Capability{"code_generation"}, types.UrgencyNormal); ok {
		t.Error("hibernating agent must not be picked")
	}
}

func TestPlanChainPipelineOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	activate(t, reg, "doc", "documentation")
	activate(t, reg, "gen", "code_generation")
	activate(t, reg, "rev", "code_review")

	r := newRouter(cfg, reg, intent.New(0, 1))
	steps, err := r.PlanChain(context.Background(), types.Request{ID: "r1", UserID: "u1", TaskType: "full_feature"})
	if err != nil {
		t.Fatal(err)
	}

	var caps []types.Capability
	for _, st := range steps {
		caps = append(caps, st.Capability)
	}
	want := []types.Capability{"code_generation", "code_review", "documentation"}
	if diff := cmp.Diff(want, caps); diff != "" {
		t.Errorf("chain order mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanChainNoAgentAvailable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Router.RetryWait = "1ms"
	r := newRouter(cfg, registry.New(0.3, zap.NewNop(), nil), intent.New(0, 1))

	_, err := r.PlanChain(context.Background(), types.Request{ID: "r1", TaskType: "code_generation"})
	if !errors.Is(err, types.ErrNoAgentAvailable) {
		t.Fatalf("want ErrNoAgentAvailable, got %v", err)
	}
}

// spawningKicker simulates a scaler that brings up an agent when poked.
type spawningKicker struct {
	t   *testing.T
	reg *registry.Registry
}

func (k *spawningKicker) Kick(cap types.Capability) {
	activate(k.t, k.reg, "late-arrival", cap)
}

func TestPlanChainRetriesAfterKick(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Router.RetryWait = "1ms"
	reg := registry.New(0.3, zap.NewNop(), nil)

	r := newRouter(cfg, reg, intent.New(0, 1))
	r.SetKicker(&spawningKicker{t: t, reg: reg})

	steps, err := r.PlanChain(context.Background(), types.Request{ID: "r1", TaskType: "code_generation"})
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].AgentID != "late-arrival" {
		t.Errorf("expected the kicked-up agent, got %+v", steps)
	}
}

func TestPlanChainDeterministic(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := registry.New(0.3, zap.NewNop(), nil)
	activate(t, reg, "a1", "code_generation", "code_review", "documentation")
	activate(t, reg, "a2", "code_generation", "code_review", "documentation")

	r := newRouter(cfg, reg, intent.New(0, 1))
	req := types.Request{ID: "r1", UserID: "u1", TaskType: "full_feature"}

	first, err := r.PlanChain(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.PlanChain(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("identical state must route identically (-first +again):\n%s", diff)
		}
	}
}
