package intent

import (
	"testing"
	"time"

	"aimesh/internal/types"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time           { return f.t }
func (f *fakeClock) advance(d time.Duration)  { f.t = f.t.Add(d) }

func newTestGraph(lambda float64) (*Graph, *fakeClock) {
	g := New(lambda, 1.0)
	fc := &fakeClock{t: time.Unix(1700000000, 0)}
	g.now = fc.now
	return g, fc
}

func TestRecordMonotonicInN(t *testing.T) {
	g, _ := newTestGraph(0.01)

	prev := 0.0
	for n := 1; n <= 10; n++ {
		g.Record("u1", "code_generation", "codegen")
		w := g.WeightOf("u1", "code_generation", "codegen")
		if w <= prev {
			t.Fatalf("weight after %d records = %v, not greater than %v", n, w, prev)
		}
		prev = w
	}
}

func TestWeightDecaysWithIdleTime(t *testing.T) {
	g, fc := newTestGraph(0.1)

	g.Record("u1", "code_generation", "codegen")
	w0 := g.WeightOf("u1", "code_generation", "codegen")

	fc.advance(10 * time.Second)
	w1 := g.WeightOf("u1", "code_generation", "codegen")
	if w1 >= w0 {
		t.Errorf("weight after idle = %v, want < %v", w1, w0)
	}

	fc.advance(10 * time.Second)
	w2 := g.WeightOf("u1", "code_generation", "codegen")
	if w2 >= w1 {
		t.Errorf("weight keeps decaying: got %v, want < %v", w2, w1)
	}
	if w2 < 0 {
		t.Errorf("weight went negative: %v", w2)
	}
}

func TestPredictRanking(t *testing.T) {
	g, _ := newTestGraph(0.001)

	for i := 0; i < 3; i++ {
		g.Record("u1", "feature", "codegen")
	}
	g.Record("u1", "feature", "review")

	preds := g.Predict("u1", "feature")
	if len(preds) != 2 {
		t.Fatalf("Predict() returned %d predictions, want 2", len(preds))
	}
	if preds[0].Capability != types.Capability("codegen") {
		t.Errorf("top prediction = %s, want codegen", preds[0].Capability)
	}
	if preds[0].Weight <= preds[1].Weight {
		t.Errorf("predictions not ordered: %v <= %v", preds[0].Weight, preds[1].Weight)
	}
}

func TestPredictTieBreaksByRecency(t *testing.T) {
	g, fc := newTestGraph(0)

	// Same weight for both edges, but "review" touched later.
	g.Record("u1", "feature", "codegen")
	fc.advance(time.Second)
	g.Record("u1", "feature", "review")

	preds := g.Predict("u1", "feature")
	if len(preds) != 2 {
		t.Fatalf("Predict() returned %d predictions, want 2", len(preds))
	}
	if preds[0].Capability != types.Capability("review") {
		t.Errorf("tie should break toward most recent edge, got %s first", preds[0].Capability)
	}
}

func TestPredictUnknownContext(t *testing.T) {
	g, _ := newTestGraph(0.01)
	if preds := g.Predict("nobody", "nothing"); len(preds) != 0 {
		t.Errorf("Predict() for unknown context = %v, want empty", preds)
	}
}

func TestDemandScoreAggregates(t *testing.T) {
	g, _ := newTestGraph(0)

	g.Record("u1", "feature", "codegen")
	g.Record("u2", "bugfix", "codegen")
	g.Record("u1", "feature", "review")

	if got := g.DemandScore("codegen"); got != 2.0 {
		t.Errorf("DemandScore(codegen) = %v, want 2.0", got)
	}
	if got := g.DemandScore("review"); got != 1.0 {
		t.Errorf("DemandScore(review) = %v, want 1.0", got)
	}
	if got := g.DemandScore("absent"); got != 0 {
		t.Errorf("DemandScore(absent) = %v, want 0", got)
	}
}

func TestConcurrentRecords(t *testing.T) {
	g, _ := newTestGraph(0.001)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				g.Record("u1", "feature", "codegen")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	// 800 increments with negligible decay should land near 800.
	w := g.WeightOf("u1", "feature", "codegen")
	if w < 790 || w > 800 {
		t.Errorf("weight after 800 concurrent records = %v, want ~800", w)
	}
}
