package mesh

import "fmt"

// =============================================================================
// REQUEST LIFECYCLE
// =============================================================================

// RequestPhase is the coarse state a request moves through inside the mesh.
type RequestPhase string

const (
	PhaseSubmitted     RequestPhase = "submitted"
	PhaseRouted        RequestPhase = "routed"
	PhaseExecuting     RequestPhase = "executing"
	PhaseCollaborating RequestPhase = "collaborating"
	PhaseDone          RequestPhase = "done"
	PhaseFailed        RequestPhase = "failed"
)

// legalPhases maps each phase to the phases it may advance to. Executing and
// collaborating alternate once per chain step; done and failed are terminal.
var legalPhases = map[RequestPhase][]RequestPhase{
	PhaseSubmitted:     {PhaseRouted, PhaseFailed},
	PhaseRouted:        {PhaseExecuting, PhaseFailed},
	PhaseExecuting:     {PhaseCollaborating, PhaseExecuting, PhaseDone, PhaseFailed},
	PhaseCollaborating: {PhaseExecuting, PhaseDone, PhaseFailed},
}

// lifecycle tracks one request's phase history. Not safe for concurrent use;
// a request is driven by exactly one goroutine.
type lifecycle struct {
	phase   RequestPhase
	history []RequestPhase
}

func newLifecycle() *lifecycle {
	return &lifecycle{phase: PhaseSubmitted, history: []RequestPhase{PhaseSubmitted}}
}

// advance moves to the next phase, rejecting illegal jumps. An illegal
// transition is an orchestrator bug, not a runtime condition.
func (l *lifecycle) advance(to RequestPhase) error {
	for _, legal := range legalPhases[l.phase] {
		if legal == to {
			l.phase = to
			l.history = append(l.history, to)
			return nil
		}
	}
	return fmt.Errorf("illegal request phase transition %s -> %s", l.phase, to)
}

func (l *lifecycle) current() RequestPhase { return l.phase }
