package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"aimesh/internal/types"
)

// echoAgent is the built-in demonstration agent: it answers every task by
// echoing it back with the thread and upstream context it saw. Useful for
// exercising the mesh before real agents are plugged in.
type echoAgent struct {
	id  string
	cap types.Capability

	mu    sync.Mutex
	facts []types.KnowledgeFact
}

var echoSeq atomic.Int64

func newEchoAgent(cap types.Capability) *echoAgent {
	return &echoAgent{
		id:  fmt.Sprintf("echo-%s-%d", cap, echoSeq.Add(1)),
		cap: cap,
	}
}

func (a *echoAgent) ID() string                       { return a.id }
func (a *echoAgent) Capabilities() []types.Capability { return []types.Capability{a.cap} }

func (a *echoAgent) Execute(ctx context.Context, task types.Task) (types.Result, error) {
	select {
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	default:
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", a.cap, task.Request.Content)
	if len(task.Upstream) > 0 {
		fmt.Fprintf(&b, " (after %d upstream steps)", len(task.Upstream))
	}
	return types.Result{
		Content:      b.String(),
		Confidence:   0.9,
		ContextDelta: map[string]string{"last_" + string(a.cap): a.id},
	}, nil
}

// Ready implements types.ReadyChecker. Echo agents are always ready.
func (a *echoAgent) Ready(ctx context.Context) error { return ctx.Err() }

// ReceiveFact implements types.KnowledgeReceiver.
func (a *echoAgent) ReceiveFact(ctx context.Context, fact types.KnowledgeFact) error {
	a.mu.Lock()
	a.facts = append(a.facts, fact)
	a.mu.Unlock()
	return nil
}

// echoFactory spawns echo agents on scaler demand.
type echoFactory struct{}

func (echoFactory) NewAgent(ctx context.Context, cap types.Capability) (types.Agent, error) {
	return newEchoAgent(cap), nil
}
