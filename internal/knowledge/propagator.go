package knowledge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aimesh/internal/registry"
	"aimesh/internal/types"
)

// notifyTimeout bounds each broadcast batch; a slow receiver cannot pin the
// propagator forever.
const notifyTimeout = 10 * time.Second

// Propagator records learned facts durably, then notifies every Active or
// Hibernating agent whose capability set intersects the fact's capability.
// Notification is fire-and-forget relative to the originating request, but a
// fact is never lost: it hits the store before any notification is attempted.
type Propagator struct {
	store    *FactStore
	registry *registry.Registry
	logger   *zap.Logger
	sink     types.EventSink

	concurrency int
	wg          sync.WaitGroup
}

// NewPropagator wires the fact store and agent registry together.
func NewPropagator(store *FactStore, reg *registry.Registry, concurrency int, logger *zap.Logger, sink types.EventSink) *Propagator {
	if concurrency <= 0 {
		concurrency = 4
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	return &Propagator{
		store:       store,
		registry:    reg,
		logger:      logger,
		sink:        sink,
		concurrency: concurrency,
	}
}

// Publish durably records the fact, then broadcasts it in the background.
// Returns once the fact is durable; the caller's response path never waits on
// peer notification.
func (p *Propagator) Publish(agentID string, cap types.Capability, pattern string) (types.KnowledgeFact, error) {
	fact, err := p.store.Insert(agentID, cap, pattern)
	if err != nil {
		return types.KnowledgeFact{}, err
	}

	p.sink.Emit(types.Event{
		Type: types.EventKnowledgePublish,
		At:   fact.CreatedAt,
		Fields: map[string]interface{}{
			"fact":       fact.ID,
			"capability": string(cap),
			"agent":      agentID,
		},
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.broadcast(fact)
	}()
	return fact, nil
}

// broadcast pushes the fact to every eligible peer that accepts knowledge.
func (p *Propagator) broadcast(fact types.KnowledgeFact) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	notified := 0
	for _, snap := range p.registry.ListAll() {
		if snap.ID == fact.AgentID {
			continue
		}
		if snap.State != types.StateActive && snap.State != types.StateHibernating {
			continue
		}
		if !snap.HasCapability(fact.Capability) {
			continue
		}
		agent, ok := p.registry.Get(snap.ID)
		if !ok {
			continue
		}
		receiver, ok := agent.(types.KnowledgeReceiver)
		if !ok {
			continue
		}
		notified++
		id := snap.ID
		g.Go(func() error {
			if err := receiver.ReceiveFact(ctx, fact); err != nil {
				p.logger.Warn("knowledge notification failed",
					zap.String("fact", fact.ID),
					zap.String("agent", id),
					zap.Error(err))
			}
			// Notification failures never fail the broadcast.
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("knowledge fact propagated",
		zap.String("fact", fact.ID),
		zap.Int("recipients", notified))
}

// Wait blocks until all in-flight broadcasts finish. Call on shutdown.
func (p *Propagator) Wait() {
	p.wg.Wait()
}
