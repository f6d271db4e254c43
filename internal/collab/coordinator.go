// Package collab implements confidence-triggered peer consultation: when an
// agent's answer is weak, peers with the same capability get a shot at it and
// the best answer wins.
package collab

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aimesh/internal/config"
	"aimesh/internal/registry"
	"aimesh/internal/types"
)

// Outcome is the merged result of one consultation round.
type Outcome struct {
	Result    types.Result
	AgentID   string   // Producer of the winning result
	Consulted []string // Peers consulted, in id order
	Cleared   bool     // Winning confidence met the threshold
}

// peerAnswer pairs a peer's result with the signals used for merging.
type peerAnswer struct {
	agentID string
	result  types.Result
	latency time.Duration
	ok      bool
}

// Coordinator fans a task out to capability peers and merges their answers.
type Coordinator struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *zap.Logger
	sink   types.EventSink
}

// New builds a coordinator over the registry.
func New(cfg *config.Config, reg *registry.Registry, logger *zap.Logger, sink types.EventSink) *Coordinator {
	if sink == nil {
		sink = types.NopSink{}
	}
	return &Coordinator{cfg: cfg, reg: reg, logger: logger, sink: sink}
}

// Consult runs one consultation round for a weak or failed result. Peers are
// the Active agents sharing the task's capability, excluding the original
// agent, in id order, capped at the configured fan-out. A peer supersedes a
// weak original only by clearing the confidence threshold; when none does,
// the original comes back unchanged with the low-confidence flag set. When
// the original hard-failed (originalFailed), any successful peer answer takes
// over regardless of threshold. Peer errors and timeouts only shrink the
// candidate set.
func (c *Coordinator) Consult(ctx context.Context, task types.Task, originalAgentID string, original types.Result, originalFailed bool) Outcome {
	peers := c.selectPeers(task.Capability, originalAgentID)
	if len(peers) == 0 {
		return Outcome{
			Result:  original,
			AgentID: originalAgentID,
			Cleared: original.Confidence >= c.cfg.Collab.ConfidenceThreshold,
		}
	}

	consulted := make([]string, len(peers))
	for i, p := range peers {
		consulted[i] = p.ID
	}
	c.sink.Emit(types.Event{
		Type: types.EventCollaboration,
		At:   time.Now(),
		Fields: map[string]interface{}{
			"request":    task.Request.ID,
			"capability": string(task.Capability),
			"original":   originalAgentID,
			"peers":      consulted,
		},
	})

	answers := c.fanOut(ctx, task, peers)
	winner, winnerID := c.merge(originalAgentID, original, originalFailed, answers)

	cleared := winner.Confidence >= c.cfg.Collab.ConfidenceThreshold
	c.logger.Debug("consultation merged",
		zap.String("request", task.Request.ID),
		zap.String("winner", winnerID),
		zap.Float64("confidence", winner.Confidence),
		zap.Bool("cleared", cleared))

	return Outcome{
		Result:    winner,
		AgentID:   winnerID,
		Consulted: consulted,
		Cleared:   cleared,
	}
}

// selectPeers lists eligible consultation targets in deterministic id order.
func (c *Coordinator) selectPeers(cap types.Capability, exclude string) []types.AgentSnapshot {
	var peers []types.AgentSnapshot
	for _, snap := range c.reg.ListByCapability(cap) {
		if snap.ID == exclude || snap.State != types.StateActive {
			continue
		}
		peers = append(peers, snap)
		if len(peers) == c.cfg.Collab.FanOut {
			break
		}
	}
	return peers
}

// fanOut executes the task on every peer concurrently under the consultation
// deadline.
func (c *Coordinator) fanOut(ctx context.Context, task types.Task, peers []types.AgentSnapshot) []peerAnswer {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetCollabTimeout())
	defer cancel()

	answers := make([]peerAnswer, len(peers))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			agent, ok := c.reg.Get(peer.ID)
			if !ok {
				return nil
			}
			_ = c.reg.MarkBusy(peer.ID)
			start := time.Now()
			res, err := agent.Execute(ctx, task)
			latency := time.Since(start)

			conf := res.Confidence
			if err != nil {
				conf = 0
			}
			_ = c.reg.ReportOutcome(peer.ID, task.Capability, latency, conf)

			if err != nil {
				c.logger.Debug("peer consultation failed",
					zap.String("peer", peer.ID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			answers[i] = peerAnswer{agentID: peer.ID, result: res, latency: latency, ok: true}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return answers
}

// merge picks the winning answer. Only peers that clear the confidence
// threshold may supersede a weak-but-successful original; a below-threshold
// peer never displaces it, however it compares. After a hard failure every
// successful peer answer is eligible. Eligible candidates rank by highest
// confidence, then lowest latency, then lexicographically smaller agent id;
// the original carries zero latency cost since it is already in hand.
func (c *Coordinator) merge(originalAgentID string, original types.Result, originalFailed bool, answers []peerAnswer) (types.Result, string) {
	threshold := c.cfg.Collab.ConfidenceThreshold
	best := peerAnswer{agentID: originalAgentID, result: original, ok: !originalFailed}
	for _, a := range answers {
		if !a.ok {
			continue
		}
		if !originalFailed && a.result.Confidence < threshold {
			continue
		}
		if !best.ok {
			best = a
			continue
		}
		switch {
		case a.result.Confidence > best.result.Confidence:
			best = a
		case a.result.Confidence == best.result.Confidence && a.latency < best.latency:
			best = a
		case a.result.Confidence == best.result.Confidence && a.latency == best.latency && a.agentID < best.agentID:
			best = a
		}
	}
	if !best.ok {
		// Hard failure and nobody answered: hand the original back so the
		// caller sees the failure attributed to the right agent.
		return original, originalAgentID
	}
	return best.result, best.agentID
}
