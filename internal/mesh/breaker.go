package mesh

import (
	"sync"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"aimesh/internal/config"
	"aimesh/internal/types"
)

// =============================================================================
// PER-AGENT CIRCUIT BREAKERS
// =============================================================================

// breakerSet lazily creates one circuit breaker per agent id. A repeatedly
// failing agent fails fast instead of soaking up chain deadline, and the
// collaboration path covers for it while the circuit is open.
type breakerSet struct {
	mu       sync.Mutex
	cfg      *config.Config
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker[types.Result]
}

func newBreakerSet(cfg *config.Config, logger *zap.Logger) *breakerSet {
	return &breakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[types.Result]),
	}
}

// forAgent returns the breaker guarding one agent, creating it on first use.
func (b *breakerSet) forAgent(agentID string) *gobreaker.CircuitBreaker[types.Result] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[agentID]; ok {
		return cb
	}

	maxFailures := b.cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	logger := b.logger
	cb := gobreaker.NewCircuitBreaker[types.Result](gobreaker.Settings{
		Name:        "agent:" + agentID,
		MaxRequests: 1, // one probe in half-open
		Interval:    b.cfg.GetBreakerInterval(),
		Timeout:     b.cfg.GetBreakerOpenTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("agent circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	b.breakers[agentID] = cb
	return cb
}

// drop forgets an agent's breaker, typically on termination.
func (b *breakerSet) drop(agentID string) {
	b.mu.Lock()
	delete(b.breakers, agentID)
	b.mu.Unlock()
}
