package mesh

import (
	"sort"
	"sync"
	"time"

	"aimesh/internal/types"
)

// =============================================================================
// PERFORMANCE MONITOR
// =============================================================================

// CapabilityStats is a point-in-time view of one capability's throughput.
type CapabilityStats struct {
	Capability   types.Capability
	Requests     int64
	Successes    int64
	SuccessRatio float64
	AvgLatency   time.Duration // Exponential moving average
}

// PerformanceMonitor aggregates per-capability outcome metrics. It is a
// passive accumulator: the orchestrator records, operators read.
type PerformanceMonitor struct {
	mu        sync.Mutex
	emaFactor float64
	stats     map[types.Capability]*capabilityCounters
}

type capabilityCounters struct {
	requests   int64
	successes  int64
	avgLatency time.Duration
}

// NewPerformanceMonitor returns an empty monitor. emaFactor follows the
// registry's smoothing factor.
func NewPerformanceMonitor(emaFactor float64) *PerformanceMonitor {
	if emaFactor <= 0 || emaFactor > 1 {
		emaFactor = 0.3
	}
	return &PerformanceMonitor{
		emaFactor: emaFactor,
		stats:     make(map[types.Capability]*capabilityCounters),
	}
}

// Record folds one step outcome into the capability's counters.
func (m *PerformanceMonitor) Record(cap types.Capability, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.stats[cap]
	if !ok {
		c = &capabilityCounters{}
		m.stats[cap] = c
	}
	c.requests++
	if success {
		c.successes++
	}
	if c.avgLatency == 0 {
		c.avgLatency = latency
	} else {
		c.avgLatency = time.Duration((1-m.emaFactor)*float64(c.avgLatency) + m.emaFactor*float64(latency))
	}
}

// Stats returns the counters for one capability.
func (m *PerformanceMonitor) Stats(cap types.Capability) CapabilityStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.stats[cap]
	if !ok {
		return CapabilityStats{Capability: cap}
	}
	return snapshotCounters(cap, c)
}

// All returns stats for every observed capability, sorted by capability name.
func (m *PerformanceMonitor) All() []CapabilityStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapabilityStats, 0, len(m.stats))
	for cap, c := range m.stats {
		out = append(out, snapshotCounters(cap, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

func snapshotCounters(cap types.Capability, c *capabilityCounters) CapabilityStats {
	s := CapabilityStats{
		Capability: cap,
		Requests:   c.requests,
		Successes:  c.successes,
		AvgLatency: c.avgLatency,
	}
	if c.requests > 0 {
		s.SuccessRatio = float64(c.successes) / float64(c.requests)
	}
	return s
}
