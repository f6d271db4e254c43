package scaling

import (
	"sort"
	"sync"

	"aimesh/internal/types"
)

// DemandTracker counts requests currently waiting on or executing against
// each capability. The orchestrator increments on admission and decrements
// when the step finishes, so Depth is the live queue pressure the scaler
// reacts to.
type DemandTracker struct {
	mu    sync.Mutex
	depth map[types.Capability]int
}

// NewDemandTracker returns an empty tracker.
func NewDemandTracker() *DemandTracker {
	return &DemandTracker{depth: make(map[types.Capability]int)}
}

// Inc records one more outstanding unit of work for cap.
func (d *DemandTracker) Inc(cap types.Capability) {
	d.mu.Lock()
	d.depth[cap]++
	d.mu.Unlock()
}

// Dec records one finished unit of work for cap.
func (d *DemandTracker) Dec(cap types.Capability) {
	d.mu.Lock()
	if d.depth[cap] > 0 {
		d.depth[cap]--
	}
	d.mu.Unlock()
}

// Depth returns the current outstanding count for cap.
func (d *DemandTracker) Depth(cap types.Capability) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth[cap]
}

// Capabilities returns every capability that has seen demand, sorted.
func (d *DemandTracker) Capabilities() []types.Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	caps := make([]types.Capability, 0, len(d.depth))
	for c := range d.depth {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
