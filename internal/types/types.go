// Package types provides shared type definitions used across aimesh packages.
// This package exists to break import cycles between registry, routing, and mesh.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"context"
	"time"
)

// =============================================================================
// CAPABILITIES AND AGENT LIFECYCLE
// =============================================================================

// Capability is a named skill tag an agent advertises (e.g. "code_generation",
// "security_review"). Capabilities are plain strings so agent authors can
// introduce new ones without touching the core.
type Capability string

// AgentState defines the lifecycle state of an agent.
type AgentState string

const (
	StateSpawning    AgentState = "spawning"
	StateActive      AgentState = "active"
	StateHibernating AgentState = "hibernating"
	StateTerminated  AgentState = "terminated"
)

// Urgency defines the urgency level of a request.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
)

// String returns the urgency name.
func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyNormal:
		return "normal"
	case UrgencyHigh:
		return "high"
	default:
		return "unknown"
	}
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// Request is a unit of work submitted to the mesh. Immutable once submitted.
type Request struct {
	ID           string       // Unique request ID (assigned by the mesh if empty)
	UserID       string       // Owning user
	TaskType     string       // Declared task type (e.g. "code_generation")
	Content      string       // Payload
	ThreadID     string       // Optional context thread to attach to
	Capabilities []Capability // Explicitly required capabilities (optional)
	Urgency      Urgency      // Scheduling urgency
	SubmittedAt  time.Time    // Set by the mesh on submission
}

// Response is the final outcome of one Request. Immutable once produced.
type Response struct {
	ID            string        // Unique response ID
	RequestID     string        // Back-reference to the request
	AgentID       string        // Agent that produced the winning content
	Content       string        // Result payload
	Confidence    float64       // Agent-reported confidence in [0,1]
	Success       bool          // Whether the request succeeded
	Chain         []string      // Ordered ids of every agent that contributed
	LowConfidence bool          // Advisory: no agent cleared the confidence bar
	Error         string        // Failure detail when Success is false
	Latency       time.Duration // End-to-end processing time
}

// =============================================================================
// AGENT CONTRACT
// =============================================================================

// Task is the input handed to an agent for one chain step. It carries the
// original request plus everything accumulated upstream.
type Task struct {
	Request       Request           // The originating request
	Capability    Capability        // The capability this step exercises
	ThreadContext map[string]string // Shared key-value context from the thread
	Upstream      []string          // Outputs of earlier chain steps, in order
}

// Result is what an agent returns from one execution.
type Result struct {
	Content      string            // Produced content
	Confidence   float64           // Self-reported confidence in [0,1]
	ContextDelta map[string]string // Keys to merge into the thread context
	Learned      []LearnedFact     // Facts the agent learned while working
}

// LearnedFact is an agent-reported pattern worth propagating to peers.
type LearnedFact struct {
	Capability Capability
	Pattern    string
}

// Agent is the uniform contract every worker implements. Agent internals are
// opaque to the coordination layer; the mesh only routes to capabilities.
type Agent interface {
	// ID returns the stable agent identity.
	ID() string
	// Capabilities returns the non-empty capability set this agent advertises.
	Capabilities() []Capability
	// Execute processes one task, returning within the caller's deadline.
	Execute(ctx context.Context, task Task) (Result, error)
}

// ReadyChecker is implemented by agents that need a readiness probe before
// entering the Active state. Agents without it are considered ready on spawn.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// KnowledgeReceiver is implemented by agents that want pushed knowledge facts.
type KnowledgeReceiver interface {
	ReceiveFact(ctx context.Context, fact KnowledgeFact) error
}

// AgentSnapshot is a read-only view of an agent's registry state. Snapshots
// are safe to retain; they never alias live registry memory.
type AgentSnapshot struct {
	ID           string
	Capabilities []Capability
	State        AgentState
	InFlight     int                    // Requests currently executing on this agent
	AvgLatency   time.Duration          // Exponential moving average
	Confidence   map[Capability]float64 // EMA of reported confidence per capability
	LastActive   time.Time              // Last time the agent started or finished work
}

// HasCapability reports whether the snapshot advertises cap.
func (s AgentSnapshot) HasCapability(cap Capability) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// =============================================================================
// KNOWLEDGE FACTS
// =============================================================================

// KnowledgeFact is an immutable learned pattern tied to a capability.
// Superseded facts are never deleted; they rank lower by recency and usage.
type KnowledgeFact struct {
	ID           string     // ULID: lexicographic order is creation order
	Capability   Capability // Capability the fact applies to
	Pattern      string     // The learned pattern description
	AgentID      string     // Originating agent
	CreatedAt    time.Time
	UsageCount   int64  // Bumped on retrieval
	SupersededBy string // Non-empty once a newer fact replaces this one
}

// =============================================================================
// LIFECYCLE EVENTS
// =============================================================================

// EventType identifies a lifecycle event emitted by the core.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentTransitioned EventType = "agent_transitioned"
	EventAgentSpawned      EventType = "agent_spawned"
	EventAgentHibernated   EventType = "agent_hibernated"
	EventRequestRouted     EventType = "request_routed"
	EventCollaboration     EventType = "collaboration_triggered"
	EventKnowledgePublish  EventType = "knowledge_published"
	EventThreadEvicted     EventType = "thread_evicted"
	EventScaleFailure      EventType = "scale_failure"
)

// Event is a structured lifecycle fact. The core emits these; formatting and
// export are the observability collaborator's job.
type Event struct {
	Type   EventType
	At     time.Time
	Fields map[string]interface{}
}

// EventSink receives lifecycle events. Emit must not block the caller for
// long; sinks that do slow work should buffer internally.
type EventSink interface {
	Emit(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(Event) {}
