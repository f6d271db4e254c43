package types

import "errors"

// Error taxonomy for the coordination layer. Callers treat registry and
// context store errors as request-level failures; none are retried
// automatically except the single bounded re-query the router performs.
var (
	// ErrDuplicateAgent is returned when registering an agent id that already exists.
	ErrDuplicateAgent = errors.New("agent id already registered")

	// ErrInvalidTransition is returned for an illegal agent state transition.
	ErrInvalidTransition = errors.New("invalid agent state transition")

	// ErrAgentNotFound is returned when an agent id is not in the registry.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrThreadNotFound is returned when a context thread is missing or expired.
	ErrThreadNotFound = errors.New("context thread not found")

	// ErrNoAgentAvailable is returned when no Active agent exists for a
	// required capability after the router's single bounded retry.
	ErrNoAgentAvailable = errors.New("no agent available for capability")

	// ErrRequestTimeout is returned when a request exceeds its deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAgentExecution is returned when an agent fails a chain step.
	ErrAgentExecution = errors.New("agent execution failed")

	// ErrCollaborationTimeout is returned when peer consultation hits its
	// deadline before any peer replied. The coordinator degrades to the best
	// available response rather than failing the request.
	ErrCollaborationTimeout = errors.New("collaboration timed out")
)
