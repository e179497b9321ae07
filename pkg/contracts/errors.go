package contracts

import "errors"

// Error taxonomy of the consensus engine. Callers branch on these with
// errors.Is; everything else is wrapped context.
var (
	// ErrInsufficientQuorumPool means the roster does not have the
	// configured minimum of active agents in every role group. Surfaced
	// to the session creator, never retried automatically.
	ErrInsufficientQuorumPool = errors.New("insufficient quorum pool")

	// ErrSessionClosed rejects votes or decision writes against a
	// session in a terminal state. Logged and surfaced as a conflict.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidTransition rejects a state-machine move the lifecycle
	// does not admit.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrDuplicateVote marks a second ballot from the same agent for
	// the same session. Recovered locally by discarding; submitters see
	// a no-op acknowledgement, not a failure.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrAgentTimeout and ErrAgentCallFailed classify per-agent call
	// failures. Both resolve to implicit abstain.
	ErrAgentTimeout    = errors.New("agent call timed out")
	ErrAgentCallFailed = errors.New("agent call failed")

	// ErrEscalationDeliveryFailed marks a failed workbench hand-off.
	// The dispatcher retries with backoff; the session stays escalated.
	ErrEscalationDeliveryFailed = errors.New("escalation delivery failed")

	ErrSessionNotFound = errors.New("session not found")
	ErrCaseNotFound    = errors.New("escalation case not found")
	ErrAgentNotFound   = errors.New("agent not found")
)
