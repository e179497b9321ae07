package contracts

import "time"

// VoteChoice is one agent's verdict on a subject.
type VoteChoice string

const (
	ChoiceApprove  VoteChoice = "approve"
	ChoiceReject   VoteChoice = "reject"
	ChoiceEscalate VoteChoice = "escalate"
	ChoiceAbstain  VoteChoice = "abstain"
)

// Valid reports whether c is a castable choice.
func (c VoteChoice) Valid() bool {
	switch c {
	case ChoiceApprove, ChoiceReject, ChoiceEscalate, ChoiceAbstain:
		return true
	}
	return false
}

// Vote is one agent's recorded ballot for one session. At most one vote
// exists per (SessionID, AgentID); votes are append-only and immutable
// once recorded.
type Vote struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`

	// Group and Provider are value copies taken at cast time, so later
	// roster administration never rewrites the audit trail.
	Group    RoleGroup `json:"group"`
	Provider string    `json:"provider"`

	Choice     VoteChoice `json:"choice"`
	Confidence float64    `json:"confidence,omitempty"` // 0..1, optional
	Rationale  string     `json:"rationale,omitempty"`  // required for reject
	ReceivedAt time.Time  `json:"received_at"`
}

// ResponseClass records how an agent's voting request resolved. The
// distinction between timed_out, errored and never_dispatched is an
// audit requirement, even though all three count as implicit abstain
// for quorum arithmetic.
type ResponseClass string

const (
	ResponseVoted           ResponseClass = "voted"
	ResponseTimedOut        ResponseClass = "timed_out"
	ResponseErrored         ResponseClass = "errored"
	ResponseNeverDispatched ResponseClass = "never_dispatched"
	ResponseLateDiscarded   ResponseClass = "late_discarded"
)

// AgentReport is the per-agent line of a collection report.
type AgentReport struct {
	AgentID  string        `json:"agent_id"`
	Group    RoleGroup     `json:"group"`
	Provider string        `json:"provider"`
	Class    ResponseClass `json:"class"`
	Error    string        `json:"error,omitempty"`
	Elapsed  int64         `json:"elapsed_ms,omitempty"`
}

// CollectionReport is the final snapshot a collection run produces:
// every recorded vote plus the fate of every dispatched request.
type CollectionReport struct {
	SessionID string        `json:"session_id"`
	Votes     []Vote        `json:"votes"`
	Agents    []AgentReport `json:"agents"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}
