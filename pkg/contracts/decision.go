package contracts

import "time"

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeEscalated Outcome = "escalated"
)

// Tally is a snapshot of vote counts per choice. Non-responding agents
// are folded into Abstain, so the four counters always sum to the
// session's roster size.
type Tally struct {
	Approve  int `json:"approve"`
	Reject   int `json:"reject"`
	Escalate int `json:"escalate"`
	Abstain  int `json:"abstain"`
}

// Total returns the quorum denominator the tally covers.
func (t Tally) Total() int {
	return t.Approve + t.Reject + t.Escalate + t.Abstain
}

// Decision is the immutable, one-per-session consensus verdict. Once
// written it is never updated or deleted; corrections happen via a new
// superseding session. ContentHash is the sha256 of the canonical JSON
// form of the decision body and underlies the evaluator's
// byte-identity guarantee.
type Decision struct {
	SessionID        string    `json:"session_id"`
	Outcome          Outcome   `json:"outcome"`
	ConsensusReached bool      `json:"consensus_reached"`
	Tally            Tally     `json:"tally"`
	RosterSize       int       `json:"roster_size"`
	Threshold        int       `json:"threshold"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
	ContentHash      string    `json:"content_hash,omitempty"`
}
