package contracts

import "time"

// SubjectType classifies what a session is deciding about.
type SubjectType string

const (
	SubjectAISystemReview  SubjectType = "ai_system_review"
	SubjectIncidentReport  SubjectType = "incident_report"
	SubjectComplianceClaim SubjectType = "compliance_claim"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectAISystemReview, SubjectIncidentReport, SubjectComplianceClaim:
		return true
	}
	return false
}

// Severity is caller-declared subject severity, used to derive
// escalation priority.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SessionState is the lifecycle state of a voting session.
//
// pending -> voting -> consensus_reached | escalated -> closed
type SessionState string

const (
	SessionPending          SessionState = "pending"
	SessionVoting           SessionState = "voting"
	SessionConsensusReached SessionState = "consensus_reached"
	SessionEscalated        SessionState = "escalated"
	SessionClosed           SessionState = "closed"
)

// Terminal reports whether the state admits no further voting.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionConsensusReached, SessionEscalated, SessionClosed:
		return true
	}
	return false
}

// Subject describes what the council is asked to judge.
type Subject struct {
	Type        SubjectType       `json:"type"`
	Ref         string            `json:"ref"` // external reference id
	Severity    Severity          `json:"severity,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Session is one council deliberation. Created by an external caller,
// owned thereafter by the session manager; only the manager performs
// state transitions.
type Session struct {
	ID        string       `json:"id"`
	Subject   Subject      `json:"subject"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	Deadline  time.Time    `json:"deadline"`

	// RosterSize is the quorum denominator frozen at creation time.
	RosterSize int `json:"roster_size"`

	// Decision is nil until the session reaches a terminal state.
	Decision *Decision `json:"decision,omitempty"`

	ClosedAt *time.Time `json:"closed_at,omitempty"`
}
