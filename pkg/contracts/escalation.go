package contracts

import "time"

// Priority orders escalated cases in the analyst queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
)

// CaseStatus is the lifecycle of an escalation case on our side of the
// workbench hand-off.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseOverdue  CaseStatus = "overdue"
	CaseResolved CaseStatus = "resolved"
)

// RationaleEntry pairs an agent with its stated reasoning, for the
// analyst packet.
type RationaleEntry struct {
	AgentID   string     `json:"agent_id"`
	Group     RoleGroup  `json:"group"`
	Choice    VoteChoice `json:"choice"`
	Rationale string     `json:"rationale,omitempty"`
}

// EscalationCase is the packet handed to the human-review workbench
// when agent consensus fails. Delivery is at-least-once; consumers
// dedupe on SessionID.
type EscalationCase struct {
	CaseID    string  `json:"case_id"`
	SessionID string  `json:"session_id"`
	Subject   Subject `json:"subject"`

	Tally      Tally            `json:"tally"`
	Rationales []RationaleEntry `json:"rationales,omitempty"`

	Priority Priority   `json:"priority"`
	Status   CaseStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	DueBy     time.Time `json:"due_by"`

	// Resolution, once a human reviewer acts. An overdue case with no
	// resolution stays open; it is never auto-resolved.
	Resolution *HumanDecision `json:"resolution,omitempty"`
}

// HumanChoice is a certified analyst's verdict on an escalated case.
type HumanChoice string

const (
	HumanApprove         HumanChoice = "approve"
	HumanReject          HumanChoice = "reject"
	HumanEscalateFurther HumanChoice = "escalate_further"
	HumanNeedMoreInfo    HumanChoice = "need_more_info"
)

// Valid reports whether c is a recognized reviewer choice.
func (c HumanChoice) Valid() bool {
	switch c {
	case HumanApprove, HumanReject, HumanEscalateFurther, HumanNeedMoreInfo:
		return true
	}
	return false
}

// Final reports whether the choice terminates the session. An
// escalate_further or need_more_info verdict keeps the case open.
func (c HumanChoice) Final() bool {
	return c == HumanApprove || c == HumanReject
}

// HumanDecision is the tie-breaking verdict a reviewer submits. It is
// recorded distinctly from agent votes and is what ultimately sets the
// terminal outcome when agent consensus failed.
type HumanDecision struct {
	SessionID  string      `json:"session_id"`
	ReviewerID string      `json:"reviewer_id"`
	Choice     HumanChoice `json:"choice"`
	Rationale  string      `json:"rationale,omitempty"`
	DecidedAt  time.Time   `json:"decided_at"`
}
