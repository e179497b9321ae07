// Package contracts defines the shared types of the council consensus
// engine: agents, sessions, votes, decisions, and escalation cases.
//
// Types here are plain data. Behavior lives in the owning packages
// (roster, collector, quorum, session, escalation); no component other
// than the owner mutates these records after acceptance.
package contracts

import "time"

// RoleGroup is one of the three 11-member council benches.
type RoleGroup string

const (
	GroupGuardian RoleGroup = "guardian"
	GroupArbiter  RoleGroup = "arbiter"
	GroupScribe   RoleGroup = "scribe"
)

// RoleGroups lists the benches in canonical order.
func RoleGroups() []RoleGroup {
	return []RoleGroup{GroupGuardian, GroupArbiter, GroupScribe}
}

// Valid reports whether g names a known bench.
func (g RoleGroup) Valid() bool {
	switch g {
	case GroupGuardian, GroupArbiter, GroupScribe:
		return true
	}
	return false
}

// Agent is one voting member of the council. Identity, role group and
// provider are immutable once registered; only Active may be toggled,
// and that never retroactively touches recorded votes (votes carry a
// value copy of the agent identity at cast time).
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Group     RoleGroup `json:"group"`
	Provider  string    `json:"provider"`
	Active    bool      `json:"active"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
