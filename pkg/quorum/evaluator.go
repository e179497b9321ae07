// Package quorum computes session outcomes from vote sets.
//
// Evaluation is pure: the same vote set at the same evaluation time
// always yields a byte-identical Decision. The quorum denominator is
// the roster size frozen at session creation, never the responder
// count; agents that never answered count against the denominator as
// abstain.
package quorum

import (
	"fmt"
	"time"

	"github.com/quorumworks/council/pkg/canonicalize"
	"github.com/quorumworks/council/pkg/contracts"
)

// DefaultRosterSize is the full council.
const DefaultRosterSize = 33

// Threshold returns the supermajority bar for a roster of n agents:
// ceil(2n/3). For the full council that is 22.
func Threshold(n int) int {
	return (2*n + 2) / 3
}

// BuildTally counts votes per choice and folds non-responders into
// abstain, so the tally always sums to rosterSize.
func BuildTally(votes []contracts.Vote, rosterSize int) (contracts.Tally, error) {
	if len(votes) > rosterSize {
		return contracts.Tally{}, fmt.Errorf("quorum: %d votes exceed roster size %d", len(votes), rosterSize)
	}

	seen := make(map[string]bool, len(votes))
	var t contracts.Tally
	for _, v := range votes {
		if seen[v.AgentID] {
			return contracts.Tally{}, fmt.Errorf("quorum: %w: agent %s", contracts.ErrDuplicateVote, v.AgentID)
		}
		seen[v.AgentID] = true

		switch v.Choice {
		case contracts.ChoiceApprove:
			t.Approve++
		case contracts.ChoiceReject:
			t.Reject++
		case contracts.ChoiceEscalate:
			t.Escalate++
		case contracts.ChoiceAbstain:
			t.Abstain++
		default:
			return contracts.Tally{}, fmt.Errorf("quorum: vote from %s has unknown choice %q", v.AgentID, v.Choice)
		}
	}
	t.Abstain += rosterSize - len(votes)
	return t, nil
}

// Evaluate renders the Decision for a session.
//
// Approve bloc at or above threshold wins; otherwise reject bloc;
// otherwise the session escalates with consensus_reached=false.
// Explicit escalate votes count toward neither bloc. A unanimous
// escalate set is a normal escalated outcome, not an error.
func Evaluate(sessionID string, votes []contracts.Vote, rosterSize int, evaluatedAt time.Time) (contracts.Decision, error) {
	tally, err := BuildTally(votes, rosterSize)
	if err != nil {
		return contracts.Decision{}, err
	}

	threshold := Threshold(rosterSize)
	decision := contracts.Decision{
		SessionID:   sessionID,
		Tally:       tally,
		RosterSize:  rosterSize,
		Threshold:   threshold,
		EvaluatedAt: evaluatedAt.UTC(),
	}

	switch {
	case tally.Approve >= threshold:
		decision.Outcome = contracts.OutcomeApproved
		decision.ConsensusReached = true
	case tally.Reject >= threshold:
		decision.Outcome = contracts.OutcomeRejected
		decision.ConsensusReached = true
	default:
		decision.Outcome = contracts.OutcomeEscalated
		decision.ConsensusReached = false
	}

	hash, err := canonicalize.CanonicalHash(decision)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("quorum: hash decision: %w", err)
	}
	decision.ContentHash = "sha256:" + hash
	return decision, nil
}

// Undecidable reports whether neither bloc can still reach the
// threshold: every recorded non-bloc vote is one fewer possible
// supporter. When true before the deadline the collector may stop
// early; the final outcome is escalated either way, so short-circuiting
// never changes the decision.
func Undecidable(recorded contracts.Tally, rosterSize int) bool {
	pending := rosterSize - recorded.Total()
	if pending < 0 {
		pending = 0
	}
	threshold := Threshold(rosterSize)
	return recorded.Approve+pending < threshold && recorded.Reject+pending < threshold
}
