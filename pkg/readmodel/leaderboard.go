// Package readmodel derives reporting views from the append-only vote
// and decision logs. Views are rebuildable at any time; nothing here is
// a source of truth.
package readmodel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/store"
)

// AgentStats is one agent's derived reliability record.
type AgentStats struct {
	AgentID  string              `json:"agent_id"`
	Group    contracts.RoleGroup `json:"group"`
	Provider string              `json:"provider"`

	Votes   int                          `json:"votes"`
	Choices map[contracts.VoteChoice]int `json:"choices"`

	// Aligned counts votes matching the recorded outcome of decided
	// sessions. Escalated sessions contribute to neither side.
	Aligned       int     `json:"aligned"`
	Misaligned    int     `json:"misaligned"`
	AlignmentRate float64 `json:"alignment_rate"`

	AvgConfidence float64   `json:"avg_confidence"`
	LastVoteAt    time.Time `json:"last_vote_at"`
}

// Leaderboard is the rebuildable per-agent reliability view.
type Leaderboard struct {
	store *store.SQLiteStore

	mu        sync.RWMutex
	stats     map[string]*AgentStats
	rebuiltAt time.Time
	clock     func() time.Time
}

// NewLeaderboard creates an empty leaderboard over st.
func NewLeaderboard(st *store.SQLiteStore) *Leaderboard {
	return &Leaderboard{
		store: st,
		stats: make(map[string]*AgentStats),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Leaderboard) WithClock(clock func() time.Time) *Leaderboard {
	l.clock = clock
	return l
}

// Rebuild recomputes every agent's record from the durable logs.
func (l *Leaderboard) Rebuild(ctx context.Context) error {
	votes, err := l.store.ListVotesAll(ctx)
	if err != nil {
		return err
	}
	decisions, err := l.store.ListDecisions(ctx)
	if err != nil {
		return err
	}

	outcomes := make(map[string]contracts.Outcome, len(decisions))
	for _, d := range decisions {
		outcomes[d.SessionID] = d.Outcome
	}

	stats := make(map[string]*AgentStats)
	confidenceSums := make(map[string]float64)
	for _, v := range votes {
		s, ok := stats[v.AgentID]
		if !ok {
			s = &AgentStats{
				AgentID:  v.AgentID,
				Group:    v.Group,
				Provider: v.Provider,
				Choices:  make(map[contracts.VoteChoice]int),
			}
			stats[v.AgentID] = s
		}
		s.Votes++
		s.Choices[v.Choice]++
		confidenceSums[v.AgentID] += v.Confidence
		if v.ReceivedAt.After(s.LastVoteAt) {
			s.LastVoteAt = v.ReceivedAt
		}

		switch outcomes[v.SessionID] {
		case contracts.OutcomeApproved:
			mark(s, v.Choice == contracts.ChoiceApprove)
		case contracts.OutcomeRejected:
			mark(s, v.Choice == contracts.ChoiceReject)
		}
	}

	for id, s := range stats {
		if s.Votes > 0 {
			s.AvgConfidence = confidenceSums[id] / float64(s.Votes)
		}
		if decided := s.Aligned + s.Misaligned; decided > 0 {
			s.AlignmentRate = float64(s.Aligned) / float64(decided)
		}
	}

	l.mu.Lock()
	l.stats = stats
	l.rebuiltAt = l.clock().UTC()
	l.mu.Unlock()
	return nil
}

func mark(s *AgentStats, aligned bool) {
	if aligned {
		s.Aligned++
	} else {
		s.Misaligned++
	}
}

// Top returns the n most reliable agents: highest alignment rate first,
// vote volume as tiebreak, then ID for stability.
func (l *Leaderboard) Top(n int) []AgentStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]AgentStats, 0, len(l.stats))
	for _, s := range l.stats {
		out = append(out, cloneStats(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AlignmentRate != out[j].AlignmentRate {
			return out[i].AlignmentRate > out[j].AlignmentRate
		}
		if out[i].Votes != out[j].Votes {
			return out[i].Votes > out[j].Votes
		}
		return out[i].AgentID < out[j].AgentID
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Agent returns one agent's record.
func (l *Leaderboard) Agent(agentID string) (AgentStats, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.stats[agentID]
	if !ok {
		return AgentStats{}, false
	}
	return cloneStats(s), true
}

// RebuiltAt reports when the view was last recomputed.
func (l *Leaderboard) RebuiltAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rebuiltAt
}

func cloneStats(s *AgentStats) AgentStats {
	out := *s
	out.Choices = make(map[contracts.VoteChoice]int, len(s.Choices))
	for k, v := range s.Choices {
		out.Choices[k] = v
	}
	return out
}
