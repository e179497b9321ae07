// Package session owns the deliberation lifecycle. The manager is the
// only component that performs state transitions; everything else
// observes sessions through the store or the audit trail.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/collector"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/quorum"
	"github.com/quorumworks/council/pkg/roster"
	"github.com/quorumworks/council/pkg/store"
)

const (
	// DefaultVotingWindow is the session deadline offset when the
	// caller does not supply one.
	DefaultVotingWindow = 2 * time.Minute

	// DefaultAgentTimeout bounds each individual agent call.
	DefaultAgentTimeout = 30 * time.Second
)

// Escalator packages a failed-consensus session for human review.
type Escalator interface {
	Escalate(ctx context.Context, session contracts.Session, decision contracts.Decision, votes []contracts.Vote) (contracts.EscalationCase, error)
}

// Hooks are optional notifications fired after durable writes. They run
// synchronously on the Run goroutine; keep them cheap.
type Hooks struct {
	OnVote      func(vote contracts.Vote)
	OnDecision  func(decision contracts.Decision)
	OnEscalated func(session contracts.Session, escalationCase contracts.EscalationCase)
}

// Manager drives sessions through
// pending -> voting -> consensus_reached | escalated -> closed.
type Manager struct {
	store     *store.SQLiteStore
	roster    *roster.Registry
	collector *collector.Collector
	escalator Escalator
	trail     *audit.Log
	logger    *slog.Logger
	clock     func() time.Time
	hooks     Hooks

	votingWindow time.Duration
	agentTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithVotingWindow sets the deadline offset for new sessions.
func WithVotingWindow(d time.Duration) Option {
	return func(m *Manager) { m.votingWindow = d }
}

// WithAgentTimeout bounds each agent call within a round.
func WithAgentTimeout(d time.Duration) Option {
	return func(m *Manager) { m.agentTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithHooks registers post-write notifications.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// NewManager wires the session manager. trail may be nil, in which
// case no audit entries are written (tests only; production always
// passes one).
func NewManager(st *store.SQLiteStore, reg *roster.Registry, col *collector.Collector, esc Escalator, trail *audit.Log, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		roster:       reg,
		collector:    col,
		escalator:    esc,
		trail:        trail,
		logger:       slog.Default(),
		clock:        time.Now,
		votingWindow: DefaultVotingWindow,
		agentTimeout: DefaultAgentTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a new session for subject. The quorum denominator is
// frozen from the current roster size; an ineligible roster refuses
// the session outright. A zero deadline defaults to the configured
// voting window; an explicit deadline must lie in the future.
func (m *Manager) Create(ctx context.Context, subject contracts.Subject, deadline time.Time) (contracts.Session, error) {
	if !subject.Type.Valid() {
		return contracts.Session{}, fmt.Errorf("session: unknown subject type %q", subject.Type)
	}
	if subject.Ref == "" {
		return contracts.Session{}, fmt.Errorf("session: subject ref must not be empty")
	}
	if !m.roster.Eligible() {
		return contracts.Session{}, fmt.Errorf("session: %w", contracts.ErrInsufficientQuorumPool)
	}

	now := m.clock().UTC()
	if deadline.IsZero() {
		deadline = now.Add(m.votingWindow)
	} else if !deadline.After(now) {
		return contracts.Session{}, fmt.Errorf("session: deadline %s is not in the future", deadline.Format(time.RFC3339))
	}
	session := contracts.Session{
		ID:         uuid.New().String(),
		Subject:    subject,
		State:      contracts.SessionPending,
		CreatedAt:  now,
		Deadline:   deadline.UTC(),
		RosterSize: m.roster.Size(),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return contracts.Session{}, err
	}
	m.append(ctx, audit.EntrySessionCreated, session.ID, "api", session.Subject)

	m.logger.Info("session created",
		"session_id", session.ID, "subject_ref", subject.Ref, "roster_size", session.RosterSize)
	return session, nil
}

// Get loads a session.
func (m *Manager) Get(ctx context.Context, sessionID string) (contracts.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Tally returns the live tally for a session, with non-responders
// folded in as abstain against the frozen denominator.
func (m *Manager) Tally(ctx context.Context, sessionID string) (contracts.Tally, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return contracts.Tally{}, err
	}
	votes, err := m.store.ListVotes(ctx, sessionID)
	if err != nil {
		return contracts.Tally{}, err
	}
	return quorum.BuildTally(votes, session.RosterSize)
}

// RecordVote implements collector.Recorder. Votes against a terminal
// session are rejected with contracts.ErrSessionClosed; duplicates
// surface contracts.ErrDuplicateVote from the store.
func (m *Manager) RecordVote(ctx context.Context, vote contracts.Vote) error {
	session, err := m.store.GetSession(ctx, vote.SessionID)
	if err != nil {
		return err
	}
	if session.State.Terminal() {
		m.append(ctx, audit.EntryVoteRejected, vote.SessionID, vote.AgentID,
			map[string]string{"reason": "session closed", "choice": string(vote.Choice)})
		return fmt.Errorf("session: %w: %s", contracts.ErrSessionClosed, vote.SessionID)
	}
	if err := m.store.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, contracts.ErrDuplicateVote) {
			m.append(ctx, audit.EntryVoteRejected, vote.SessionID, vote.AgentID,
				map[string]string{"reason": "duplicate", "choice": string(vote.Choice)})
		}
		return err
	}
	m.append(ctx, audit.EntryVoteRecorded, vote.SessionID, vote.AgentID,
		map[string]string{"choice": string(vote.Choice), "group": string(vote.Group)})
	if m.hooks.OnVote != nil {
		m.hooks.OnVote(vote)
	}
	return nil
}

// Run executes one session's voting round end to end: dispatch, the
// deadline join, evaluation, the write-once decision, and the terminal
// transition. Errors inside one session never affect another; the
// caller typically runs this on its own goroutine per session.
func (m *Manager) Run(ctx context.Context, sessionID string) (contracts.Decision, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return contracts.Decision{}, err
	}

	if err := m.store.TransitionSession(ctx, sessionID, contracts.SessionPending, contracts.SessionVoting); err != nil {
		return contracts.Decision{}, err
	}
	m.append(ctx, audit.EntryStateTransition, sessionID, "engine",
		map[string]string{"from": string(contracts.SessionPending), "to": string(contracts.SessionVoting)})
	session.State = contracts.SessionVoting

	agents := m.roster.ListActive()
	report, err := m.collector.Collect(ctx, session, agents, m.agentTimeout)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("session: collect %s: %w", sessionID, err)
	}
	m.logger.Info("voting round complete",
		"session_id", sessionID, "dispatched", len(report.Agents), "voted", len(report.Votes))

	// Evaluate from the durable vote log, not the in-memory report:
	// the log is the source of truth for the decision.
	votes, err := m.store.ListVotes(ctx, sessionID)
	if err != nil {
		return contracts.Decision{}, err
	}
	decision, err := quorum.Evaluate(sessionID, votes, session.RosterSize, m.clock().UTC())
	if err != nil {
		return contracts.Decision{}, err
	}

	if err := m.store.InsertDecision(ctx, decision); err != nil {
		if errors.Is(err, contracts.ErrSessionClosed) {
			// Another evaluation won the race; ours is byte-identical
			// by construction, so surface theirs.
			return m.store.GetDecision(ctx, sessionID)
		}
		return contracts.Decision{}, err
	}
	m.append(ctx, audit.EntryDecisionRecorded, sessionID, "engine", decision)
	if m.hooks.OnDecision != nil {
		m.hooks.OnDecision(decision)
	}

	if decision.ConsensusReached {
		return decision, m.settleConsensus(ctx, sessionID, decision)
	}
	return decision, m.settleEscalation(ctx, session, decision, votes)
}

func (m *Manager) settleConsensus(ctx context.Context, sessionID string, decision contracts.Decision) error {
	if err := m.store.TransitionSession(ctx, sessionID, contracts.SessionVoting, contracts.SessionConsensusReached); err != nil {
		return err
	}
	m.append(ctx, audit.EntryStateTransition, sessionID, "engine",
		map[string]string{"from": string(contracts.SessionVoting), "to": string(contracts.SessionConsensusReached)})

	if err := m.store.MarkClosed(ctx, sessionID, m.clock().UTC()); err != nil {
		return err
	}
	m.append(ctx, audit.EntryStateTransition, sessionID, "engine",
		map[string]string{"from": string(contracts.SessionConsensusReached), "to": string(contracts.SessionClosed)})

	m.logger.Info("consensus reached",
		"session_id", sessionID, "outcome", string(decision.Outcome),
		"approve", decision.Tally.Approve, "reject", decision.Tally.Reject)
	return nil
}

func (m *Manager) settleEscalation(ctx context.Context, session contracts.Session, decision contracts.Decision, votes []contracts.Vote) error {
	if err := m.store.TransitionSession(ctx, session.ID, contracts.SessionVoting, contracts.SessionEscalated); err != nil {
		return err
	}
	m.append(ctx, audit.EntryStateTransition, session.ID, "engine",
		map[string]string{"from": string(contracts.SessionVoting), "to": string(contracts.SessionEscalated)})

	if m.escalator == nil {
		m.logger.Warn("no escalator configured, case not packaged", "session_id", session.ID)
		return nil
	}
	escalationCase, err := m.escalator.Escalate(ctx, session, decision, votes)
	if err != nil {
		// The session is durably escalated; packaging retries belong to
		// the escalation dispatcher, not to this round.
		m.logger.Error("escalation packaging failed", "session_id", session.ID, "error", err)
		return fmt.Errorf("session: %w: %s", contracts.ErrEscalationDeliveryFailed, session.ID)
	}
	m.append(ctx, audit.EntryEscalated, session.ID, "engine", escalationCase)
	if m.hooks.OnEscalated != nil {
		m.hooks.OnEscalated(session, escalationCase)
	}

	m.logger.Info("session escalated",
		"session_id", session.ID, "case_id", escalationCase.CaseID, "priority", string(escalationCase.Priority))
	return nil
}

// Decision loads the recorded decision for a session.
func (m *Manager) Decision(ctx context.Context, sessionID string) (contracts.Decision, error) {
	d, err := m.store.GetDecision(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Decision{}, fmt.Errorf("session: %w: no decision for %s", contracts.ErrSessionNotFound, sessionID)
	}
	return d, err
}

func (m *Manager) append(ctx context.Context, entryType audit.EntryType, sessionID, actor string, payload interface{}) {
	if m.trail == nil {
		return
	}
	if _, err := m.trail.Append(ctx, entryType, sessionID, actor, payload); err != nil {
		m.logger.Error("audit append failed", "session_id", sessionID, "entry_type", string(entryType), "error", err)
	}
}
