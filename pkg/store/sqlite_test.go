package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumworks/council/pkg/contracts"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func storedSession() contracts.Session {
	return contracts.Session{
		ID: "s-1",
		Subject: contracts.Subject{
			Type:     contracts.SubjectAISystemReview,
			Ref:      "sys-42",
			Severity: contracts.SeverityHigh,
			Metadata: map[string]string{"region": "eu"},
		},
		State:      contracts.SessionPending,
		CreatedAt:  time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Deadline:   time.Date(2026, 2, 1, 12, 5, 0, 0, time.UTC),
		RosterSize: 33,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, storedSession()))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionPending, got.State)
	assert.Equal(t, "sys-42", got.Subject.Ref)
	assert.Equal(t, map[string]string{"region": "eu"}, got.Subject.Metadata)
	assert.Equal(t, 33, got.RosterSize)
	assert.Nil(t, got.Decision)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrSessionNotFound)
}

func TestTransitionCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, storedSession()))

	require.NoError(t, s.TransitionSession(ctx, "s-1", contracts.SessionPending, contracts.SessionVoting))

	// Same transition again fails: the compare half of the CAS.
	err := s.TransitionSession(ctx, "s-1", contracts.SessionPending, contracts.SessionVoting)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)

	require.NoError(t, s.TransitionSession(ctx, "s-1", contracts.SessionVoting, contracts.SessionEscalated))

	// Exactly one of two racing terminal transitions can win.
	err = s.TransitionSession(ctx, "s-1", contracts.SessionVoting, contracts.SessionConsensusReached)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestVoteAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vote := contracts.Vote{
		SessionID:  "s-1",
		AgentID:    "guardian-03",
		Group:      contracts.GroupGuardian,
		Provider:   "acme",
		Choice:     contracts.ChoiceReject,
		Confidence: 0.7,
		Rationale:  "training data provenance unclear",
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertVote(ctx, vote))

	// Duplicate: first ballot survives.
	dup := vote
	dup.Choice = contracts.ChoiceApprove
	err := s.InsertVote(ctx, dup)
	assert.ErrorIs(t, err, contracts.ErrDuplicateVote)

	votes, err := s.ListVotes(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, contracts.ChoiceReject, votes[0].Choice)
	assert.Equal(t, "acme", votes[0].Provider)
}

func TestDecisionWriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := contracts.Decision{
		SessionID:        "s-1",
		Outcome:          contracts.OutcomeEscalated,
		ConsensusReached: false,
		Tally:            contracts.Tally{Approve: 8, Reject: 15, Escalate: 10},
		RosterSize:       33,
		Threshold:        22,
		EvaluatedAt:      time.Now().UTC(),
		ContentHash:      "sha256:abc",
	}
	require.NoError(t, s.InsertDecision(ctx, d))

	// Second write attempt is a conflict, and the stored record is
	// untouched.
	d2 := d
	d2.Outcome = contracts.OutcomeApproved
	err := s.InsertDecision(ctx, d2)
	assert.ErrorIs(t, err, contracts.ErrSessionClosed)

	got, err := s.GetDecision(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeEscalated, got.Outcome)
	assert.Equal(t, 33, got.Tally.Total())
}

func TestGetSessionIncludesDecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, storedSession()))
	require.NoError(t, s.InsertDecision(ctx, contracts.Decision{
		SessionID: "s-1", Outcome: contracts.OutcomeApproved, ConsensusReached: true,
		Tally: contracts.Tally{Approve: 28, Reject: 3, Escalate: 2}, RosterSize: 33,
		Threshold: 22, EvaluatedAt: time.Now().UTC(), ContentHash: "sha256:def",
	}))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, got.Decision)
	assert.Equal(t, contracts.OutcomeApproved, got.Decision.Outcome)
}

func TestGetDecisionAbsent(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDecision(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCaseLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := contracts.EscalationCase{
		CaseID:    "c-1",
		SessionID: "s-1",
		Subject:   contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-7", Severity: contracts.SeverityCritical},
		Tally:     contracts.Tally{Approve: 8, Reject: 15, Escalate: 10},
		Rationales: []contracts.RationaleEntry{
			{AgentID: "arbiter-02", Group: contracts.GroupArbiter, Choice: contracts.ChoiceReject, Rationale: "unbounded tool access"},
		},
		Priority:  contracts.PriorityCritical,
		Status:    contracts.CaseOpen,
		CreatedAt: time.Now().UTC(),
		DueBy:     time.Now().Add(4 * time.Hour).UTC(),
	}
	require.NoError(t, s.InsertCase(ctx, c))

	// Scheduling the same session twice must not create a second case.
	c2 := c
	c2.CaseID = "c-other"
	require.NoError(t, s.InsertCase(ctx, c2))
	open, err := s.ListCases(ctx, contracts.CaseOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c-1", open[0].CaseID)

	require.NoError(t, s.MarkCaseOverdue(ctx, "s-1"))
	overdue, err := s.ListCases(ctx, contracts.CaseOverdue)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	hd := contracts.HumanDecision{
		SessionID: "s-1", ReviewerID: "analyst-9", Choice: contracts.HumanReject,
		Rationale: "insufficient evals", DecidedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ResolveCase(ctx, "s-1", hd))

	got, err := s.GetCaseBySession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, contracts.HumanReject, got.Resolution.Choice)

	// Double resolution is a conflict.
	err = s.ResolveCase(ctx, "s-1", hd)
	assert.ErrorIs(t, err, contracts.ErrSessionClosed)

	_, err = s.GetCaseBySession(ctx, "missing")
	assert.True(t, errors.Is(err, contracts.ErrCaseNotFound))
}

func TestSQLiteOutbox(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	o, err := NewSQLiteOutbox(db)
	require.NoError(t, err)
	ctx := context.Background()

	c := contracts.EscalationCase{CaseID: "c-1", SessionID: "s-1", Priority: contracts.PriorityHigh, Status: contracts.CaseOpen}
	require.NoError(t, o.Schedule(ctx, c))
	require.NoError(t, o.Schedule(ctx, c), "schedule is idempotent on session id")

	due, err := o.Due(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 0, due[0].Attempts)

	require.NoError(t, o.MarkFailed(ctx, "s-1", time.Now().Add(time.Hour)))
	due, err = o.Due(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "failed record backs off until next_try")

	due, err = o.Due(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	require.NoError(t, o.MarkDelivered(ctx, "s-1"))
	due, err = o.Due(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSQLiteOutboxScheduleUsesInjectedClock(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	o, err := NewSQLiteOutbox(db, WithOutboxClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	ctx := context.Background()

	c := contracts.EscalationCase{CaseID: "c-1", SessionID: "s-1", Priority: contracts.PriorityHigh, Status: contracts.CaseOpen}
	require.NoError(t, o.Schedule(ctx, c))

	due, err := o.Due(ctx, fixed)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].Scheduled.Equal(fixed), "scheduled_at stamped from the injected clock")
	assert.True(t, due[0].NextTry.Equal(fixed))
}

func TestMarkClosed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, storedSession()))

	// Cannot close from pending.
	err := s.MarkClosed(ctx, "s-1", time.Now())
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)

	require.NoError(t, s.TransitionSession(ctx, "s-1", contracts.SessionPending, contracts.SessionVoting))
	require.NoError(t, s.TransitionSession(ctx, "s-1", contracts.SessionVoting, contracts.SessionEscalated))
	require.NoError(t, s.MarkClosed(ctx, "s-1", time.Now()))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionClosed, got.State)
	require.NotNil(t, got.ClosedAt)
}
