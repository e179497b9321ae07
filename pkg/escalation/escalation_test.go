package escalation_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/escalation"
	"github.com/quorumworks/council/pkg/store"
)

func fixture(t *testing.T) (*store.SQLiteStore, *store.SQLiteOutbox) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "council.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	outbox, err := store.NewSQLiteOutbox(db)
	require.NoError(t, err)
	return st, outbox
}

func escalatedSession(t *testing.T, st *store.SQLiteStore, id string) contracts.Session {
	t.Helper()
	s := contracts.Session{
		ID:         id,
		Subject:    contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-1", Severity: contracts.SeverityHigh},
		State:      contracts.SessionPending,
		CreatedAt:  time.Now().UTC(),
		Deadline:   time.Now().Add(time.Minute).UTC(),
		RosterSize: 33,
	}
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, s))
	require.NoError(t, st.TransitionSession(ctx, id, contracts.SessionPending, contracts.SessionVoting))
	require.NoError(t, st.TransitionSession(ctx, id, contracts.SessionVoting, contracts.SessionEscalated))
	s.State = contracts.SessionEscalated
	return s
}

func splitDecision(sessionID string) contracts.Decision {
	return contracts.Decision{
		SessionID:  sessionID,
		Outcome:    contracts.OutcomeEscalated,
		Tally:      contracts.Tally{Approve: 8, Reject: 15, Escalate: 10},
		RosterSize: 33,
		Threshold:  22,
	}
}

func TestRouterEscalatePersistsAndSchedules(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-1")
	votes := []contracts.Vote{
		{SessionID: "sess-1", AgentID: "guardian-01", Group: contracts.GroupGuardian, Choice: contracts.ChoiceReject, Rationale: "policy breach"},
		{SessionID: "sess-1", AgentID: "scribe-04", Group: contracts.GroupScribe, Choice: contracts.ChoiceEscalate, Rationale: "ambiguous evidence"},
	}

	c, err := router.Escalate(ctx, session, splitDecision("sess-1"), votes)
	require.NoError(t, err)

	assert.NotEmpty(t, c.CaseID)
	assert.Equal(t, "sess-1", c.SessionID)
	assert.Equal(t, contracts.PriorityHigh, c.Priority, "high severity subject")
	assert.Equal(t, contracts.CaseOpen, c.Status)
	assert.True(t, c.DueBy.After(c.CreatedAt))
	require.Len(t, c.Rationales, 2)
	assert.Equal(t, "policy breach", c.Rationales[0].Rationale)

	due, err := outbox.Due(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, c.CaseID, due[0].Case.CaseID)
}

func TestRouterEscalateIdempotent(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-2")
	first, err := router.Escalate(ctx, session, splitDecision("sess-2"), nil)
	require.NoError(t, err)
	second, err := router.Escalate(ctx, session, splitDecision("sess-2"), nil)
	require.NoError(t, err)

	assert.Equal(t, first.CaseID, second.CaseID, "retry returns the stored case")

	due, err := outbox.Due(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1, "one outbox record per session")
}

func TestPriorityRuleDefaults(t *testing.T) {
	rule, err := escalation.CompilePriorityRule(escalation.DefaultPriorityRule)
	require.NoError(t, err)

	cases := []struct {
		severity contracts.Severity
		escalate int
		want     contracts.Priority
	}{
		{contracts.SeverityCritical, 0, contracts.PriorityCritical},
		{contracts.SeverityHigh, 0, contracts.PriorityHigh},
		{contracts.SeverityMedium, 11, contracts.PriorityHigh},
		{contracts.SeverityLow, 3, contracts.PriorityMedium},
		{"", 0, contracts.PriorityMedium},
	}
	for _, tc := range cases {
		got, err := rule.Evaluate(
			contracts.Subject{Type: contracts.SubjectIncidentReport, Severity: tc.severity},
			contracts.Tally{Escalate: tc.escalate},
		)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "severity=%s escalate=%d", tc.severity, tc.escalate)
	}
}

func TestPriorityRuleRejectsBadExpressions(t *testing.T) {
	_, err := escalation.CompilePriorityRule(`severity ==`)
	assert.Error(t, err)

	rule, err := escalation.CompilePriorityRule(`'urgent'`)
	require.NoError(t, err)
	_, err = rule.Evaluate(contracts.Subject{}, contracts.Tally{})
	assert.Error(t, err, "unknown priority value")
}

func TestSubmitHumanDecisionClosesSession(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	service := escalation.NewService(st, nil)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-3")
	_, err = router.Escalate(ctx, session, splitDecision("sess-3"), nil)
	require.NoError(t, err)

	resolved, err := service.SubmitHumanDecision(ctx, "sess-3", contracts.HumanDecision{
		ReviewerID: "analyst-7",
		Choice:     contracts.HumanReject,
		Rationale:  "confirmed violation",
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.CaseResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, contracts.HumanReject, resolved.Resolution.Choice)

	loaded, err := st.GetSession(ctx, "sess-3")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionClosed, loaded.State)

	// A second verdict bounces off the resolved case.
	_, err = service.SubmitHumanDecision(ctx, "sess-3", contracts.HumanDecision{
		ReviewerID: "analyst-8",
		Choice:     contracts.HumanApprove,
	})
	assert.ErrorIs(t, err, contracts.ErrSessionClosed)
}

func TestSubmitHumanDecisionNonFinalKeepsCaseOpen(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	service := escalation.NewService(st, nil)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-4")
	_, err = router.Escalate(ctx, session, splitDecision("sess-4"), nil)
	require.NoError(t, err)

	c, err := service.SubmitHumanDecision(ctx, "sess-4", contracts.HumanDecision{
		ReviewerID: "analyst-7",
		Choice:     contracts.HumanNeedMoreInfo,
		Rationale:  "need deployment logs",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseOpen, c.Status)

	loaded, err := st.GetSession(ctx, "sess-4")
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionEscalated, loaded.State, "session stays open for the final verdict")
}

func TestSubmitHumanDecisionValidates(t *testing.T) {
	st, _ := fixture(t)
	service := escalation.NewService(st, nil)
	ctx := context.Background()

	_, err := service.SubmitHumanDecision(ctx, "sess-x", contracts.HumanDecision{ReviewerID: "a", Choice: "shrug"})
	assert.Error(t, err)

	_, err = service.SubmitHumanDecision(ctx, "sess-x", contracts.HumanDecision{Choice: contracts.HumanApprove})
	assert.Error(t, err)

	_, err = service.SubmitHumanDecision(ctx, "sess-x", contracts.HumanDecision{ReviewerID: "a", Choice: contracts.HumanApprove})
	assert.ErrorIs(t, err, contracts.ErrCaseNotFound)
}

func TestFlagOverdue(t *testing.T) {
	st, outbox := fixture(t)
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	router, err := escalation.NewRouter(st, outbox, nil,
		escalation.WithClock(func() time.Time { return past }),
		escalation.WithReviewWindow(time.Hour))
	require.NoError(t, err)
	service := escalation.NewService(st, nil)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-5")
	_, err = router.Escalate(ctx, session, splitDecision("sess-5"), nil)
	require.NoError(t, err)

	flagged, err := service.FlagOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	c, err := service.Case(ctx, "sess-5")
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseOverdue, c.Status)

	// Overdue cases still accept a final verdict.
	resolved, err := service.SubmitHumanDecision(ctx, "sess-5", contracts.HumanDecision{
		ReviewerID: "analyst-9",
		Choice:     contracts.HumanApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseResolved, resolved.Status)
}

func TestDispatcherDeliversAndRetries(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		assert.Equal(t, "sess-6", r.Header.Get("Idempotency-Key"))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	session := escalatedSession(t, st, "sess-6")
	_, err = router.Escalate(ctx, session, splitDecision("sess-6"), nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	dispatcher := escalation.NewDispatcher(outbox, escalation.NewHTTPDeliverer(srv.URL, nil), nil,
		escalation.WithDispatcherClock(func() time.Time { return now }),
		escalation.WithBackoff(time.Millisecond, time.Second))

	// First drain fails and reschedules.
	delivered, err := dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	// Second drain, past the retry time, succeeds.
	now = now.Add(time.Second)
	delivered, err = dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	// Nothing left.
	delivered, err = dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestDispatcherBackoffCaps(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-7")
	_, err = router.Escalate(ctx, session, splitDecision("sess-7"), nil)
	require.NoError(t, err)

	failing := escalation.NewHTTPDeliverer("http://127.0.0.1:1", &http.Client{Timeout: 100 * time.Millisecond})
	now := time.Now().UTC()
	dispatcher := escalation.NewDispatcher(outbox, failing, nil,
		escalation.WithDispatcherClock(func() time.Time { return now }),
		escalation.WithBackoff(100*time.Millisecond, 400*time.Millisecond))

	for i := 0; i < 5; i++ {
		_, err := dispatcher.DrainOnce(ctx)
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	due, err := outbox.Due(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 5, due[0].Attempts)
	assert.Equal(t, store.OutboxPending, due[0].Status)
}

func TestRationaleOrderFollowsVotes(t *testing.T) {
	st, outbox := fixture(t)
	router, err := escalation.NewRouter(st, outbox, nil)
	require.NoError(t, err)
	ctx := context.Background()

	session := escalatedSession(t, st, "sess-8")
	var votes []contracts.Vote
	for i := 0; i < 5; i++ {
		votes = append(votes, contracts.Vote{
			SessionID: "sess-8",
			AgentID:   fmt.Sprintf("agent-%02d", i),
			Group:     contracts.GroupArbiter,
			Choice:    contracts.ChoiceEscalate,
		})
	}

	c, err := router.Escalate(ctx, session, splitDecision("sess-8"), votes)
	require.NoError(t, err)
	require.Len(t, c.Rationales, 5)
	for i, entry := range c.Rationales {
		assert.Equal(t, fmt.Sprintf("agent-%02d", i), entry.AgentID)
	}
}
