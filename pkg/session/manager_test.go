package session_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/backend"
	"github.com/quorumworks/council/pkg/collector"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/roster"
	"github.com/quorumworks/council/pkg/session"
	"github.com/quorumworks/council/pkg/store"
)

// hang marks an agent slot whose backend blocks until cancelled.
const hang contracts.VoteChoice = "hang"

type capturingEscalator struct {
	cases []contracts.EscalationCase
	fail  error
}

func (e *capturingEscalator) Escalate(_ context.Context, s contracts.Session, d contracts.Decision, votes []contracts.Vote) (contracts.EscalationCase, error) {
	if e.fail != nil {
		return contracts.EscalationCase{}, e.fail
	}
	c := contracts.EscalationCase{
		CaseID:    fmt.Sprintf("case-%d", len(e.cases)+1),
		SessionID: s.ID,
		Subject:   s.Subject,
		Tally:     d.Tally,
		Priority:  contracts.PriorityMedium,
		Status:    contracts.CaseOpen,
	}
	e.cases = append(e.cases, c)
	return c, nil
}

// buildCouncil registers one agent per entry in choices, 11 per role
// group when len(choices) == 33, with a backend answering that choice.
func buildCouncil(t *testing.T, choices []contracts.VoteChoice) (*roster.Registry, *backend.Directory) {
	t.Helper()
	groups := contracts.RoleGroups()
	reg := roster.NewRegistry()
	dir := backend.NewDirectory()

	for i, choice := range choices {
		provider := fmt.Sprintf("provider-%02d", i)
		agent := contracts.Agent{
			ID:       fmt.Sprintf("agent-%02d", i),
			Group:    groups[i%len(groups)],
			Provider: provider,
			Active:   true,
		}
		require.NoError(t, reg.Register(agent))

		if choice == hang {
			dir.Add(backend.NewFuncBackend(provider, func(ctx context.Context, _ contracts.Subject) (backend.Ballot, error) {
				<-ctx.Done()
				return backend.Ballot{}, ctx.Err()
			}))
			continue
		}
		ballot := backend.Ballot{Choice: choice, Confidence: 0.9}
		if choice == contracts.ChoiceReject {
			ballot.Rationale = "fails policy check"
		}
		dir.Add(backend.NewStaticBackend(provider, ballot))
	}
	return reg, dir
}

func choiceSet(approve, reject, escalate, abstain, hanging int) []contracts.VoteChoice {
	var out []contracts.VoteChoice
	add := func(n int, c contracts.VoteChoice) {
		for i := 0; i < n; i++ {
			out = append(out, c)
		}
	}
	add(approve, contracts.ChoiceApprove)
	add(reject, contracts.ChoiceReject)
	add(escalate, contracts.ChoiceEscalate)
	add(abstain, contracts.ChoiceAbstain)
	add(hanging, hang)
	return out
}

type harness struct {
	manager   *session.Manager
	store     *store.SQLiteStore
	trail     *audit.Log
	escalator *capturingEscalator
}

func newHarness(t *testing.T, choices []contracts.VoteChoice, opts ...session.Option) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "council.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewSQLiteStore(db)
	require.NoError(t, err)
	trail, err := audit.NewLog(db)
	require.NoError(t, err)

	reg, dir := buildCouncil(t, choices)
	esc := &capturingEscalator{}

	h := &harness{store: st, trail: trail, escalator: esc}
	opts = append([]session.Option{session.WithVotingWindow(2 * time.Second)}, opts...)

	// The manager is its own vote recorder; break the construction
	// cycle with a late-bound proxy.
	proxy := &recorderProxy{}
	col := collector.New(dir, proxy)
	h.manager = session.NewManager(st, reg, col, esc, trail, opts...)
	proxy.recorder = h.manager
	return h
}

type recorderProxy struct {
	recorder collector.Recorder
}

func (p *recorderProxy) RecordVote(ctx context.Context, vote contracts.Vote) error {
	return p.recorder.RecordVote(ctx, vote)
}

func TestRunSplitVoteEscalates(t *testing.T) {
	h := newHarness(t, choiceSet(8, 15, 10, 0, 0))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-1", Severity: contracts.SeverityHigh}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionPending, s.State)
	assert.Equal(t, 33, s.RosterSize)

	decision, err := h.manager.Run(ctx, s.ID)
	require.NoError(t, err)

	assert.False(t, decision.ConsensusReached)
	assert.Equal(t, contracts.OutcomeEscalated, decision.Outcome)
	assert.Equal(t, contracts.Tally{Approve: 8, Reject: 15, Escalate: 10}, decision.Tally)

	loaded, err := h.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionEscalated, loaded.State)
	require.Len(t, h.escalator.cases, 1)
	assert.Equal(t, s.ID, h.escalator.cases[0].SessionID)

	require.NoError(t, h.trail.Verify(ctx))
}

func TestRunSupermajorityApproves(t *testing.T) {
	h := newHarness(t, choiceSet(28, 3, 0, 2, 0))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectAISystemReview, Ref: "sys-9"}, time.Time{})
	require.NoError(t, err)

	decision, err := h.manager.Run(ctx, s.ID)
	require.NoError(t, err)

	assert.True(t, decision.ConsensusReached)
	assert.Equal(t, contracts.OutcomeApproved, decision.Outcome)
	assert.Equal(t, 22, decision.Threshold)

	loaded, err := h.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionClosed, loaded.State)
	require.NotNil(t, loaded.ClosedAt)
	require.NotNil(t, loaded.Decision)
	assert.Equal(t, decision.ContentHash, loaded.Decision.ContentHash)
	assert.Empty(t, h.escalator.cases)
}

func TestRunTimeoutsFoldToAbstainAndEscalate(t *testing.T) {
	h := newHarness(t, choiceSet(20, 0, 0, 0, 13),
		session.WithVotingWindow(400*time.Millisecond),
		session.WithAgentTimeout(100*time.Millisecond))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectComplianceClaim, Ref: "claim-2"}, time.Time{})
	require.NoError(t, err)

	decision, err := h.manager.Run(ctx, s.ID)
	require.NoError(t, err)

	// 20 approve < 22: even a full approve bloc plus nothing else fails
	// the supermajority once 13 agents are silent.
	assert.False(t, decision.ConsensusReached)
	assert.Equal(t, contracts.OutcomeEscalated, decision.Outcome)
	assert.Equal(t, contracts.Tally{Approve: 20, Abstain: 13}, decision.Tally)
	assert.Equal(t, 33, decision.Tally.Total())
}

func TestCreateRefusesIneligibleRoster(t *testing.T) {
	// 32 agents: one guardian short of the per-group minimum.
	h := newHarness(t, choiceSet(32, 0, 0, 0, 0))

	_, err := h.manager.Create(context.Background(), contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-3"}, time.Time{})
	assert.ErrorIs(t, err, contracts.ErrInsufficientQuorumPool)
}

func TestCreateValidatesSubject(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))
	ctx := context.Background()

	_, err := h.manager.Create(ctx, contracts.Subject{Type: "press_release", Ref: "x"}, time.Time{})
	assert.Error(t, err)

	_, err = h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport}, time.Time{})
	assert.Error(t, err)
}

func TestCreateHonorsExplicitDeadline(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))
	ctx := context.Background()

	deadline := time.Now().Add(45 * time.Minute).UTC().Truncate(time.Second)
	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-10"}, deadline)
	require.NoError(t, err)
	assert.True(t, s.Deadline.Equal(deadline), "explicit deadline must override the voting window")

	loaded, err := h.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Deadline.Equal(deadline))
}

func TestCreateRejectsPastDeadline(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))

	_, err := h.manager.Create(context.Background(),
		contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-11"},
		time.Now().Add(-time.Minute))
	assert.ErrorContains(t, err, "not in the future")
}

func TestRecordVoteAfterCloseRejected(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-4"}, time.Time{})
	require.NoError(t, err)
	_, err = h.manager.Run(ctx, s.ID)
	require.NoError(t, err)

	err = h.manager.RecordVote(ctx, contracts.Vote{
		SessionID: s.ID, AgentID: "agent-00", Group: contracts.GroupGuardian,
		Provider: "provider-00", Choice: contracts.ChoiceReject, ReceivedAt: time.Now(),
	})
	assert.ErrorIs(t, err, contracts.ErrSessionClosed)

	// The decision is untouched.
	decision, err := h.manager.Decision(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.Tally{Approve: 33}, decision.Tally)
}

func TestRecordVoteDuplicateRejected(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-5"}, time.Time{})
	require.NoError(t, err)

	vote := contracts.Vote{
		SessionID: s.ID, AgentID: "agent-00", Group: contracts.GroupGuardian,
		Provider: "provider-00", Choice: contracts.ChoiceApprove, ReceivedAt: time.Now(),
	}
	require.NoError(t, h.manager.RecordVote(ctx, vote))

	vote.Choice = contracts.ChoiceReject
	assert.ErrorIs(t, h.manager.RecordVote(ctx, vote), contracts.ErrDuplicateVote)
}

func TestRunRequiresPendingState(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-6"}, time.Time{})
	require.NoError(t, err)
	_, err = h.manager.Run(ctx, s.ID)
	require.NoError(t, err)

	_, err = h.manager.Run(ctx, s.ID)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestRunEscalatorFailureLeavesSessionEscalated(t *testing.T) {
	h := newHarness(t, choiceSet(8, 15, 10, 0, 0))
	h.escalator.fail = fmt.Errorf("workbench unreachable")
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-7"}, time.Time{})
	require.NoError(t, err)

	_, err = h.manager.Run(ctx, s.ID)
	assert.ErrorIs(t, err, contracts.ErrEscalationDeliveryFailed)

	loaded, err := h.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionEscalated, loaded.State)
}

func TestTallyFoldsNonResponders(t *testing.T) {
	h := newHarness(t, choiceSet(33, 0, 0, 0, 0))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-8"}, time.Time{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.manager.RecordVote(ctx, contracts.Vote{
			SessionID: s.ID, AgentID: fmt.Sprintf("agent-%02d", i),
			Group: contracts.GroupGuardian, Provider: fmt.Sprintf("provider-%02d", i),
			Choice: contracts.ChoiceApprove, ReceivedAt: time.Now(),
		}))
	}

	tally, err := h.manager.Tally(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.Tally{Approve: 5, Abstain: 28}, tally)
}

func TestHooksFire(t *testing.T) {
	var votes []contracts.Vote
	var decisions []contracts.Decision
	var escalated []contracts.EscalationCase
	h := newHarness(t, choiceSet(8, 15, 10, 0, 0), session.WithHooks(session.Hooks{
		OnVote:      func(v contracts.Vote) { votes = append(votes, v) },
		OnDecision:  func(d contracts.Decision) { decisions = append(decisions, d) },
		OnEscalated: func(_ contracts.Session, c contracts.EscalationCase) { escalated = append(escalated, c) },
	}))
	ctx := context.Background()

	s, err := h.manager.Create(ctx, contracts.Subject{Type: contracts.SubjectIncidentReport, Ref: "inc-9"}, time.Time{})
	require.NoError(t, err)
	_, err = h.manager.Run(ctx, s.ID)
	require.NoError(t, err)

	require.Len(t, votes, 33)
	require.Len(t, decisions, 1)
	require.Len(t, escalated, 1)
	assert.Equal(t, s.ID, escalated[0].SessionID)
}
