// Package escalation packages failed-consensus sessions for the human
// review workbench and manages the case lifecycle thereafter: durable
// hand-off with at-least-once delivery, analyst verdicts, and overdue
// flagging.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/store"
)

// DefaultReviewWindow is how long an analyst has before a case is
// flagged overdue.
const DefaultReviewWindow = 24 * time.Hour

// Router builds escalation cases and schedules their delivery. It is
// the session manager's Escalator.
type Router struct {
	store        *store.SQLiteStore
	outbox       store.Outbox
	rule         *PriorityRule
	trail        *audit.Log
	logger       *slog.Logger
	clock        func() time.Time
	reviewWindow time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) RouterOption {
	return func(r *Router) { r.clock = clock }
}

// WithReviewWindow sets the analyst due-by offset.
func WithReviewWindow(d time.Duration) RouterOption {
	return func(r *Router) { r.reviewWindow = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithPriorityRule replaces the default priority expression.
func WithPriorityRule(rule *PriorityRule) RouterOption {
	return func(r *Router) { r.rule = rule }
}

// NewRouter creates a Router with the default priority rule unless one
// is supplied. trail may be nil.
func NewRouter(st *store.SQLiteStore, outbox store.Outbox, trail *audit.Log, opts ...RouterOption) (*Router, error) {
	rule, err := CompilePriorityRule(DefaultPriorityRule)
	if err != nil {
		return nil, err
	}
	r := &Router{
		store:        st,
		outbox:       outbox,
		rule:         rule,
		trail:        trail,
		logger:       slog.Default(),
		clock:        time.Now,
		reviewWindow: DefaultReviewWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Escalate packages one failed session into a case, persists it and
// schedules workbench delivery. Idempotent per session: a repeat call
// returns the already-stored case.
func (r *Router) Escalate(ctx context.Context, session contracts.Session, decision contracts.Decision, votes []contracts.Vote) (contracts.EscalationCase, error) {
	priority, err := r.rule.Evaluate(session.Subject, decision.Tally)
	if err != nil {
		return contracts.EscalationCase{}, err
	}

	now := r.clock().UTC()
	escalationCase := contracts.EscalationCase{
		CaseID:     uuid.New().String(),
		SessionID:  session.ID,
		Subject:    session.Subject,
		Tally:      decision.Tally,
		Rationales: rationales(votes),
		Priority:   priority,
		Status:     contracts.CaseOpen,
		CreatedAt:  now,
		DueBy:      now.Add(r.reviewWindow),
	}

	if err := r.store.InsertCase(ctx, escalationCase); err != nil {
		return contracts.EscalationCase{}, err
	}
	// A retry after a crash lands here with a fresh CaseID that lost
	// the insert race; the stored case is authoritative.
	stored, err := r.store.GetCaseBySession(ctx, session.ID)
	if err != nil {
		return contracts.EscalationCase{}, err
	}
	if err := r.outbox.Schedule(ctx, stored); err != nil {
		return contracts.EscalationCase{}, fmt.Errorf("escalation: schedule delivery: %w", err)
	}

	r.logger.Info("escalation case opened",
		"case_id", stored.CaseID, "session_id", session.ID, "priority", string(stored.Priority))
	return stored, nil
}

// rationales extracts the analyst packet entries, keeping vote order.
func rationales(votes []contracts.Vote) []contracts.RationaleEntry {
	out := make([]contracts.RationaleEntry, 0, len(votes))
	for _, v := range votes {
		out = append(out, contracts.RationaleEntry{
			AgentID:   v.AgentID,
			Group:     v.Group,
			Choice:    v.Choice,
			Rationale: v.Rationale,
		})
	}
	return out
}

// Service handles the case lifecycle after hand-off: analyst verdicts
// and overdue flagging.
type Service struct {
	store  *store.SQLiteStore
	trail  *audit.Log
	logger *slog.Logger
	clock  func() time.Time
}

// NewService wires the case lifecycle service. trail may be nil.
func NewService(st *store.SQLiteStore, trail *audit.Log, opts ...ServiceOption) *Service {
	s := &Service{
		store:  st,
		trail:  trail,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the clock for deterministic testing.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithServiceLogger sets the structured logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// Cases lists escalation cases, optionally filtered by status.
func (s *Service) Cases(ctx context.Context, statuses ...contracts.CaseStatus) ([]contracts.EscalationCase, error) {
	return s.store.ListCases(ctx, statuses...)
}

// Case loads the case for one session.
func (s *Service) Case(ctx context.Context, sessionID string) (contracts.EscalationCase, error) {
	return s.store.GetCaseBySession(ctx, sessionID)
}

// SubmitHumanDecision records an analyst verdict on an escalated case.
// approve and reject resolve the case and close the session; the other
// choices are recorded but keep the case open.
func (s *Service) SubmitHumanDecision(ctx context.Context, sessionID string, decision contracts.HumanDecision) (contracts.EscalationCase, error) {
	if !decision.Choice.Valid() {
		return contracts.EscalationCase{}, fmt.Errorf("escalation: unknown reviewer choice %q", decision.Choice)
	}
	if decision.ReviewerID == "" {
		return contracts.EscalationCase{}, fmt.Errorf("escalation: reviewer id must not be empty")
	}
	decision.SessionID = sessionID
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = s.clock().UTC()
	}

	current, err := s.store.GetCaseBySession(ctx, sessionID)
	if err != nil {
		return contracts.EscalationCase{}, err
	}
	if current.Status == contracts.CaseResolved {
		return contracts.EscalationCase{}, fmt.Errorf("escalation: case for %s already resolved: %w", sessionID, contracts.ErrSessionClosed)
	}

	s.append(ctx, audit.EntryHumanDecision, sessionID, decision.ReviewerID,
		map[string]string{"choice": string(decision.Choice), "rationale": decision.Rationale})

	if !decision.Choice.Final() {
		s.logger.Info("non-final reviewer verdict, case stays open",
			"session_id", sessionID, "choice", string(decision.Choice))
		return current, nil
	}

	if err := s.store.ResolveCase(ctx, sessionID, decision); err != nil {
		return contracts.EscalationCase{}, err
	}
	if err := s.store.MarkClosed(ctx, sessionID, decision.DecidedAt); err != nil {
		if !errors.Is(err, contracts.ErrInvalidTransition) {
			return contracts.EscalationCase{}, err
		}
		// Session already closed; the case resolution stands.
	}
	s.append(ctx, audit.EntryStateTransition, sessionID, decision.ReviewerID,
		map[string]string{"from": string(contracts.SessionEscalated), "to": string(contracts.SessionClosed)})

	s.logger.Info("case resolved",
		"session_id", sessionID, "reviewer_id", decision.ReviewerID, "choice", string(decision.Choice))
	return s.store.GetCaseBySession(ctx, sessionID)
}

// FlagOverdue marks open cases past their due time. It never resolves
// anything: an unanswered case stays in the queue until a human acts.
func (s *Service) FlagOverdue(ctx context.Context) (int, error) {
	open, err := s.store.ListCases(ctx, contracts.CaseOpen)
	if err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	flagged := 0
	for _, c := range open {
		if !c.DueBy.Before(now) {
			continue
		}
		if err := s.store.MarkCaseOverdue(ctx, c.SessionID); err != nil {
			s.logger.Error("overdue flag failed", "session_id", c.SessionID, "error", err)
			continue
		}
		flagged++
	}
	if flagged > 0 {
		s.logger.Info("cases flagged overdue", "count", flagged)
	}
	return flagged, nil
}

func (s *Service) append(ctx context.Context, entryType audit.EntryType, sessionID, actor string, payload interface{}) {
	if s.trail == nil {
		return
	}
	if _, err := s.trail.Append(ctx, entryType, sessionID, actor, payload); err != nil {
		s.logger.Error("audit append failed", "session_id", sessionID, "error", err)
	}
}
