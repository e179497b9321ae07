// Package store provides the durable records of the consensus engine:
// sessions, votes, decisions, escalation cases, and the workbench
// outbox. Votes and decisions are append-only; no update or delete is
// exposed for them. Corrections happen via a new superseding session.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quorumworks/council/pkg/contracts"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// Serialized access keeps the CAS transition semantics simple.
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteStore persists all engine records in one sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		subject_type TEXT NOT NULL,
		subject_ref TEXT NOT NULL,
		severity TEXT,
		description TEXT,
		metadata JSON,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		deadline DATETIME NOT NULL,
		roster_size INTEGER NOT NULL,
		closed_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS votes (
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		role_group TEXT NOT NULL,
		provider TEXT NOT NULL,
		choice TEXT NOT NULL,
		confidence REAL,
		rationale TEXT,
		received_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, agent_id)
	);
	CREATE TABLE IF NOT EXISTS decisions (
		session_id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		consensus_reached INTEGER NOT NULL,
		approve_count INTEGER NOT NULL,
		reject_count INTEGER NOT NULL,
		escalate_count INTEGER NOT NULL,
		abstain_count INTEGER NOT NULL,
		roster_size INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		evaluated_at DATETIME NOT NULL,
		content_hash TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS escalation_cases (
		case_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		subject JSON NOT NULL,
		tally JSON NOT NULL,
		rationales JSON,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		due_by DATETIME NOT NULL,
		resolution JSON
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session contracts.Session) error {
	metadata, err := json.Marshal(session.Subject.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal subject metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject_type, subject_ref, severity, description, metadata, state, created_at, deadline, roster_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Subject.Type, session.Subject.Ref, session.Subject.Severity,
		session.Subject.Description, string(metadata), session.State,
		session.CreatedAt.UTC(), session.Deadline.UTC(), session.RosterSize,
	)
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession loads one session, including its decision if recorded.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (contracts.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_type, subject_ref, severity, description, metadata, state, created_at, deadline, roster_size, closed_at
		FROM sessions WHERE id = ?`, sessionID)

	var session contracts.Session
	var severity, description sql.NullString
	var metadata []byte
	var closedAt sql.NullTime
	err := row.Scan(&session.ID, &session.Subject.Type, &session.Subject.Ref, &severity,
		&description, &metadata, &session.State, &session.CreatedAt, &session.Deadline,
		&session.RosterSize, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Session{}, fmt.Errorf("store: %w: %s", contracts.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return contracts.Session{}, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}

	session.Subject.Severity = contracts.Severity(severity.String)
	session.Subject.Description = description.String
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &session.Subject.Metadata); err != nil {
			return contracts.Session{}, fmt.Errorf("store: corrupt metadata for session %s: %w", sessionID, err)
		}
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}

	decision, err := s.GetDecision(ctx, sessionID)
	if err == nil {
		session.Decision = &decision
	} else if !errors.Is(err, sql.ErrNoRows) {
		return contracts.Session{}, err
	}
	return session, nil
}

// TransitionSession moves a session from one state to another with
// compare-and-set semantics: the update applies only if the session is
// still in the expected state. This is the exclusivity guarantee behind
// the write-once Decision.
func (s *SQLiteStore) TransitionSession(ctx context.Context, sessionID string, from, to contracts.SessionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ? WHERE id = ? AND state = ?`, to, sessionID, from)
	if err != nil {
		return fmt.Errorf("store: transition session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: transition session %s: %w", sessionID, err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("store: session %s not in state %s: %w", sessionID, from, contracts.ErrInvalidTransition)
	}
	return nil
}

// MarkClosed stamps the closure time for a session already in a
// terminal state.
func (s *SQLiteStore) MarkClosed(ctx context.Context, sessionID string, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, closed_at = ? WHERE id = ? AND state IN (?, ?)`,
		contracts.SessionClosed, closedAt.UTC(), sessionID,
		contracts.SessionConsensusReached, contracts.SessionEscalated)
	if err != nil {
		return fmt.Errorf("store: close session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("store: session %s cannot close: %w", sessionID, contracts.ErrInvalidTransition)
	}
	return nil
}

// InsertVote appends one vote. A second vote from the same agent for
// the same session reports contracts.ErrDuplicateVote and leaves the
// first untouched.
func (s *SQLiteStore) InsertVote(ctx context.Context, vote contracts.Vote) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO votes (session_id, agent_id, role_group, provider, choice, confidence, rationale, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		vote.SessionID, vote.AgentID, vote.Group, vote.Provider,
		vote.Choice, vote.Confidence, vote.Rationale, vote.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert vote %s/%s: %w", vote.SessionID, vote.AgentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("store: %w: %s/%s", contracts.ErrDuplicateVote, vote.SessionID, vote.AgentID)
	}
	return nil
}

// ListVotes returns a session's recorded votes in arrival order.
func (s *SQLiteStore) ListVotes(ctx context.Context, sessionID string) ([]contracts.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, agent_id, role_group, provider, choice, confidence, rationale, received_at
		FROM votes WHERE session_id = ? ORDER BY received_at ASC, agent_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list votes %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var votes []contracts.Vote
	for rows.Next() {
		var v contracts.Vote
		var confidence sql.NullFloat64
		var rationale sql.NullString
		if err := rows.Scan(&v.SessionID, &v.AgentID, &v.Group, &v.Provider, &v.Choice, &confidence, &rationale, &v.ReceivedAt); err != nil {
			return nil, err
		}
		v.Confidence = confidence.Float64
		v.Rationale = rationale.String
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// InsertDecision writes the one immutable decision of a session. A
// second write attempt reports contracts.ErrSessionClosed.
func (s *SQLiteStore) InsertDecision(ctx context.Context, d contracts.Decision) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO decisions (session_id, outcome, consensus_reached, approve_count, reject_count, escalate_count, abstain_count, roster_size, threshold, evaluated_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, d.Outcome, d.ConsensusReached,
		d.Tally.Approve, d.Tally.Reject, d.Tally.Escalate, d.Tally.Abstain,
		d.RosterSize, d.Threshold, d.EvaluatedAt.UTC(), d.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("store: insert decision %s: %w", d.SessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("store: decision for %s already written: %w", d.SessionID, contracts.ErrSessionClosed)
	}
	return nil
}

// GetDecision loads a session's decision. Wraps sql.ErrNoRows when the
// session is still undecided.
func (s *SQLiteStore) GetDecision(ctx context.Context, sessionID string) (contracts.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, outcome, consensus_reached, approve_count, reject_count, escalate_count, abstain_count, roster_size, threshold, evaluated_at, content_hash
		FROM decisions WHERE session_id = ?`, sessionID)

	var d contracts.Decision
	err := row.Scan(&d.SessionID, &d.Outcome, &d.ConsensusReached,
		&d.Tally.Approve, &d.Tally.Reject, &d.Tally.Escalate, &d.Tally.Abstain,
		&d.RosterSize, &d.Threshold, &d.EvaluatedAt, &d.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Decision{}, fmt.Errorf("store: no decision for %s: %w", sessionID, sql.ErrNoRows)
	}
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("store: get decision %s: %w", sessionID, err)
	}
	return d, nil
}

// ListDecisions returns all recorded decisions, oldest first. The read
// model recomputes its statistics from this log.
func (s *SQLiteStore) ListDecisions(ctx context.Context) ([]contracts.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, outcome, consensus_reached, approve_count, reject_count, escalate_count, abstain_count, roster_size, threshold, evaluated_at, content_hash
		FROM decisions ORDER BY evaluated_at ASC, session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Decision
	for rows.Next() {
		var d contracts.Decision
		if err := rows.Scan(&d.SessionID, &d.Outcome, &d.ConsensusReached,
			&d.Tally.Approve, &d.Tally.Reject, &d.Tally.Escalate, &d.Tally.Abstain,
			&d.RosterSize, &d.Threshold, &d.EvaluatedAt, &d.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListVotesAll returns every recorded vote, for read-model rebuilds.
func (s *SQLiteStore) ListVotesAll(ctx context.Context) ([]contracts.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, agent_id, role_group, provider, choice, confidence, rationale, received_at
		FROM votes ORDER BY received_at ASC, session_id ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list all votes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var votes []contracts.Vote
	for rows.Next() {
		var v contracts.Vote
		var confidence sql.NullFloat64
		var rationale sql.NullString
		if err := rows.Scan(&v.SessionID, &v.AgentID, &v.Group, &v.Provider, &v.Choice, &confidence, &rationale, &v.ReceivedAt); err != nil {
			return nil, err
		}
		v.Confidence = confidence.Float64
		v.Rationale = rationale.String
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
