package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quorumworks/council/pkg/contracts"
)

// InsertCase persists a new escalation case. Keyed uniquely by session
// so at-least-once escalation never creates duplicate review cases.
func (s *SQLiteStore) InsertCase(ctx context.Context, c contracts.EscalationCase) error {
	subject, err := json.Marshal(c.Subject)
	if err != nil {
		return fmt.Errorf("store: marshal case subject: %w", err)
	}
	tally, err := json.Marshal(c.Tally)
	if err != nil {
		return fmt.Errorf("store: marshal case tally: %w", err)
	}
	rationales, err := json.Marshal(c.Rationales)
	if err != nil {
		return fmt.Errorf("store: marshal case rationales: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO escalation_cases (case_id, session_id, subject, tally, rationales, priority, status, created_at, due_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CaseID, c.SessionID, string(subject), string(tally), string(rationales),
		c.Priority, c.Status, c.CreatedAt.UTC(), c.DueBy.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert case %s: %w", c.CaseID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// A case for this session already exists; idempotent no-op.
		return nil
	}
	return nil
}

// GetCaseBySession loads the escalation case for a session.
func (s *SQLiteStore) GetCaseBySession(ctx context.Context, sessionID string) (contracts.EscalationCase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT case_id, session_id, subject, tally, rationales, priority, status, created_at, due_by, resolution
		FROM escalation_cases WHERE session_id = ?`, sessionID)
	return scanCase(row)
}

// ListCases returns cases in the given statuses, oldest due first.
func (s *SQLiteStore) ListCases(ctx context.Context, statuses ...contracts.CaseStatus) ([]contracts.EscalationCase, error) {
	query := `
		SELECT case_id, session_id, subject, tally, rationales, priority, status, created_at, due_by, resolution
		FROM escalation_cases`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY due_by ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EscalationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCaseOverdue flags an unresolved case past its due-by deadline.
// The case stays open; it is never auto-resolved.
func (s *SQLiteStore) MarkCaseOverdue(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escalation_cases SET status = ? WHERE session_id = ? AND status = ?`,
		contracts.CaseOverdue, sessionID, contracts.CaseOpen)
	if err != nil {
		return fmt.Errorf("store: mark case overdue %s: %w", sessionID, err)
	}
	return nil
}

// ResolveCase records the human tie-breaking decision on a case. Only
// open or overdue cases resolve; a second resolution attempt reports
// contracts.ErrSessionClosed.
func (s *SQLiteStore) ResolveCase(ctx context.Context, sessionID string, decision contracts.HumanDecision) error {
	resolution, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("store: marshal resolution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalation_cases SET status = ?, resolution = ?
		WHERE session_id = ? AND status IN (?, ?)`,
		contracts.CaseResolved, string(resolution), sessionID,
		contracts.CaseOpen, contracts.CaseOverdue)
	if err != nil {
		return fmt.Errorf("store: resolve case %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetCaseBySession(ctx, sessionID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("store: case %s already resolved: %w", sessionID, contracts.ErrSessionClosed)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (contracts.EscalationCase, error) {
	var c contracts.EscalationCase
	var subject, tally, rationales []byte
	var resolution sql.NullString
	var createdAt, dueBy time.Time

	err := row.Scan(&c.CaseID, &c.SessionID, &subject, &tally, &rationales,
		&c.Priority, &c.Status, &createdAt, &dueBy, &resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.EscalationCase{}, contracts.ErrCaseNotFound
	}
	if err != nil {
		return contracts.EscalationCase{}, fmt.Errorf("store: scan case: %w", err)
	}

	c.CreatedAt = createdAt
	c.DueBy = dueBy
	if err := json.Unmarshal(subject, &c.Subject); err != nil {
		return contracts.EscalationCase{}, fmt.Errorf("store: corrupt subject in case %s: %w", c.CaseID, err)
	}
	if err := json.Unmarshal(tally, &c.Tally); err != nil {
		return contracts.EscalationCase{}, fmt.Errorf("store: corrupt tally in case %s: %w", c.CaseID, err)
	}
	if len(rationales) > 0 && string(rationales) != "null" {
		if err := json.Unmarshal(rationales, &c.Rationales); err != nil {
			return contracts.EscalationCase{}, fmt.Errorf("store: corrupt rationales in case %s: %w", c.CaseID, err)
		}
	}
	if resolution.Valid && resolution.String != "" {
		var hd contracts.HumanDecision
		if err := json.Unmarshal([]byte(resolution.String), &hd); err != nil {
			return contracts.EscalationCase{}, fmt.Errorf("store: corrupt resolution in case %s: %w", c.CaseID, err)
		}
		c.Resolution = &hd
	}
	return c, nil
}
