package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quorumworks/council/pkg/contracts"
)

// Outbox statuses.
const (
	OutboxPending   = "PENDING"
	OutboxDelivered = "DELIVERED"
)

// OutboxRecord is one scheduled workbench hand-off. The session ID is
// the idempotency key: scheduling the same session twice is a no-op,
// and the workbench side dedupes on it too.
type OutboxRecord struct {
	SessionID string
	Case      contracts.EscalationCase
	Scheduled time.Time
	NextTry   time.Time
	Attempts  int
	Status    string
}

// Outbox is the durable at-least-once delivery queue for escalation
// hand-offs.
type Outbox interface {
	Schedule(ctx context.Context, c contracts.EscalationCase) error
	Due(ctx context.Context, now time.Time) ([]*OutboxRecord, error)
	MarkDelivered(ctx context.Context, sessionID string) error
	MarkFailed(ctx context.Context, sessionID string, nextTry time.Time) error
}

// OutboxOption configures an outbox implementation.
type OutboxOption func(*outboxSettings)

type outboxSettings struct {
	clock func() time.Time
}

// WithOutboxClock overrides the scheduling clock for deterministic
// testing.
func WithOutboxClock(clock func() time.Time) OutboxOption {
	return func(s *outboxSettings) { s.clock = clock }
}

func newOutboxSettings(opts ...OutboxOption) outboxSettings {
	s := outboxSettings{clock: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// SQLiteOutbox implements Outbox on the engine's sqlite database.
type SQLiteOutbox struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteOutbox creates the outbox and runs its migration.
func NewSQLiteOutbox(db *sql.DB, opts ...OutboxOption) (*SQLiteOutbox, error) {
	query := `
	CREATE TABLE IF NOT EXISTS escalation_outbox (
		session_id TEXT PRIMARY KEY,
		case_json JSON NOT NULL,
		scheduled_at DATETIME NOT NULL,
		next_try DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	);`
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("store: migrate outbox: %w", err)
	}
	return &SQLiteOutbox{db: db, clock: newOutboxSettings(opts...).clock}, nil
}

// Schedule enqueues a hand-off. Idempotent on session ID.
func (o *SQLiteOutbox) Schedule(ctx context.Context, c contracts.EscalationCase) error {
	caseJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal case: %w", err)
	}
	now := o.clock().UTC()
	_, err = o.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO escalation_outbox (session_id, case_json, scheduled_at, next_try, attempts, status)
		VALUES (?, ?, ?, ?, 0, ?)`,
		c.SessionID, string(caseJSON), now, now, OutboxPending,
	)
	if err != nil {
		return fmt.Errorf("store: schedule hand-off %s: %w", c.SessionID, err)
	}
	return nil
}

// Due returns pending records whose next attempt time has passed.
func (o *SQLiteOutbox) Due(ctx context.Context, now time.Time) ([]*OutboxRecord, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT session_id, case_json, scheduled_at, next_try, attempts, status
		FROM escalation_outbox
		WHERE status = ? AND next_try <= ?
		ORDER BY scheduled_at ASC`, OutboxPending, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: due hand-offs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var caseJSON []byte
		if err := rows.Scan(&rec.SessionID, &caseJSON, &rec.Scheduled, &rec.NextTry, &rec.Attempts, &rec.Status); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(caseJSON, &rec.Case); err != nil {
			return nil, fmt.Errorf("store: corrupt case JSON in outbox record %s: %w", rec.SessionID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// MarkDelivered finishes a hand-off.
func (o *SQLiteOutbox) MarkDelivered(ctx context.Context, sessionID string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE escalation_outbox SET status = ? WHERE session_id = ?`,
		OutboxDelivered, sessionID)
	if err != nil {
		return fmt.Errorf("store: mark delivered %s: %w", sessionID, err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and schedules the next try. The
// record stays pending: delivery failure never silently closes an
// escalated session.
func (o *SQLiteOutbox) MarkFailed(ctx context.Context, sessionID string, nextTry time.Time) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE escalation_outbox SET attempts = attempts + 1, next_try = ? WHERE session_id = ?`,
		nextTry.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("store: mark failed %s: %w", sessionID, err)
	}
	return nil
}
