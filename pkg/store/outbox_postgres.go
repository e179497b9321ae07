package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/quorumworks/council/pkg/contracts"
)

// OpenPostgres opens a postgres connection for shared-database
// deployments. The DSN is standard lib/pq form.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return db, nil
}

// PostgresOutbox implements Outbox on postgres, for deployments that
// share a database with the analyst workbench.
type PostgresOutbox struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresOutbox wraps an open postgres connection. The table is
// managed by the deployment's migrations:
//
//	CREATE TABLE escalation_outbox (
//	    session_id   TEXT PRIMARY KEY,
//	    case_json    JSONB NOT NULL,
//	    scheduled_at TIMESTAMPTZ NOT NULL,
//	    next_try     TIMESTAMPTZ NOT NULL,
//	    attempts     INTEGER NOT NULL DEFAULT 0,
//	    status       TEXT NOT NULL
//	);
func NewPostgresOutbox(db *sql.DB, opts ...OutboxOption) *PostgresOutbox {
	return &PostgresOutbox{db: db, clock: newOutboxSettings(opts...).clock}
}

// Schedule enqueues a hand-off. ON CONFLICT DO NOTHING keeps the
// session ID an idempotency key.
func (o *PostgresOutbox) Schedule(ctx context.Context, c contracts.EscalationCase) error {
	caseJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal case: %w", err)
	}
	now := o.clock().UTC()
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO escalation_outbox (session_id, case_json, scheduled_at, next_try, attempts, status)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (session_id) DO NOTHING`,
		c.SessionID, caseJSON, now, now, OutboxPending,
	)
	if err != nil {
		return fmt.Errorf("store: schedule hand-off %s: %w", c.SessionID, err)
	}
	return nil
}

// Due returns pending records whose next attempt time has passed.
func (o *PostgresOutbox) Due(ctx context.Context, now time.Time) ([]*OutboxRecord, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT session_id, case_json, scheduled_at, next_try, attempts, status
		FROM escalation_outbox
		WHERE status = $1 AND next_try <= $2
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
func (o *PostgresOutbox) MarkDelivered(ctx context.Context, sessionID string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE escalation_outbox SET status = $1 WHERE session_id = $2`,
		OutboxDelivered, sessionID)
	if err != nil {
		return fmt.Errorf("store: mark delivered %s: %w", sessionID, err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and schedules the next try.
func (o *PostgresOutbox) MarkFailed(ctx context.Context, sessionID string, nextTry time.Time) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE escalation_outbox SET attempts = attempts + 1, next_try = $1 WHERE session_id = $2`,
		nextTry.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("store: mark failed %s: %w", sessionID, err)
	}
	return nil
}
