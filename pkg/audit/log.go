// Package audit implements the append-only audit trail with hash
// chaining. Every lifecycle event of the engine — session transitions,
// vote acceptance and rejection, decisions, escalations, human
// verdicts — lands here; the chain underlies the public transparency
// guarantee and is verifiable offline.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumworks/council/pkg/canonicalize"
)

var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
	ErrEmptyLog    = errors.New("audit: log is empty")
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntrySessionCreated   EntryType = "session_created"
	EntryStateTransition  EntryType = "state_transition"
	EntryVoteRecorded     EntryType = "vote_recorded"
	EntryVoteRejected     EntryType = "vote_rejected"
	EntryDecisionRecorded EntryType = "decision_recorded"
	EntryEscalated        EntryType = "escalated"
	EntryHumanDecision    EntryType = "human_decision"
	EntryHandoffDelivered EntryType = "handoff_delivered"
)

// genesisHash anchors the chain before the first entry.
const genesisHash = "genesis"

// Entry is a single immutable audit record. EntryHash covers the
// payload hash and the previous entry's hash, chaining the log.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EntryType    EntryType       `json:"entry_type"`
	SessionID    string          `json:"session_id"`
	Actor        string          `json:"actor"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Handler is called for each appended entry.
type Handler func(entry Entry)

// Log is a sqlite-backed append-only audit log.
type Log struct {
	mu        sync.Mutex
	db        *sql.DB
	sequence  uint64
	chainHead string
	handlers  []Handler
	clock     func() time.Time
}

// NewLog opens the audit log on db, creating the table and recovering
// the chain head from existing entries.
func NewLog(db *sql.DB) (*Log, error) {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL UNIQUE,
		timestamp DATETIME NOT NULL,
		entry_type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		payload JSON NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);`
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	l := &Log{db: db, chainHead: genesisHash, clock: time.Now}

	row := db.QueryRowContext(context.Background(),
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("audit: recover chain head: %w", err)
	default:
		l.sequence = seq
		l.chainHead = head
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Subscribe registers a handler for future entries.
func (l *Log) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append adds one entry to the log and returns it.
func (l *Log) Append(ctx context.Context, entryType EntryType, sessionID, actor string, payload interface{}) (Entry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		EntryType:    entryType,
		SessionID:    sessionID,
		Actor:        actor,
		Payload:      payloadBytes,
		PayloadHash:  canonicalize.HashBytes(payloadBytes),
		PreviousHash: l.chainHead,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return Entry{}, err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (entry_id, sequence, timestamp, entry_type, session_id, actor, payload, payload_hash, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Sequence, entry.Timestamp, entry.EntryType, entry.SessionID,
		entry.Actor, string(entry.Payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}

	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash

	for _, h := range l.handlers {
		h(entry)
	}
	return entry, nil
}

// Entries returns the log for one session, or the whole log when
// sessionID is empty, in sequence order.
func (l *Log) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	query := `
		SELECT entry_id, sequence, timestamp, entry_type, session_id, actor, payload, payload_hash, previous_hash, entry_hash
		FROM audit_entries`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.EntryID, &e.Sequence, &e.Timestamp, &e.EntryType, &e.SessionID,
			&e.Actor, &payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify walks the full chain and reports the first break, if any.
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.Entries(ctx, "")
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return ErrEmptyLog
	}

	previous := genesisHash
	for _, e := range entries {
		if e.PreviousHash != previous {
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, e.Sequence, e.PreviousHash, previous)
		}
		if canonicalize.HashBytes(e.Payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		expected, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.EntryHash != expected {
			return fmt.Errorf("%w: entry %d entry hash mismatch", ErrChainBroken, e.Sequence)
		}
		previous = e.EntryHash
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		EntryType    EntryType `json:"entry_type"`
		SessionID    string    `json:"session_id"`
		Actor        string    `json:"actor"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.EntryType, e.SessionID, e.Actor, e.PayloadHash, e.PreviousHash}

	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: compute entry hash: %w", err)
	}
	return hash, nil
}
