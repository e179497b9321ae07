package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/store"
)

// Deliverer hands one case to the review workbench. Delivery is
// at-least-once; the workbench dedupes on session ID.
type Deliverer interface {
	Deliver(ctx context.Context, c contracts.EscalationCase) error
}

// HTTPDeliverer posts cases as JSON to the workbench intake endpoint.
type HTTPDeliverer struct {
	url    string
	client *http.Client
}

// NewHTTPDeliverer creates a deliverer for the given intake URL.
func NewHTTPDeliverer(url string, client *http.Client) *HTTPDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDeliverer{url: url, client: client}
}

// Deliver posts one case. Any non-2xx answer is a failure and will be
// retried by the dispatcher.
func (d *HTTPDeliverer) Deliver(ctx context.Context, c contracts.EscalationCase) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("escalation: encode case %s: %w", c.CaseID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("escalation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", c.SessionID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("escalation: deliver case %s: %w", c.CaseID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("escalation: workbench answered %d for case %s", resp.StatusCode, c.CaseID)
	}
	return nil
}

// Dispatcher drains the outbox, delivering due hand-offs and scheduling
// retries with exponential backoff.
type Dispatcher struct {
	outbox    store.Outbox
	deliverer Deliverer
	trail     *audit.Log
	logger    *slog.Logger
	clock     func() time.Time

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the clock for deterministic testing.
func WithDispatcherClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithBackoff sets the retry backoff bounds.
func WithBackoff(base, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.baseBackoff = base
		d.maxBackoff = max
	}
}

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher wires the outbox drainer. trail may be nil.
func NewDispatcher(outbox store.Outbox, deliverer Deliverer, trail *audit.Log, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox:      outbox,
		deliverer:   deliverer,
		trail:       trail,
		logger:      slog.Default(),
		clock:       time.Now,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains the outbox every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce delivers every due record once and returns how many were
// delivered successfully.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	now := d.clock().UTC()
	due, err := d.outbox.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, record := range due {
		if err := d.deliverer.Deliver(ctx, record.Case); err != nil {
			nextTry := now.Add(d.backoff(record.Attempts + 1))
			d.logger.Warn("hand-off delivery failed, will retry",
				"session_id", record.SessionID, "attempts", record.Attempts+1,
				"next_try", nextTry, "error", err)
			if err := d.outbox.MarkFailed(ctx, record.SessionID, nextTry); err != nil {
				return delivered, err
			}
			continue
		}
		if err := d.outbox.MarkDelivered(ctx, record.SessionID); err != nil {
			return delivered, err
		}
		delivered++
		if d.trail != nil {
			if _, err := d.trail.Append(ctx, audit.EntryHandoffDelivered, record.SessionID, "dispatcher",
				map[string]string{"case_id": record.Case.CaseID}); err != nil {
				d.logger.Error("audit append failed", "session_id", record.SessionID, "error", err)
			}
		}
		d.logger.Info("hand-off delivered",
			"session_id", record.SessionID, "case_id", record.Case.CaseID, "attempts", record.Attempts+1)
	}
	return delivered, nil
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.baseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	if backoff > d.maxBackoff {
		return d.maxBackoff
	}
	return backoff
}
