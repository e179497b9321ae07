// Package collector fans a voting request out to every council agent
// and folds the answers back in under a session deadline.
//
// The collector exclusively owns the act of recording a Vote. Timeouts
// and call failures resolve to implicit abstain for quorum arithmetic
// but are classified distinctly (timed_out / errored / never_dispatched
// / late_discarded) in the collection report; that distinction is an
// audit requirement.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumworks/council/pkg/backend"
	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/quorum"
)

// Recorder persists accepted votes. Implementations return
// contracts.ErrDuplicateVote for a second ballot from the same agent
// and contracts.ErrSessionClosed once the session is terminal.
type Recorder interface {
	RecordVote(ctx context.Context, vote contracts.Vote) error
}

// Collector dispatches one concurrent request per agent and joins the
// results. One collector serves any number of sessions; per-session
// contexts keep fault domains isolated.
type Collector struct {
	backends     *backend.Directory
	recorder     Recorder
	logger       *slog.Logger
	clock        func() time.Time
	shortCircuit bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) { c.clock = clock }
}

// WithShortCircuit stops waiting once neither bloc can still reach the
// threshold. Off by default; the final outcome is identical either way.
func WithShortCircuit(enabled bool) Option {
	return func(c *Collector) { c.shortCircuit = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// New creates a Collector.
func New(backends *backend.Directory, recorder Recorder, opts ...Option) *Collector {
	c := &Collector{
		backends: backends,
		recorder: recorder,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// answer is one agent call resolving, successfully or not.
type answer struct {
	agent   contracts.Agent
	ballot  backend.Ballot
	err     error
	elapsed time.Duration
}

// Collect runs one session's voting round: dispatches to all agents
// concurrently, applies votes in arrival order, and returns the final
// snapshot when every agent has resolved or the session deadline
// passes. It never blocks past the deadline.
func (c *Collector) Collect(ctx context.Context, session contracts.Session, agents []contracts.Agent, perAgentTimeout time.Duration) (contracts.CollectionReport, error) {
	if c.recorder == nil {
		return contracts.CollectionReport{}, fmt.Errorf("collector: no recorder configured")
	}
	if len(agents) == 0 {
		return contracts.CollectionReport{}, fmt.Errorf("collector: no agents to dispatch")
	}

	started := c.clock()
	ctx, cancel := context.WithDeadline(ctx, session.Deadline)
	defer cancel()

	report := contracts.CollectionReport{
		SessionID: session.ID,
		StartedAt: started.UTC(),
		// Full capacity up front: lines holds pointers into this slice,
		// so it must never reallocate.
		Agents: make([]contracts.AgentReport, 0, len(agents)),
	}
	lines := make(map[string]*contracts.AgentReport, len(agents))
	for _, agent := range agents {
		report.Agents = append(report.Agents, contracts.AgentReport{
			AgentID:  agent.ID,
			Group:    agent.Group,
			Provider: agent.Provider,
			Class:    contracts.ResponseNeverDispatched,
		})
		lines[agent.ID] = &report.Agents[len(report.Agents)-1]
	}

	// Buffered so agent goroutines never block on a stopped reader.
	answers := make(chan answer, len(agents))
	dispatched := make(map[string]bool, len(agents))
	for _, agent := range agents {
		if ctx.Err() != nil {
			// Deadline was already gone; agent keeps never_dispatched.
			continue
		}
		b, err := c.backends.Resolve(agent.Provider)
		if err != nil {
			lines[agent.ID].Class = contracts.ResponseErrored
			lines[agent.ID].Error = err.Error()
			continue
		}
		dispatched[agent.ID] = true
		go c.dispatch(ctx, b, agent, session.Subject, perAgentTimeout, answers)
	}

	var recorded contracts.Tally
	settled := 0

join:
	for settled < len(dispatched) {
		select {
		case a := <-answers:
			settled++
			c.apply(ctx, session, a, lines, &report, &recorded)
			if c.shortCircuit && quorum.Undecidable(recorded, session.RosterSize) {
				c.logger.Info("quorum unreachable, stopping early",
					"session_id", session.ID, "outstanding", len(dispatched)-settled)
				cancel()
				break join
			}
		case <-ctx.Done():
			// Apply answers that beat the deadline but were not yet
			// read, then stop. Anything after this point is late.
			recordCtx := context.WithoutCancel(ctx)
			for settled < len(dispatched) {
				select {
				case a := <-answers:
					settled++
					c.apply(recordCtx, session, a, lines, &report, &recorded)
				default:
					break join
				}
			}
			break join
		}
	}

	c.settleCancelled(session, answers, lines, dispatched, len(dispatched)-settled)

	report.EndedAt = c.clock().UTC()
	return report, nil
}

// dispatch performs one agent call under its own timeout.
func (c *Collector) dispatch(ctx context.Context, b backend.Backend, agent contracts.Agent, subject contracts.Subject, timeout time.Duration, answers chan<- answer) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := c.clock()
	ballot, err := b.CastVote(callCtx, subject)
	answers <- answer{
		agent:   agent,
		ballot:  ballot,
		err:     err,
		elapsed: c.clock().Sub(start),
	}
}

// apply records one arrived answer. Runs on the join goroutine only, so
// votes are applied strictly in arrival order.
func (c *Collector) apply(ctx context.Context, session contracts.Session, a answer, lines map[string]*contracts.AgentReport, report *contracts.CollectionReport, recorded *contracts.Tally) {
	line := lines[a.agent.ID]
	line.Elapsed = a.elapsed.Milliseconds()

	if a.err != nil {
		if errors.Is(a.err, context.DeadlineExceeded) {
			line.Class = contracts.ResponseTimedOut
		} else {
			line.Class = contracts.ResponseErrored
		}
		line.Error = a.err.Error()
		c.logger.Warn("agent call failed",
			"session_id", session.ID, "agent_id", a.agent.ID, "class", line.Class, "error", a.err)
		return
	}

	vote := contracts.Vote{
		SessionID:  session.ID,
		AgentID:    a.agent.ID,
		Group:      a.agent.Group,
		Provider:   a.agent.Provider,
		Choice:     a.ballot.Choice,
		Confidence: a.ballot.Confidence,
		Rationale:  a.ballot.Rationale,
		ReceivedAt: c.clock().UTC(),
	}

	switch err := c.recorder.RecordVote(ctx, vote); {
	case err == nil:
		line.Class = contracts.ResponseVoted
		report.Votes = append(report.Votes, vote)
		count(recorded, vote.Choice)
	case errors.Is(err, contracts.ErrDuplicateVote):
		// Retry on the caller's side: keep the first ballot, ack the
		// second as a no-op. The agent still counts as having voted.
		line.Class = contracts.ResponseVoted
		c.logger.Info("duplicate vote discarded",
			"session_id", session.ID, "agent_id", a.agent.ID)
	case errors.Is(err, contracts.ErrSessionClosed):
		line.Class = contracts.ResponseLateDiscarded
		c.logger.Warn("late vote rejected",
			"session_id", session.ID, "agent_id", a.agent.ID)
	default:
		line.Class = contracts.ResponseErrored
		line.Error = err.Error()
		c.logger.Error("vote record failed",
			"session_id", session.ID, "agent_id", a.agent.ID, "error", err)
	}
}

// count folds one recorded choice into the running tally that feeds
// the short-circuit check.
func count(t *contracts.Tally, choice contracts.VoteChoice) {
	switch choice {
	case contracts.ChoiceApprove:
		t.Approve++
	case contracts.ChoiceReject:
		t.Reject++
	case contracts.ChoiceEscalate:
		t.Escalate++
	case contracts.ChoiceAbstain:
		t.Abstain++
	}
}

// settleCancelled resolves agents still in flight when the join loop
// stopped. Answers already sitting in the channel raced the cutoff and
// are discarded as late; everything else is a timeout. No waiting
// happens here: outstanding goroutines finish into the buffered channel
// and are garbage.
func (c *Collector) settleCancelled(session contracts.Session, answers <-chan answer, lines map[string]*contracts.AgentReport, dispatched map[string]bool, outstanding int) {
	for i := 0; i < outstanding; i++ {
		select {
		case a := <-answers:
			line := lines[a.agent.ID]
			line.Elapsed = a.elapsed.Milliseconds()
			if a.err != nil {
				line.Class = contracts.ResponseTimedOut
				line.Error = a.err.Error()
				continue
			}
			line.Class = contracts.ResponseLateDiscarded
			c.logger.Warn("vote arrived after cutoff, discarded",
				"session_id", session.ID, "agent_id", a.agent.ID)
		default:
		}
	}

	for id, line := range lines {
		if dispatched[id] && line.Class == contracts.ResponseNeverDispatched {
			line.Class = contracts.ResponseTimedOut
			line.Error = "cancelled before response"
		}
	}
}
