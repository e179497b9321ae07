// Package roster is the source of truth for the council's 33 voting
// agents: three role groups of eleven, each agent on a distinct backing
// provider so no provider or bench can decide an outcome alone.
package roster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quorumworks/council/pkg/contracts"
)

// DefaultGroupMinimum is the required active count per role group for a
// session to be eligible to start.
const DefaultGroupMinimum = 11

// Registry is a thread-safe in-memory agent roster. Registration and
// deactivation are administrative operations outside the session flow;
// recorded votes carry value copies of agent identity and are never
// touched by roster changes.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*contracts.Agent
	groupMinimum int
	clock        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithGroupMinimum overrides the per-group active minimum.
func WithGroupMinimum(n int) Option {
	return func(r *Registry) { r.groupMinimum = n }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates an empty roster.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		agents:       make(map[string]*contracts.Agent),
		groupMinimum: DefaultGroupMinimum,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent. ID, group and provider are immutable after
// registration; re-registering an existing ID is an error.
func (r *Registry) Register(agent contracts.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("roster: agent id must not be empty")
	}
	if !agent.Group.Valid() {
		return fmt.Errorf("roster: agent %q has unknown role group %q", agent.ID, agent.Group)
	}
	if agent.Provider == "" {
		return fmt.Errorf("roster: agent %q has no provider", agent.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("roster: agent %q already registered", agent.ID)
	}
	if agent.AddedAt.IsZero() {
		agent.AddedAt = r.clock()
	}
	stored := agent
	r.agents[agent.ID] = &stored
	return nil
}

// SetActive toggles an agent's active flag. Identity fields stay fixed.
func (r *Registry) SetActive(agentID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("roster: %w: %s", contracts.ErrAgentNotFound, agentID)
	}
	agent.Active = active
	agent.UpdatedAt = r.clock()
	return nil
}

// Get returns a value copy of one agent.
func (r *Registry) Get(agentID string) (contracts.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return contracts.Agent{}, fmt.Errorf("roster: %w: %s", contracts.ErrAgentNotFound, agentID)
	}
	return *agent, nil
}

// ListActive returns the active agents, optionally filtered to one role
// group. Order is deterministic (sorted by ID) so fan-out and tally
// snapshots are reproducible.
func (r *Registry) ListActive(groups ...contracts.RoleGroup) []contracts.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filter map[contracts.RoleGroup]bool
	if len(groups) > 0 {
		filter = make(map[contracts.RoleGroup]bool, len(groups))
		for _, g := range groups {
			filter[g] = true
		}
	}

	out := make([]contracts.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if !agent.Active {
			continue
		}
		if filter != nil && !filter[agent.Group] {
			continue
		}
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible reports whether every role group has at least the configured
// minimum of active agents. Sessions must not start otherwise.
func (r *Registry) Eligible() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[contracts.RoleGroup]int, 3)
	for _, agent := range r.agents {
		if agent.Active {
			counts[agent.Group]++
		}
	}
	for _, g := range contracts.RoleGroups() {
		if counts[g] < r.groupMinimum {
			return false
		}
	}
	return true
}

// Size returns the number of active agents, the quorum denominator a
// new session freezes at creation time.
func (r *Registry) Size() int {
	return len(r.ListActive())
}

// GroupMinimum returns the configured per-group active minimum.
func (r *Registry) GroupMinimum() int {
	return r.groupMinimum
}
