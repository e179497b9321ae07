// Package backend abstracts the external classifiers that produce
// agent ballots. The 33 agents run on distinct providers; everything
// behind the CastVote capability is provider-specific and opaque to the
// collector and evaluator. Never branch on provider identity outside
// this package.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumworks/council/pkg/contracts"
)

// Ballot is a provider's raw answer, before the collector turns it
// into a recorded Vote.
type Ballot struct {
	Choice     contracts.VoteChoice `json:"choice"`
	Confidence float64              `json:"confidence,omitempty"`
	Rationale  string               `json:"rationale,omitempty"`
}

// Validate enforces ballot invariants shared by all providers.
func (b Ballot) Validate() error {
	if !b.Choice.Valid() {
		return fmt.Errorf("backend: unknown choice %q", b.Choice)
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return fmt.Errorf("backend: confidence %v outside [0,1]", b.Confidence)
	}
	if b.Choice == contracts.ChoiceReject && b.Rationale == "" {
		return fmt.Errorf("backend: reject ballot requires a rationale")
	}
	return nil
}

// Backend is the single capability a voting provider must implement.
type Backend interface {
	// Provider returns the provider identifier this backend serves.
	Provider() string

	// CastVote asks the provider to judge a subject. It must honor ctx
	// cancellation; a late answer after cancellation is discarded by
	// the collector.
	CastVote(ctx context.Context, subject contracts.Subject) (Ballot, error)
}

// Directory resolves an agent's provider to its backend. Thread-safe.
type Directory struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewDirectory creates an empty backend directory.
func NewDirectory() *Directory {
	return &Directory{backends: make(map[string]Backend)}
}

// Add registers a backend under its provider identifier.
func (d *Directory) Add(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[b.Provider()] = b
}

// Resolve returns the backend for a provider.
func (d *Directory) Resolve(provider string) (Backend, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.backends[provider]
	if !ok {
		return nil, fmt.Errorf("backend: no backend for provider %q", provider)
	}
	return b, nil
}
