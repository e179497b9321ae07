package backend

import (
	"context"

	"github.com/quorumworks/council/pkg/contracts"
)

// StaticBackend always answers with a fixed ballot. Used in tests and
// for dry-run rosters.
type StaticBackend struct {
	provider string
	ballot   Ballot
	delay    func(ctx context.Context) error
}

// NewStaticBackend returns a backend that answers immediately.
func NewStaticBackend(provider string, ballot Ballot) *StaticBackend {
	return &StaticBackend{provider: provider, ballot: ballot}
}

// NewFuncBackend wraps an arbitrary function as a Backend.
func NewFuncBackend(provider string, fn func(ctx context.Context, subject contracts.Subject) (Ballot, error)) Backend {
	return &funcBackend{provider: provider, fn: fn}
}

func (s *StaticBackend) Provider() string { return s.provider }

func (s *StaticBackend) CastVote(ctx context.Context, _ contracts.Subject) (Ballot, error) {
	if s.delay != nil {
		if err := s.delay(ctx); err != nil {
			return Ballot{}, err
		}
	}
	return s.ballot, nil
}

type funcBackend struct {
	provider string
	fn       func(ctx context.Context, subject contracts.Subject) (Ballot, error)
}

func (f *funcBackend) Provider() string { return f.provider }

func (f *funcBackend) CastVote(ctx context.Context, subject contracts.Subject) (Ballot, error) {
	return f.fn(ctx, subject)
}
