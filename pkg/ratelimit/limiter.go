// Package ratelimit guards the public API against caller floods. The
// in-memory store serves single-instance deployments; the Redis store
// shares buckets across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds one actor's request rate.
type Policy struct {
	RPS   float64
	Burst int
}

// Store abstracts the bucket storage.
type Store interface {
	// Allow reports whether the actor may spend cost tokens now.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// MemoryStore keeps one x/time/rate limiter per actor, with idle
// buckets evicted in the background.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	idleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryStore creates the store and starts the eviction loop, which
// stops when ctx is cancelled.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]*bucket),
		idleTTL: 3 * time.Minute,
	}
	go s.evictIdle(ctx)
	return s
}

func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[actorID]
	if !ok {
		rps := rate.Limit(policy.RPS)
		if rps <= 0 {
			rps = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rps, policy.Burst)}
		s.buckets[actorID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.AllowN(time.Now(), cost), nil
}

func (s *MemoryStore) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTTL)
			s.mu.Lock()
			for id, b := range s.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(s.buckets, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ Store = (*MemoryStore)(nil)
