package verification

import (
	"context"
	"sync"
	"time"
)

type inMemoryStore struct {
	mu      sync.Mutex
	records map[string]PendingVerification
}

// NewInMemory creates a store for development and tests. Transitions are
// serialized across all tokens.
func NewInMemory() Store {
	return &inMemoryStore{records: make(map[string]PendingVerification)}
}

func (s *inMemoryStore) Create(_ context.Context, p PendingVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[p.Token] = cloneRecord(p)
	return nil
}

func (s *inMemoryStore) Transition(ctx context.Context, token string, now time.Time, steps []Step, fn TransitionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[token]
	if !ok {
		return ErrNotFound
	}
	if stored.Expired(now) {
		delete(s.records, token)
		return ErrNotFound
	}
	if !stepAllowed(stored.Step, steps) {
		return ErrNotFound
	}

	working := cloneRecord(stored)
	action, err := fn(ctx, &working)
	switch action {
	case Save:
		working.Token = token
		s.records[token] = cloneRecord(working)
	case Delete:
		delete(s.records, token)
	}
	return err
}

func (s *inMemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, p := range s.records {
		if p.Expired(now) {
			delete(s.records, token)
			removed++
		}
	}
	return removed, nil
}
