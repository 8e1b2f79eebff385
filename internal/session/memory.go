package session

import (
	"context"
	"sync"
	"time"
)

type inMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]ActiveSession
}

// NewInMemory creates a concurrency-safe session store for tests and
// development.
func NewInMemory() Store {
	return &inMemoryStore{sessions: make(map[string]ActiveSession)}
}

func (s *inMemoryStore) Issue(_ context.Context, sess ActiveSession) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for id, existing := range s.sessions {
		if existing.UserID == sess.UserID && existing.Active() {
			at := sess.IssuedAt
			existing.Status = StatusRevoked
			existing.RevokedAt = &at
			existing.RevokeReason = ReasonSuperseded
			s.sessions[id] = existing
			revoked++
		}
	}
	sess.Status = StatusActive
	s.sessions[sess.ID] = sess
	return revoked, nil
}

func (s *inMemoryStore) Get(_ context.Context, id string) (ActiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ActiveSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *inMemoryStore) LatestActive(_ context.Context, userID string) (ActiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest ActiveSession
		found  bool
	)
	for _, sess := range s.sessions {
		if sess.UserID != userID || !sess.Active() {
			continue
		}
		if !found || sess.LastAccessed.After(latest.LastAccessed) {
			latest = sess
			found = true
		}
	}
	if !found {
		return ActiveSession{}, ErrNotFound
	}
	return latest, nil
}

func (s *inMemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Active() {
		return ErrNotActive
	}
	sess.LastAccessed = at
	s.sessions[id] = sess
	return nil
}

func (s *inMemoryStore) Revoke(_ context.Context, id string, reason RevokeReason, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Active() {
		return ErrNotActive
	}
	sess.Status = StatusRevoked
	sess.RevokedAt = &at
	sess.RevokeReason = reason
	s.sessions[id] = sess
	return nil
}
