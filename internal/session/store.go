package session

import (
	"context"
	"time"
)

// Store persists sessions. Sessions are never deleted, only revoked.
type Store interface {
	// Issue revokes every active session of s.UserID as superseded and inserts
	// s in one atomic step. It returns the number of sessions revoked.
	Issue(ctx context.Context, s ActiveSession) (int, error)
	Get(ctx context.Context, id string) (ActiveSession, error)
	// LatestActive returns the most recently accessed active session of userID.
	LatestActive(ctx context.Context, userID string) (ActiveSession, error)
	// Touch sets last_accessed to at if the session is still active.
	Touch(ctx context.Context, id string, at time.Time) error
	// Revoke flips an active session to revoked. Revoking a revoked session
	// returns ErrNotActive.
	Revoke(ctx context.Context, id string, reason RevokeReason, at time.Time) error
}
