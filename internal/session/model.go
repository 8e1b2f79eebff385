package session

import (
	"errors"
	"time"

	"github.com/stepguard/stepguard/internal/device"
)

// Status of an active session. Sessions only ever move from active to revoked.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// RevokeReason records why a session stopped being active.
type RevokeReason string

const (
	ReasonSuperseded RevokeReason = "superseded"
	ReasonInactivity RevokeReason = "inactivity"
	ReasonRisk       RevokeReason = "risk"
	ReasonLogout     RevokeReason = "logout"
)

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrNotActive is returned by conditional updates on a revoked session.
	ErrNotActive = errors.New("session not active")
)

// ActiveSession is an authenticated session bound to the device snapshot it
// was issued with.
type ActiveSession struct {
	ID           string
	UserID       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
	Status       Status
	Snapshot     device.Snapshot
	RevokedAt    *time.Time
	RevokeReason RevokeReason
}

// Active reports whether the session has not been revoked.
func (s ActiveSession) Active() bool {
	return s.Status == StatusActive
}
