package verification

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound covers a missing token, an expired record and a record waiting
// for a different step. Callers cannot tell these apart.
var ErrNotFound = errors.New("verification not found or expired")

// Action tells the store what to do with a record after a transition callback.
type Action int

const (
	// Discard leaves the stored record untouched.
	Discard Action = iota
	// Save persists the callback's changes.
	Save
	// Delete removes the record.
	Delete
)

// TransitionFunc mutates a locked record. Store calls made with ctx join the
// transition, so they commit or roll back with it. The returned error is
// handed back to the Transition caller after the action has been applied, so
// a callback can both record a failed attempt and report it.
type TransitionFunc func(ctx context.Context, p *PendingVerification) (Action, error)

// Store persists pending verifications.
type Store interface {
	Create(ctx context.Context, p PendingVerification) error
	// Transition loads the record for token, checks that it is unexpired at now
	// and waiting for one of steps, then runs fn while no other transition on
	// the same token can proceed.
	Transition(ctx context.Context, token string, now time.Time, steps []Step, fn TransitionFunc) error
	// SweepExpired deletes records expired at now and returns how many went.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

func stepAllowed(step Step, steps []Step) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

func cloneRecord(p PendingVerification) PendingVerification {
	if p.AtCredentials != nil {
		snap := *p.AtCredentials
		p.AtCredentials = &snap
	}
	if p.AtOTP != nil {
		snap := *p.AtOTP
		p.AtOTP = &snap
	}
	return p
}
