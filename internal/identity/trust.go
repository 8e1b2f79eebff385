package identity

import (
	"context"

	"github.com/stepguard/stepguard/internal/apperr"
)

// TrustRegistry records the device fingerprints that completed a login for a
// user. Fingerprints are only ever added.
type TrustRegistry struct {
	repo Repository
}

// NewTrustRegistry wraps repo.
func NewTrustRegistry(repo Repository) *TrustRegistry {
	return &TrustRegistry{repo: repo}
}

// Trust adds visitorID to the user's trusted set. Empty ids and ids already
// present are ignored.
func (t *TrustRegistry) Trust(ctx context.Context, userID, visitorID string) error {
	if visitorID == "" {
		return nil
	}
	if err := t.repo.AddTrustedFingerprint(ctx, userID, visitorID); err != nil {
		return apperr.Wrap(apperr.ErrStore, err)
	}
	return nil
}
