// Package session issues authenticated sessions and re-assesses them on every
// protected access.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/audit"
	"github.com/stepguard/stepguard/internal/clock"
	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/risk"
)

// Config tunes session lifetimes.
type Config struct {
	TTL               time.Duration
	InactivityTimeout time.Duration
}

// Issued is a freshly created session with its bearer credential.
type Issued struct {
	Session    ActiveSession
	Credential string
}

// Authorization is the outcome of a protected access. Risk is populated even
// when the session is revoked for risk so the score can be audited.
type Authorization struct {
	User    identity.User
	Session ActiveSession
	Risk    risk.Assessment
}

// Manager owns the active session lifecycle.
type Manager struct {
	store  Store
	codec  *Codec
	users  identity.Repository
	trust  *identity.TrustRegistry
	events audit.Publisher
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

// NewManager wires a session manager.
func NewManager(store Store, codec *Codec, users identity.Repository, events audit.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		codec:  codec,
		users:  users,
		trust:  identity.NewTrustRegistry(users),
		events: events,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Issue revokes the user's live sessions, creates a new one bound to snap and
// trusts snap's fingerprint.
func (m *Manager) Issue(ctx context.Context, user identity.User, snap device.Snapshot) (Issued, error) {
	now := m.clock.Now()
	sess := ActiveSession{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(m.cfg.TTL),
		LastAccessed: now,
		Status:       StatusActive,
		Snapshot:     snap,
	}

	credential, err := m.codec.Encode(Claims{UserID: user.ID, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
	if err != nil {
		return Issued{}, apperr.Wrap(apperr.ErrStore, err)
	}

	superseded, err := m.store.Issue(ctx, sess)
	if err != nil {
		return Issued{}, apperr.Wrap(apperr.ErrStore, err)
	}

	if err := m.trust.Trust(ctx, user.ID, snap.VisitorID); err != nil {
		// The session stands; the device is simply scored as new next time.
		m.logger.Warn("trust device failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}

	m.logger.Info("session issued",
		slog.String("user_id", user.ID),
		slog.String("session_id", sess.ID),
		slog.Int("superseded", superseded),
	)
	return Issued{Session: sess, Credential: credential}, nil
}

// Event describes the issuance for the security event stream. Issue does not
// publish it: callers publish once the surrounding verification step has
// committed.
func (i Issued) Event() audit.Event {
	return audit.Event{
		Type:      audit.SessionIssued,
		UserID:    i.Session.UserID,
		SessionID: i.Session.ID,
		VisitorID: i.Session.Snapshot.VisitorID,
		IP:        i.Session.Snapshot.IP,
		At:        i.Session.IssuedAt,
	}
}

// Authorize validates credential, re-scores the request against the session's
// issuance snapshot and bumps last access.
func (m *Manager) Authorize(ctx context.Context, credential string, snap device.Snapshot) (Authorization, error) {
	sess, err := m.load(ctx, credential)
	if err != nil {
		return Authorization{}, err
	}

	now := m.clock.Now()
	if !now.Before(sess.ExpiresAt) {
		return Authorization{}, apperr.ErrTokenExpired
	}

	if now.Sub(sess.LastAccessed) > m.cfg.InactivityTimeout {
		if err := m.revoke(ctx, sess, ReasonInactivity, now, nil); err != nil {
			return Authorization{}, err
		}
		return Authorization{}, apperr.ErrSessionExpired
	}

	assessment := risk.ScoreSession(risk.SessionInput{
		BoundVisitorID: sess.Snapshot.VisitorID,
		BoundLocation:  sess.Snapshot.Geolocation,
		LastAccessed:   sess.LastAccessed,
		Current:        snap,
		Now:            now,
	})

	if assessment.Score >= risk.RevokeAtOrAbove {
		if err := m.revoke(ctx, sess, ReasonRisk, now, &assessment); err != nil {
			return Authorization{}, err
		}
		return Authorization{Session: sess, Risk: assessment}, apperr.ErrSessionRevoked
	}

	if err := m.store.Touch(ctx, sess.ID, now); err != nil {
		if errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotFound) {
			return Authorization{}, apperr.ErrSessionInvalid
		}
		return Authorization{}, apperr.Wrap(apperr.ErrStore, err)
	}
	sess.LastAccessed = now

	user, err := m.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return Authorization{}, apperr.Wrap(apperr.ErrStore, err)
	}

	return Authorization{User: user, Session: sess, Risk: assessment}, nil
}

// Logout revokes the session behind credential.
func (m *Manager) Logout(ctx context.Context, credential string) error {
	sess, err := m.load(ctx, credential)
	if err != nil {
		return err
	}
	return m.revoke(ctx, sess, ReasonLogout, m.clock.Now(), nil)
}

// LatestActive returns the user's most recently used live session, if any.
func (m *Manager) LatestActive(ctx context.Context, userID string) (ActiveSession, bool, error) {
	sess, err := m.store.LatestActive(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ActiveSession{}, false, nil
	}
	if err != nil {
		return ActiveSession{}, false, apperr.Wrap(apperr.ErrStore, err)
	}
	return sess, true, nil
}

func (m *Manager) load(ctx context.Context, credential string) (ActiveSession, error) {
	claims, err := m.codec.Decode(credential)
	if err != nil {
		return ActiveSession{}, err
	}
	sess, err := m.store.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return ActiveSession{}, apperr.ErrSessionInvalid
	}
	if err != nil {
		return ActiveSession{}, apperr.Wrap(apperr.ErrStore, err)
	}
	if sess.UserID != claims.UserID || !sess.Active() {
		return ActiveSession{}, apperr.ErrSessionInvalid
	}
	return sess, nil
}

func (m *Manager) revoke(ctx context.Context, sess ActiveSession, reason RevokeReason, now time.Time, assessment *risk.Assessment) error {
	if err := m.store.Revoke(ctx, sess.ID, reason, now); err != nil {
		if errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotFound) {
			return apperr.ErrSessionInvalid
		}
		return apperr.Wrap(apperr.ErrStore, err)
	}

	event := audit.Event{
		Type:      audit.SessionRevoked,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Reason:    string(reason),
		At:        now,
	}
	attrs := []any{
		slog.String("user_id", sess.UserID),
		slog.String("session_id", sess.ID),
		slog.String("reason", string(reason)),
	}
	if assessment != nil {
		event.Score = audit.Score(assessment.Score)
		for _, r := range assessment.Reasons {
			event.Factors = append(event.Factors, string(r))
		}
		attrs = append(attrs, slog.Int("risk_score", assessment.Score))
	}
	m.logger.Info("session revoked", attrs...)
	audit.Emit(ctx, m.events, m.logger, event)
	return nil
}
