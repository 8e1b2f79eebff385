package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/infra"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed session store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_id, issued_at, expires_at, last_accessed, status, snapshot, revoked_at, revoke_reason`

// Issue implements Store. The owning user row is locked so concurrent
// issuances for one user are serialized; the partial unique index on active
// sessions backs this up. Inside an enclosing transaction the work runs in a
// savepoint and becomes visible when that transaction commits.
func (s *PostgresStore) Issue(ctx context.Context, sess ActiveSession) (int, error) {
	id, err := uuid.Parse(sess.ID)
	if err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}
	userID, err := uuid.Parse(sess.UserID)
	if err != nil {
		return 0, fmt.Errorf("session user id: %w", err)
	}
	snapshot, err := json.Marshal(sess.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	tx, err := infra.Conn(ctx, s.db).Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("session owner %s not found", sess.UserID)
		}
		return 0, err
	}

	cmd, err := tx.Exec(ctx, `UPDATE active_sessions
        SET status = $2, revoked_at = $3, revoke_reason = $4
        WHERE user_id = $1 AND status = $5`,
		userID, StatusRevoked, sess.IssuedAt.UTC(), ReasonSuperseded, StatusActive)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO active_sessions (id, user_id, issued_at, expires_at, last_accessed, status, snapshot)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, userID, sess.IssuedAt.UTC(), sess.ExpiresAt.UTC(), sess.LastAccessed.UTC(), StatusActive, snapshot); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (ActiveSession, error) {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return ActiveSession{}, ErrNotFound
	}
	return s.findOne(ctx, `SELECT `+sessionColumns+` FROM active_sessions WHERE id = $1`, sessionID)
}

// LatestActive implements Store.
func (s *PostgresStore) LatestActive(ctx context.Context, userID string) (ActiveSession, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return ActiveSession{}, ErrNotFound
	}
	return s.findOne(ctx, `SELECT `+sessionColumns+` FROM active_sessions
        WHERE user_id = $1 AND status = $2
        ORDER BY last_accessed DESC LIMIT 1`, uid, StatusActive)
}

// Touch implements Store.
func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := infra.Conn(ctx, s.db).Exec(ctx, `UPDATE active_sessions SET last_accessed = $2
        WHERE id = $1 AND status = $3`, sessionID, at.UTC(), StatusActive)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.missingOrInactive(ctx, sessionID)
	}
	return nil
}

// Revoke implements Store.
func (s *PostgresStore) Revoke(ctx context.Context, id string, reason RevokeReason, at time.Time) error {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := infra.Conn(ctx, s.db).Exec(ctx, `UPDATE active_sessions
        SET status = $2, revoked_at = $3, revoke_reason = $4
        WHERE id = $1 AND status = $5`,
		sessionID, StatusRevoked, at.UTC(), reason, StatusActive)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.missingOrInactive(ctx, sessionID)
	}
	return nil
}

func (s *PostgresStore) missingOrInactive(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := infra.Conn(ctx, s.db).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM active_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotActive
}

func (s *PostgresStore) findOne(ctx context.Context, query string, args ...any) (ActiveSession, error) {
	var (
		id, userID uuid.UUID
		status     string
		snapshot   []byte
		revokedAt  *time.Time
		reason     *string
		sess       ActiveSession
	)
	err := infra.Conn(ctx, s.db).QueryRow(ctx, query, args...).Scan(&id, &userID, &sess.IssuedAt, &sess.ExpiresAt,
		&sess.LastAccessed, &status, &snapshot, &revokedAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActiveSession{}, ErrNotFound
		}
		return ActiveSession{}, err
	}

	var snap device.Snapshot
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &snap); err != nil {
			return ActiveSession{}, fmt.Errorf("decode snapshot: %w", err)
		}
	}

	sess.ID = id.String()
	sess.UserID = userID.String()
	sess.Status = Status(status)
	sess.Snapshot = snap
	sess.IssuedAt = sess.IssuedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.LastAccessed = sess.LastAccessed.UTC()
	if revokedAt != nil {
		at := revokedAt.UTC()
		sess.RevokedAt = &at
	}
	if reason != nil {
		sess.RevokeReason = RevokeReason(*reason)
	}
	return sess, nil
}
