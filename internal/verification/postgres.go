package verification

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

// PostgresStore persists pending verifications in PostgreSQL. Transitions run
// inside a transaction holding the row lock; the callback's store calls run
// in that same transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed verification store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const pendingColumns = `token, phone_number, flow, step, expected_otp, username, user_id,
        at_credentials, at_otp, otp_attempts, face_attempts, created_at, expires_at`

// Create inserts a new pending verification.
func (s *PostgresStore) Create(ctx context.Context, p PendingVerification) error {
	token, err := uuid.Parse(p.Token)
	if err != nil {
		return fmt.Errorf("verification token: %w", err)
	}
	atCredentials, err := marshalSnapshot(p.AtCredentials)
	if err != nil {
		return err
	}
	atOTP, err := marshalSnapshot(p.AtOTP)
	if err != nil {
		return err
	}
	_, err = infra.Conn(ctx, s.db).Exec(ctx, `INSERT INTO pending_verifications (`+pendingColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		token, p.Phone, p.Flow.String(), p.Step.String(), nullable(p.ExpectedOTP), nullable(p.Username),
		nullableUUID(p.UserID), atCredentials, atOTP, p.OTPAttempts, p.FaceAttempts,
		p.CreatedAt.UTC(), p.ExpiresAt.UTC())
	return err
}

// Transition implements Store.
func (s *PostgresStore) Transition(ctx context.Context, token string, now time.Time, steps []Step, fn TransitionFunc) error {
	id, err := uuid.Parse(token)
	if err != nil {
		return ErrNotFound
	}

	tx, err := infra.Conn(ctx, s.db).Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_verifications
        WHERE token = $1 AND expires_at > $2 FOR UPDATE`, id, now.UTC())
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !stepAllowed(p.Step, steps) {
		return ErrNotFound
	}

	action, fnErr := fn(infra.WithTx(ctx, tx), &p)
	switch action {
	case Save:
		if err := updatePending(ctx, tx, id, p); err != nil {
			return err
		}
	case Delete:
		if _, err := tx.Exec(ctx, `DELETE FROM pending_verifications WHERE token = $1`, id); err != nil {
			return err
		}
	default:
		return fnErr
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return fnErr
}

// SweepExpired implements Store.
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cmd, err := infra.Conn(ctx, s.db).Exec(ctx, `DELETE FROM pending_verifications WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func updatePending(ctx context.Context, tx pgx.Tx, id uuid.UUID, p PendingVerification) error {
	atCredentials, err := marshalSnapshot(p.AtCredentials)
	if err != nil {
		return err
	}
	atOTP, err := marshalSnapshot(p.AtOTP)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE pending_verifications
        SET step = $2, expected_otp = $3, username = $4, user_id = $5, at_credentials = $6,
            at_otp = $7, otp_attempts = $8, face_attempts = $9
        WHERE token = $1`,
		id, p.Step.String(), nullable(p.ExpectedOTP), nullable(p.Username), nullableUUID(p.UserID),
		atCredentials, atOTP, p.OTPAttempts, p.FaceAttempts)
	return err
}

func scanPending(row pgx.Row) (PendingVerification, error) {
	var (
		token                uuid.UUID
		flow, step           string
		expectedOTP          *string
		username             *string
		userID               *uuid.UUID
		atCredentials, atOTP []byte
		p                    PendingVerification
	)
	if err := row.Scan(&token, &p.Phone, &flow, &step, &expectedOTP, &username, &userID,
		&atCredentials, &atOTP, &p.OTPAttempts, &p.FaceAttempts, &p.CreatedAt, &p.ExpiresAt); err != nil {
		return PendingVerification{}, err
	}

	var err error
	if p.Flow, err = ParseFlow(flow); err != nil {
		return PendingVerification{}, err
	}
	if p.Step, err = ParseStep(step); err != nil {
		return PendingVerification{}, err
	}
	if p.AtCredentials, err = unmarshalSnapshot(atCredentials); err != nil {
		return PendingVerification{}, err
	}
	if p.AtOTP, err = unmarshalSnapshot(atOTP); err != nil {
		return PendingVerification{}, err
	}

	p.Token = token.String()
	if expectedOTP != nil {
		p.ExpectedOTP = *expectedOTP
	}
	if username != nil {
		p.Username = *username
	}
	if userID != nil {
		p.UserID = userID.String()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return p, nil
}

func marshalSnapshot(s *device.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

func unmarshalSnapshot(raw []byte) (*device.Snapshot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s device.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableUUID(v string) *uuid.UUID {
	id, err := uuid.Parse(v)
	if err != nil {
		return nil
	}
	return &id
}
