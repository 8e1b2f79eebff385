package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepguard/stepguard/internal/infra"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrUsernameExists is returned when the username is already registered.
	ErrUsernameExists = errors.New("username exists")
	// ErrPhoneExists is returned when the phone number is already registered.
	ErrPhoneExists = errors.New("phone exists")
)

const (
	usernameConstraint = "users_username_key"
	phoneConstraint    = "users_phone_number_key"
)

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByPhone(ctx context.Context, phone string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	SetFaceTemplate(ctx context.Context, id string, template []byte) error
	// AddTrustedFingerprint is idempotent: adding a known fingerprint is a no-op.
	AddTrustedFingerprint(ctx context.Context, id, visitorID string) error
}

// PostgresRepository implements Repository using PostgreSQL. Calls made with
// a context from infra.WithTx run in that transaction.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, username, phone_number, password_hash, face_template, trusted_fingerprints, created_at, updated_at`

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	trusted := user.TrustedFingerprints
	if trusted == nil {
		trusted = []string{}
	}
	_, err = infra.Conn(ctx, r.db).Exec(ctx, `INSERT INTO users (`+userColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		userID, user.Username, user.Phone, user.PasswordHash, user.FaceTemplate, trusted,
		user.CreatedAt.UTC(), user.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == phoneConstraint {
			return ErrPhoneExists
		}
		return ErrUsernameExists
	}
	return err
}

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

// FindByPhone fetches a user by phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone)
}

// FindByUsername fetches a user by username.
func (r *PostgresRepository) FindByUsername(ctx context.Context, username string) (User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, arg any) (User, error) {
	var (
		id        uuid.UUID
		createdAt time.Time
		updatedAt time.Time
		user      User
	)
	err := infra.Conn(ctx, r.db).QueryRow(ctx, query, arg).Scan(&id, &user.Username, &user.Phone, &user.PasswordHash,
		&user.FaceTemplate, &user.TrustedFingerprints, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	user.UpdatedAt = updatedAt.UTC()
	return user, nil
}

// SetFaceTemplate stores the enrolled face template.
func (r *PostgresRepository) SetFaceTemplate(ctx context.Context, id string, template []byte) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := infra.Conn(ctx, r.db).Exec(ctx, `UPDATE users SET face_template = $1, updated_at = now() WHERE id = $2`, template, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTrustedFingerprint appends visitorID unless it is already present.
func (r *PostgresRepository) AddTrustedFingerprint(ctx context.Context, id, visitorID string) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	// Savepoint: a failure here must not abort an enclosing session issuance.
	return infra.InTx(ctx, r.db, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE users
            SET trusted_fingerprints = array_append(trusted_fingerprints, $2), updated_at = now()
            WHERE id = $1 AND NOT ($2 = ANY(trusted_fingerprints))`, userID, visitorID)
		return err
	})
}
