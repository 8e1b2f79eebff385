package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/clock"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 64
)

// Service manages accounts and verifies credentials.
type Service struct {
	repo  Repository
	clock clock.Clock
	cost  int
	// dummyHash is compared against when the username is unknown so both
	// failure paths spend the same bcrypt work.
	dummyHash []byte
}

// NewService creates a new identity service. A non-positive cost selects
// bcrypt.DefaultCost.
func NewService(repo Repository, clk clock.Clock, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if clk == nil {
		clk = clock.Real{}
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cost)
	if err != nil {
		panic(fmt.Sprintf("identity: generate dummy hash: %v", err))
	}
	return &Service{repo: repo, clock: clk, cost: cost, dummyHash: dummy}
}

// Repository exposes the underlying store to collaborators that share it.
func (s *Service) Repository() Repository {
	return s.repo
}

// Register creates a new user with a hashed password.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, error) {
	if err := ValidateSignup(creds); err != nil {
		return User{}, err
	}
	username := strings.TrimSpace(creds.Username)

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.cost)
	if err != nil {
		return User{}, apperr.Wrap(apperr.ErrStore, err)
	}

	now := s.clock.Now()
	user := User{
		ID:                  uuid.New().String(),
		Username:            username,
		Phone:               creds.Phone,
		PasswordHash:        hash,
		TrustedFingerprints: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, ErrUsernameExists):
			return User{}, apperr.ErrUsernameTaken
		case errors.Is(err, ErrPhoneExists):
			// The phone was registered by a concurrent signup; the flow that
			// chose signup for it is stale.
			return User{}, apperr.ErrInvalidOrExpiredToken
		default:
			return User{}, apperr.Wrap(apperr.ErrStore, err)
		}
	}

	return user, nil
}

// ValidateSignup checks the shape of new-account credentials.
func ValidateSignup(creds Credentials) error {
	username := strings.TrimSpace(creds.Username)
	if username == "" || len(username) > maxUsernameLength {
		return fmt.Errorf("%w: username must be 1-%d characters", apperr.ErrInvalidRequest, maxUsernameLength)
	}
	if len(creds.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", apperr.ErrInvalidRequest, minPasswordLength)
	}
	return nil
}

// UsernameAvailable reports whether no account uses username.
func (s *Service) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	_, err := s.repo.FindByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStore, err)
	}
	return false, nil
}

// Authenticate verifies username and password for the account bound to the
// phone number. Unknown usernames, phone mismatches and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByUsername(ctx, strings.TrimSpace(creds.Username))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, apperr.Wrap(apperr.ErrStore, err)
	}

	hash := s.dummyHash
	if err == nil {
		hash = user.PasswordHash
	}
	// Always compare so an unknown username costs as much as a wrong password.
	cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(creds.Password))
	if err != nil || cmpErr != nil || user.Phone != creds.Phone {
		return User{}, apperr.ErrInvalidCredentials
	}

	return user, nil
}

// LookupPhone returns the user registered with phone, if any.
func (s *Service) LookupPhone(ctx context.Context, phone string) (User, bool, error) {
	user, err := s.repo.FindByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, apperr.Wrap(apperr.ErrStore, err)
	}
	return user, true, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, apperr.Wrap(apperr.ErrStore, err)
	}
	return user, nil
}

// EnrollFace stores probe as the user's face template.
func (s *Service) EnrollFace(ctx context.Context, id string, probe []byte) error {
	if err := s.repo.SetFaceTemplate(ctx, id, probe); err != nil {
		return apperr.Wrap(apperr.ErrStore, err)
	}
	return nil
}
