package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/clock"
)

// Claims is what a session credential carries.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

type credentialClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session credentials as HS256 JWTs.
type Codec struct {
	secret []byte
	clock  clock.Clock
}

// NewCodec builds a codec using secret as the HMAC key.
func NewCodec(secret []byte, clk clock.Clock) *Codec {
	return &Codec{secret: secret, clock: clk}
}

// Encode signs claims into a bearer credential.
func (c *Codec) Encode(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, credentialClaims{
		SessionID: claims.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(c.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session credential: %w", err)
	}
	return signed, nil
}

// Decode verifies credential. Expired credentials fail with
// apperr.ErrTokenExpired and every other defect with apperr.ErrInvalidToken.
func (c *Codec) Decode(credential string) (Claims, error) {
	var claims credentialClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, apperr.ErrTokenExpired
		}
		return Claims{}, apperr.Wrap(apperr.ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return Claims{}, apperr.ErrInvalidToken
	}
	return Claims{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
