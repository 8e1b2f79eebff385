package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a stable, client-facing failure kind. Internal causes are wrapped
// around it and never rendered.
type Error struct {
	Kind    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidRequest         = &Error{Kind: "invalid_request", Status: http.StatusBadRequest, Message: "invalid request"}
	ErrCaptchaRejected        = &Error{Kind: "captcha_rejected", Status: http.StatusBadRequest, Message: "captcha verification failed"}
	ErrCaptchaUnavailable     = &Error{Kind: "captcha_unavailable", Status: http.StatusServiceUnavailable, Message: "captcha verification unavailable"}
	ErrInvalidOrExpiredToken  = &Error{Kind: "invalid_or_expired_token", Status: http.StatusBadRequest, Message: "invalid or expired verification token"}
	ErrInvalidCredentials     = &Error{Kind: "invalid_credentials", Status: http.StatusUnauthorized, Message: "invalid credentials"}
	ErrUsernameTaken          = &Error{Kind: "username_taken", Status: http.StatusConflict, Message: "username already exists"}
	ErrOtpDispatchFailed      = &Error{Kind: "otp_dispatch_failed", Status: http.StatusBadGateway, Message: "failed to send verification code"}
	ErrInvalidOtp             = &Error{Kind: "invalid_otp", Status: http.StatusBadRequest, Message: "invalid verification code"}
	ErrAccessDenied           = &Error{Kind: "access_denied", Status: http.StatusForbidden, Message: "access denied, please contact support"}
	ErrFaceMismatch           = &Error{Kind: "face_mismatch", Status: http.StatusUnauthorized, Message: "face verification failed"}
	ErrFaceMatcherUnavailable = &Error{Kind: "face_matcher_unavailable", Status: http.StatusServiceUnavailable, Message: "face verification unavailable"}
	ErrInvalidToken           = &Error{Kind: "invalid_token", Status: http.StatusUnauthorized, Message: "invalid token"}
	ErrTokenExpired           = &Error{Kind: "token_expired", Status: http.StatusUnauthorized, Message: "token expired"}
	ErrSessionInvalid         = &Error{Kind: "session_invalid", Status: http.StatusUnauthorized, Message: "invalid or expired session"}
	ErrSessionExpired         = &Error{Kind: "session_expired", Status: http.StatusUnauthorized, Message: "session expired due to inactivity"}
	ErrSessionRevoked         = &Error{Kind: "session_revoked", Status: http.StatusUnauthorized, Message: "session revoked due to suspicious activity"}
	ErrTransport              = &Error{Kind: "transport_error", Status: http.StatusBadGateway, Message: "upstream service failure"}
	ErrStore                  = &Error{Kind: "store_error", Status: http.StatusInternalServerError, Message: "internal error"}
)

// Wrap attaches an internal cause to a kind. errors.Is(result, kind) holds.
func Wrap(kind *Error, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// From extracts the client-facing kind from err. Errors without a kind are
// reported as store failures so internal details never leak.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrStore
}
