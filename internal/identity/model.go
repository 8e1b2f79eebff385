package identity

import "time"

// User is a registered account.
type User struct {
	ID           string
	Username     string
	Phone        string
	PasswordHash []byte
	// FaceTemplate is the enrolled biometric probe; nil means not enrolled.
	FaceTemplate        []byte
	TrustedFingerprints []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasFaceTemplate reports whether the user has enrolled a face.
func (u User) HasFaceTemplate() bool {
	return len(u.FaceTemplate) > 0
}

// Credentials request structure.
type Credentials struct {
	Phone    string
	Username string
	Password string
}
