package verification

import (
	"fmt"
	"time"

	"github.com/stepguard/stepguard/internal/device"
)

// Step is the factor a pending verification is waiting for.
type Step int

const (
	StepCredentials Step = iota + 1
	StepSignupDetails
	StepOTP
	StepFace
)

func (s Step) String() string {
	switch s {
	case StepCredentials:
		return "credentials"
	case StepSignupDetails:
		return "signup_details"
	case StepOTP:
		return "otp"
	case StepFace:
		return "face"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// MarshalText renders the step name in JSON responses.
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStep converts a stored step name back into a Step.
func ParseStep(v string) (Step, error) {
	for _, s := range []Step{StepCredentials, StepSignupDetails, StepOTP, StepFace} {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown verification step %q", v)
}

// Flow distinguishes returning users from new registrations.
type Flow int

const (
	FlowLogin Flow = iota + 1
	FlowSignup
)

func (f Flow) String() string {
	switch f {
	case FlowLogin:
		return "login"
	case FlowSignup:
		return "signup"
	default:
		return fmt.Sprintf("flow(%d)", int(f))
	}
}

// MarshalText renders the flow name in JSON responses.
func (f Flow) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ParseFlow converts a stored flow name back into a Flow.
func ParseFlow(v string) (Flow, error) {
	switch v {
	case "login":
		return FlowLogin, nil
	case "signup":
		return FlowSignup, nil
	}
	return 0, fmt.Errorf("unknown verification flow %q", v)
}

// FirstStep is the step a new verification of the flow starts at.
func (f Flow) FirstStep() Step {
	if f == FlowSignup {
		return StepSignupDetails
	}
	return StepCredentials
}

// PendingVerification is one in-flight authentication attempt. The token is
// its primary key and never changes.
type PendingVerification struct {
	Token string
	Phone string
	Flow  Flow
	Step  Step
	// ExpectedOTP is set only while Step is StepOTP.
	ExpectedOTP string
	Username    string
	// UserID is bound once the account is known: at start for logins, after
	// account creation for signups.
	UserID        string
	AtCredentials *device.Snapshot
	AtOTP         *device.Snapshot
	OTPAttempts   int
	FaceAttempts  int
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the verification can no longer be advanced at now.
func (p PendingVerification) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
