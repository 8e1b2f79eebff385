// Package auth drives the step-wise verification flow: phone and captcha,
// then credentials or signup details, then a one-time code, then an optional
// face check, ending in an issued session.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/audit"
	"github.com/stepguard/stepguard/internal/captcha"
	"github.com/stepguard/stepguard/internal/clock"
	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/face"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/logging"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/risk"
	"github.com/stepguard/stepguard/internal/session"
	"github.com/stepguard/stepguard/internal/verification"
)

// Config tunes the verification flow.
type Config struct {
	VerificationTTL     time.Duration
	CollaboratorTimeout time.Duration
	MaxOTPAttempts      int
	MaxFaceAttempts     int
}

// Dependencies are the stores and collaborators the flow drives.
type Dependencies struct {
	Pending  verification.Store
	Identity *identity.Service
	Sessions *session.Manager
	Captcha  captcha.Verifier
	Notifier notification.Notifier
	Matcher  face.Matcher
	Events   audit.Publisher
	Clock    clock.Clock
	Logger   *slog.Logger
}

// FacePrompt tells the client whether the face step enrolls or verifies.
type FacePrompt string

const (
	FaceEnroll FacePrompt = "enroll"
	FaceVerify FacePrompt = "verify"
)

// StartResult is returned when a verification begins.
type StartResult struct {
	Flow      verification.Flow
	NextStep  verification.Step
	Token     string
	ExpiresAt time.Time
}

// Outcome is the result of a step. Exactly one of Next or Issued is set.
type Outcome struct {
	Next       verification.Step
	FacePrompt FacePrompt
	Issued     *session.Issued
	User       identity.User
	Risk       *risk.Assessment
}

// Done reports whether the flow ended with an issued session.
func (o Outcome) Done() bool {
	return o.Issued != nil
}

// Service is the verification state machine. It holds no per-flow state:
// everything lives in the pending verification store.
type Service struct {
	cfg Config
	Dependencies
}

// NewService wires the state machine.
func NewService(cfg Config, deps Dependencies) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Service{cfg: cfg, Dependencies: deps}
}

// StartVerification checks the captcha and opens a login or signup flow for
// phone depending on whether an account already uses it.
func (s *Service) StartVerification(ctx context.Context, phone, proof, remoteIP string) (StartResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return StartResult{}, apperr.ErrInvalidRequest
	}

	cctx, cancel := s.collaboratorContext(ctx)
	ok, err := s.Captcha.Verify(cctx, proof, remoteIP)
	cancel()
	if err != nil {
		s.Logger.Warn("captcha verification failed", slog.String("error", err.Error()))
		return StartResult{}, apperr.Wrap(apperr.ErrCaptchaUnavailable, err)
	}
	if !ok {
		return StartResult{}, apperr.ErrCaptchaRejected
	}

	now := s.Clock.Now()
	if removed, err := s.Pending.SweepExpired(ctx, now); err != nil {
		s.Logger.Warn("lazy sweep failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.Logger.Debug("lazy sweep", slog.Int("removed", removed))
	}

	user, exists, err := s.Identity.LookupPhone(ctx, phone)
	if err != nil {
		return StartResult{}, err
	}

	flow := verification.FlowSignup
	if exists {
		flow = verification.FlowLogin
	}
	pending := verification.PendingVerification{
		Token:     uuid.New().String(),
		Phone:     phone,
		Flow:      flow,
		Step:      flow.FirstStep(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.VerificationTTL),
	}
	if err := s.Pending.Create(ctx, pending); err != nil {
		return StartResult{}, apperr.Wrap(apperr.ErrStore, err)
	}

	s.Logger.Info("verification started", slog.String("flow", flow.String()), logging.Phone(phone))
	audit.Emit(ctx, s.Events, s.Logger, audit.Event{
		Type:   audit.VerificationStarted,
		UserID: user.ID,
		IP:     remoteIP,
		Flow:   flow.String(),
		At:     now,
	})

	return StartResult{Flow: flow, NextStep: pending.Step, Token: pending.Token, ExpiresAt: pending.ExpiresAt}, nil
}

// SubmitCredentials verifies the login password or creates the signup
// account, then sends a one-time code. The step only advances when the code
// was dispatched.
func (s *Service) SubmitCredentials(ctx context.Context, token string, creds identity.Credentials, snap device.Snapshot) (Outcome, error) {
	steps := []verification.Step{verification.StepCredentials, verification.StepSignupDetails}
	err := s.transition(ctx, token, steps, func(ctx context.Context, p *verification.PendingVerification, _ func(audit.Event)) (verification.Action, error) {
		creds.Phone = p.Phone

		var user identity.User
		switch p.Flow {
		case verification.FlowLogin:
			authed, err := s.Identity.Authenticate(ctx, creds)
			if err != nil {
				return verification.Discard, err
			}
			user = authed
		case verification.FlowSignup:
			if err := identity.ValidateSignup(creds); err != nil {
				return verification.Discard, err
			}
			free, err := s.Identity.UsernameAvailable(ctx, creds.Username)
			if err != nil {
				return verification.Discard, err
			}
			if !free {
				return verification.Discard, apperr.ErrUsernameTaken
			}
		default:
			return verification.Discard, apperr.ErrInvalidOrExpiredToken
		}

		code, err := generateOTP()
		if err != nil {
			return verification.Discard, apperr.Wrap(apperr.ErrStore, err)
		}

		cctx, cancel := s.collaboratorContext(ctx)
		err = s.Notifier.Send(cctx, notification.OTPMessage(p.Phone, code))
		cancel()
		if err != nil {
			s.Logger.Warn("otp dispatch failed", slog.String("error", err.Error()))
			return verification.Discard, apperr.Wrap(apperr.ErrOtpDispatchFailed, err)
		}

		if p.Flow == verification.FlowSignup {
			created, err := s.Identity.Register(ctx, creds)
			if err != nil {
				return verification.Discard, err
			}
			user = created
		}

		p.UserID = user.ID
		p.Username = user.Username
		p.ExpectedOTP = code
		p.OTPAttempts = 0
		p.AtCredentials = &snap
		p.Step = verification.StepOTP
		return verification.Save, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	s.Logger.Info("credentials accepted, otp sent")
	return Outcome{Next: verification.StepOTP}, nil
}

// SubmitOtp checks the one-time code and, for logins, scores the attempt to
// decide between denial, a face step-up and direct issuance.
func (s *Service) SubmitOtp(ctx context.Context, token, code string, snap device.Snapshot) (Outcome, error) {
	var out Outcome
	err := s.transition(ctx, token, []verification.Step{verification.StepOTP}, func(ctx context.Context, p *verification.PendingVerification, emit func(audit.Event)) (verification.Action, error) {
		if !otpMatches(p.ExpectedOTP, code) {
			p.OTPAttempts++
			if s.cfg.MaxOTPAttempts > 0 && p.OTPAttempts >= s.cfg.MaxOTPAttempts {
				s.Logger.Info("otp attempts exhausted", slog.String("user_id", p.UserID))
				return verification.Delete, apperr.ErrInvalidOtp
			}
			return verification.Save, apperr.ErrInvalidOtp
		}

		user, err := s.Identity.Get(ctx, p.UserID)
		if err != nil {
			return verification.Discard, err
		}
		p.AtOTP = &snap
		p.ExpectedOTP = ""

		if p.Flow == verification.FlowSignup {
			if !user.HasFaceTemplate() {
				p.Step = verification.StepFace
				out = Outcome{Next: verification.StepFace, FacePrompt: FaceEnroll, User: user}
				return verification.Save, nil
			}
			return s.issue(ctx, user, snap, &out, emit)
		}

		assessment, err := s.scoreLogin(ctx, user, p, snap)
		if err != nil {
			return verification.Discard, err
		}
		out.Risk = &assessment
		s.Logger.Info("login risk assessed",
			slog.String("user_id", user.ID),
			slog.Int("risk_score", assessment.Score),
		)

		switch {
		case assessment.Score >= risk.DenyAtOrAbove:
			emit(s.riskEvent(audit.VerificationDenied, user.ID, snap, assessment))
			return verification.Delete, apperr.ErrAccessDenied
		case assessment.Score >= risk.StepUpAtOrAbove && user.HasFaceTemplate():
			p.Step = verification.StepFace
			out.Next = verification.StepFace
			out.FacePrompt = FaceVerify
			out.User = user
			return verification.Save, nil
		default:
			return s.issue(ctx, user, snap, &out, emit)
		}
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// SubmitFace enrolls probe when the user has no template and otherwise
// matches it. A mismatch keeps the verification for a limited retry.
func (s *Service) SubmitFace(ctx context.Context, token string, probe []byte) (Outcome, error) {
	if len(probe) == 0 {
		return Outcome{}, apperr.ErrInvalidRequest
	}

	var out Outcome
	err := s.transition(ctx, token, []verification.Step{verification.StepFace}, func(ctx context.Context, p *verification.PendingVerification, emit func(audit.Event)) (verification.Action, error) {
		user, err := s.Identity.Get(ctx, p.UserID)
		if err != nil {
			return verification.Discard, err
		}

		if !user.HasFaceTemplate() {
			if err := s.Identity.EnrollFace(ctx, user.ID, probe); err != nil {
				return verification.Discard, err
			}
			user.FaceTemplate = probe
			s.Logger.Info("face enrolled", slog.String("user_id", user.ID))
		} else {
			cctx, cancel := s.collaboratorContext(ctx)
			matched, err := s.Matcher.Match(cctx, user.FaceTemplate, probe)
			cancel()
			if err != nil {
				s.Logger.Warn("face matcher failed", slog.String("error", err.Error()))
				return verification.Discard, apperr.Wrap(apperr.ErrFaceMatcherUnavailable, err)
			}
			if !matched {
				p.FaceAttempts++
				emit(audit.Event{
					Type:   audit.FaceMismatch,
					UserID: user.ID,
					At:     s.Clock.Now(),
				})
				if s.cfg.MaxFaceAttempts > 0 && p.FaceAttempts >= s.cfg.MaxFaceAttempts {
					s.Logger.Info("face attempts exhausted", slog.String("user_id", user.ID))
					return verification.Delete, apperr.ErrFaceMismatch
				}
				return verification.Save, apperr.ErrFaceMismatch
			}
		}

		var snap device.Snapshot
		if p.AtOTP != nil {
			snap = *p.AtOTP
		}
		return s.issue(ctx, user, snap, &out, emit)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// issue creates the session and consumes the pending verification.
func (s *Service) issue(ctx context.Context, user identity.User, snap device.Snapshot, out *Outcome, emit func(audit.Event)) (verification.Action, error) {
	issued, err := s.Sessions.Issue(ctx, user, snap)
	if err != nil {
		return verification.Discard, err
	}
	emit(issued.Event())
	out.Issued = &issued
	out.User = user
	out.Next = 0
	out.FacePrompt = ""
	return verification.Delete, nil
}

func (s *Service) scoreLogin(ctx context.Context, user identity.User, p *verification.PendingVerification, snap device.Snapshot) (risk.Assessment, error) {
	var priors []risk.Sighting
	latest, ok, err := s.Sessions.LatestActive(ctx, user.ID)
	if err != nil {
		return risk.Assessment{}, err
	}
	if ok && latest.Snapshot.Geolocation != nil {
		priors = append(priors, risk.Sighting{Point: *latest.Snapshot.Geolocation, At: latest.LastAccessed})
	}
	if p.AtCredentials != nil && p.AtCredentials.Geolocation != nil {
		priors = append(priors, risk.Sighting{Point: *p.AtCredentials.Geolocation, At: p.AtCredentials.CapturedAt})
	}

	return risk.ScoreLogin(risk.LoginInput{
		TrustedFingerprints: user.TrustedFingerprints,
		Current:             snap,
		Now:                 s.Clock.Now(),
		Priors:              priors,
	}), nil
}

func (s *Service) riskEvent(kind, userID string, snap device.Snapshot, a risk.Assessment) audit.Event {
	factors := make([]string, 0, len(a.Reasons))
	for _, r := range a.Reasons {
		factors = append(factors, string(r))
	}
	return audit.Event{
		Type:      kind,
		UserID:    userID,
		VisitorID: snap.VisitorID,
		IP:        snap.IP,
		Score:     audit.Score(a.Score),
		Factors:   factors,
		At:        s.Clock.Now(),
	}
}

// stepFunc is a transition callback. Events passed to emit are published
// only once the step's action has been applied, after the store has released
// the record.
type stepFunc func(ctx context.Context, p *verification.PendingVerification, emit func(audit.Event)) (verification.Action, error)

// transition runs fn against the pending verification and maps store
// failures onto client-facing kinds.
func (s *Service) transition(ctx context.Context, token string, steps []verification.Step, fn stepFunc) error {
	var (
		events []audit.Event
		action verification.Action
		fnErr  error
	)
	err := s.Pending.Transition(ctx, token, s.Clock.Now(), steps, func(ctx context.Context, p *verification.PendingVerification) (verification.Action, error) {
		events = events[:0]
		action, fnErr = fn(ctx, p, func(e audit.Event) { events = append(events, e) })
		return action, fnErr
	})

	applied := action != verification.Discard && (err == nil || (fnErr != nil && errors.Is(err, fnErr)))
	if applied {
		for _, e := range events {
			audit.Emit(ctx, s.Events, s.Logger, e)
		}
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, verification.ErrNotFound) {
		return apperr.ErrInvalidOrExpiredToken
	}
	var kind *apperr.Error
	if errors.As(err, &kind) {
		return err
	}
	return apperr.Wrap(apperr.ErrStore, err)
}

func (s *Service) collaboratorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CollaboratorTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
}
