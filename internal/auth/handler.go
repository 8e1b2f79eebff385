package auth

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/risk"
)

// Handler exposes the verification steps over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type startRequest struct {
	PhoneNumber  string `json:"phone_number"`
	CaptchaToken string `json:"captcha_token"`
}

type startResponse struct {
	Flow      string    `json:"flow"`
	NextStep  string    `json:"next_step"`
	Token     string    `json:"verification_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentialsRequest struct {
	Token    string         `json:"verification_token"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	Device   device.Payload `json:"device"`
}

type otpRequest struct {
	Token  string         `json:"verification_token"`
	Code   string         `json:"code"`
	Device device.Payload `json:"device"`
}

type faceRequest struct {
	Token string `json:"verification_token"`
	// Image is the base64 encoded probe.
	Image string `json:"image"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Phone    string `json:"phone_number"`
}

type stepResponse struct {
	NextStep   string           `json:"next_step"`
	FacePrompt string           `json:"face_prompt,omitempty"`
	Token      string           `json:"token,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	User       *userResponse    `json:"user,omitempty"`
	Risk       *risk.Assessment `json:"risk,omitempty"`
}

// Start handles phone submission with a captcha proof.
func (h *Handler) Start(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidRequest, err)
	}
	res, err := h.svc.StartVerification(c.UserContext(), req.PhoneNumber, req.CaptchaToken, c.IP())
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(startResponse{
		Flow:      res.Flow.String(),
		NextStep:  res.NextStep.String(),
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
	})
}

// Credentials handles login credentials or signup details.
func (h *Handler) Credentials(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidRequest, err)
	}
	out, err := h.svc.SubmitCredentials(c.UserContext(), req.Token,
		identity.Credentials{Username: req.Username, Password: req.Password},
		req.Device.Snapshot(c.IP(), h.svc.Clock.Now()))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(renderOutcome(out))
}

// Otp handles one-time code submission.
func (h *Handler) Otp(c *fiber.Ctx) error {
	var req otpRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidRequest, err)
	}
	out, err := h.svc.SubmitOtp(c.UserContext(), req.Token, req.Code, req.Device.Snapshot(c.IP(), h.svc.Clock.Now()))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(renderOutcome(out))
}

// Face handles the face enrollment or verification probe.
func (h *Handler) Face(c *fiber.Ctx) error {
	var req faceRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.ErrInvalidRequest, err)
	}
	probe, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return apperr.Wrap(apperr.ErrInvalidRequest, err)
	}
	out, err := h.svc.SubmitFace(c.UserContext(), req.Token, probe)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(renderOutcome(out))
}

func renderOutcome(out Outcome) stepResponse {
	if !out.Done() {
		return stepResponse{NextStep: out.Next.String(), FacePrompt: string(out.FacePrompt)}
	}
	expires := out.Issued.Session.ExpiresAt
	return stepResponse{
		NextStep:  "done",
		Token:     out.Issued.Credential,
		ExpiresAt: &expires,
		User:      &userResponse{ID: out.User.ID, Username: out.User.Username, Phone: out.User.Phone},
		Risk:      out.Risk,
	}
}
