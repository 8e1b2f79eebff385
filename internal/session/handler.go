package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/risk"
)

// BearerCredential extracts the credential from an Authorization header.
func BearerCredential(header string) (string, bool) {
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", false
	}
	credential := strings.TrimSpace(header[len("bearer "):])
	return credential, credential != ""
}

const authorizationLocal = "session_authorization"

// StoreAuthorization attaches a successful authorization to the request.
func StoreAuthorization(c *fiber.Ctx, result Authorization) {
	c.Locals(authorizationLocal, result)
}

// AuthorizationFrom returns the authorization attached to the request.
func AuthorizationFrom(c *fiber.Ctx) (Authorization, bool) {
	result, ok := c.Locals(authorizationLocal).(Authorization)
	return result, ok
}

// Handler exposes protected-resource and logout endpoints.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

type sessionView struct {
	ID           string        `json:"id"`
	ExpiresAt    time.Time     `json:"expires_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	RiskScore    int           `json:"risk_score"`
	Reasons      []risk.Reason `json:"reasons"`
}

type protectedResponse struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Phone    string `json:"phone_number"`
	} `json:"user"`
	Session sessionView `json:"session"`
}

// Protected renders the authorization stored by the session middleware.
func (h *Handler) Protected(c *fiber.Ctx) error {
	result, ok := AuthorizationFrom(c)
	if !ok {
		return apperr.ErrSessionInvalid
	}
	var resp protectedResponse
	resp.User.ID = result.User.ID
	resp.User.Username = result.User.Username
	resp.User.Phone = result.User.Phone
	resp.Session = sessionView{
		ID:           result.Session.ID,
		ExpiresAt:    result.Session.ExpiresAt,
		LastAccessed: result.Session.LastAccessed,
		RiskScore:    result.Risk.Score,
		Reasons:      result.Risk.Reasons,
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Logout revokes the caller's session.
func (h *Handler) Logout(c *fiber.Ctx) error {
	credential, ok := BearerCredential(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return apperr.ErrInvalidToken
	}
	if err := h.mgr.Logout(c.UserContext(), credential); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}
