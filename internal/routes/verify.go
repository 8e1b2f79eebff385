package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/auth"
	"github.com/stepguard/stepguard/internal/session"
)

// RegisterVerifyRoutes wires the step-wise verification endpoints behind the
// given guards.
func RegisterVerifyRoutes(r fiber.Router, h *auth.Handler, guards ...fiber.Handler) {
	group := r.Group("/verify", guards...)
	group.Post("/start", h.Start)
	group.Post("/credentials", h.Credentials)
	group.Post("/otp", h.Otp)
	group.Post("/face", h.Face)
}

// RegisterSessionRoutes wires the protected resource and logout.
func RegisterSessionRoutes(r fiber.Router, h *session.Handler, sessionAuth fiber.Handler) {
	r.Post("/protected", sessionAuth, h.Protected)
	r.Post("/session/logout", h.Logout)
}
