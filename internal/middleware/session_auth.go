package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/clock"
	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/session"
)

// SessionAuth authorizes the bearer session credential against the device
// evidence in the request body and stores the result for the handler.
func SessionAuth(mgr *session.Manager, clk clock.Clock) fiber.Handler {
	return func(c *fiber.Ctx) error {
		credential, ok := session.BearerCredential(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return apperr.ErrInvalidToken
		}

		var req struct {
			Device device.Payload `json:"device"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return apperr.Wrap(apperr.ErrInvalidRequest, err)
			}
		}

		result, err := mgr.Authorize(c.UserContext(), credential, req.Device.Snapshot(c.IP(), clk.Now()))
		if err != nil {
			return err
		}

		session.StoreAuthorization(c, result)
		return c.Next()
	}
}
