package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/apperr"
)

// RequestLog emits one structured log line per request. Failures are logged
// by error kind so internal causes stay out of shared log sinks at info level.
func RequestLog(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		duration := time.Since(start)
		requestID, _ := c.Locals(requestIDHeader).(string)

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("duration", duration),
		}
		if requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if err != nil {
			var status int
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
				attrs = append(attrs, slog.Int("status", status), slog.String("error", fe.Message))
			} else {
				kind := apperr.From(err)
				status = kind.Status
				attrs = append(attrs, slog.Int("status", status), slog.String("error_kind", kind.Kind))
			}
			if status >= fiber.StatusInternalServerError {
				logger.Error("request failed", append(attrs, slog.Any("cause", err))...)
			} else {
				logger.Info("request rejected", attrs...)
			}
			return err
		}

		attrs = append(attrs, slog.Int("status", c.Response().StatusCode()))
		logger.Info("request completed", attrs...)
		return nil
	}
}
