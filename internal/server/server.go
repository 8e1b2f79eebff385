package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/config"
	"github.com/stepguard/stepguard/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, deps routes.Deps) (*Server, error) {
	app := NewApp(cfg.AppName, deps.Logger)

	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg}, nil
}

// NewApp builds a Fiber application that renders errors as
// {"error": kind, "message": text}.
func NewApp(name string, logger *slog.Logger) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:      name,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: ErrorHandler(logger),
	})
}

// ErrorHandler maps application error kinds and fiber errors onto responses.
// Internal causes are never rendered.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": kindForStatus(fe.Code), "message": fe.Message})
		}

		kind := apperr.From(err)
		if kind.Status >= fiber.StatusInternalServerError && logger != nil {
			logger.Error("unhandled failure", slog.String("path", c.Path()), slog.Any("error", err))
		}
		return c.Status(kind.Status).JSON(fiber.Map{"error": kind.Kind, "message": kind.Message})
	}
}

func kindForStatus(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	case fiber.StatusConflict, fiber.StatusUnprocessableEntity:
		return "idempotency_conflict"
	case fiber.StatusBadRequest:
		return apperr.ErrInvalidRequest.Kind
	}
	if status >= fiber.StatusInternalServerError {
		return apperr.ErrStore.Kind
	}
	return "request_error"
}

// App exposes the underlying Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
