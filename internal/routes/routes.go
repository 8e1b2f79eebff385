package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stepguard/stepguard/internal/audit"
	"github.com/stepguard/stepguard/internal/auth"
	"github.com/stepguard/stepguard/internal/captcha"
	"github.com/stepguard/stepguard/internal/clock"
	"github.com/stepguard/stepguard/internal/config"
	"github.com/stepguard/stepguard/internal/face"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/middleware"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/session"
	"github.com/stepguard/stepguard/internal/verification"
)

// Deps aggregates shared dependencies required to wire routes. Collaborators
// left nil are built from Cfg.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	Clock    clock.Clock
	Pending  verification.Store
	Captcha  captcha.Verifier
	Notifier notification.Notifier
	Matcher  face.Matcher
	Events   audit.Publisher
	// BcryptCost overrides bcrypt.DefaultCost when positive.
	BcryptCost int
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if err := d.fillCollaborators(); err != nil {
		return err
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLog(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	// Stores
	var identityRepo identity.Repository
	var sessionStore session.Store
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
		sessionStore = session.NewPostgresStore(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
		sessionStore = session.NewInMemory()
	}

	// Services and handlers
	identitySvc := identity.NewService(identityRepo, d.Clock, d.BcryptCost)
	codec := session.NewCodec(sessionSecret(d.Cfg), d.Clock)
	sessions := session.NewManager(sessionStore, codec, identityRepo, d.Events, d.Clock, session.Config{
		TTL:               d.Cfg.SessionTTL,
		InactivityTimeout: d.Cfg.InactivityTimeout,
	}, d.Logger)
	authSvc := auth.NewService(auth.Config{
		VerificationTTL:     d.Cfg.VerificationTTL,
		CollaboratorTimeout: d.Cfg.CollaboratorTimeout,
		MaxOTPAttempts:      d.Cfg.MaxOTPAttempts,
		MaxFaceAttempts:     d.Cfg.MaxFaceAttempts,
	}, auth.Dependencies{
		Pending:  d.Pending,
		Identity: identitySvc,
		Sessions: sessions,
		Captcha:  d.Captcha,
		Notifier: d.Notifier,
		Matcher:  d.Matcher,
		Events:   d.Events,
		Clock:    d.Clock,
		Logger:   d.Logger,
	})

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  d.Clock.Now().Format(time.RFC3339Nano),
		})
	})

	verify := []fiber.Handler{middleware.VerifyRateLimit(d.Cache, d.Cfg.VerifyRateLimit)}
	if d.Cache != nil {
		verify = append(verify, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterVerifyRoutes(api, auth.NewHandler(authSvc), verify...)
	RegisterSessionRoutes(api, session.NewHandler(sessions), middleware.SessionAuth(sessions, d.Clock))

	return nil
}

// PendingStore returns the verification store Setup will use, building it
// if needed. The sweeper in main shares it.
func (d *Deps) PendingStore() verification.Store {
	if d.Pending == nil {
		if d.DB != nil {
			d.Pending = verification.NewPostgresStore(d.DB)
		} else {
			d.Pending = verification.NewInMemory()
		}
	}
	return d.Pending
}

func (d *Deps) fillCollaborators() error {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	d.PendingStore()

	dev := d.Cfg.IsDevelopment()
	timeout := d.Cfg.CollaboratorTimeout

	if d.Captcha == nil {
		switch {
		case d.Cfg.RecaptchaSecret != "":
			d.Captcha = captcha.NewRecaptchaVerifier(d.Cfg.RecaptchaSecret, "", timeout)
		case dev:
			d.Captcha = captcha.StaticVerifier{}
		default:
			return fmt.Errorf("captcha verifier is not configured")
		}
	}
	if d.Notifier == nil {
		switch {
		case d.Cfg.TwilioAccountSID != "":
			d.Notifier = notification.NewTwilioNotifier("", d.Cfg.TwilioAccountSID, d.Cfg.TwilioAuthToken, d.Cfg.TwilioPhoneNumber, timeout)
		case dev:
			d.Notifier = notification.NewLoggerNotifier(d.Logger)
		default:
			return fmt.Errorf("otp transport is not configured")
		}
	}
	if d.Matcher == nil {
		switch {
		case d.Cfg.FaceMatcherURL != "":
			d.Matcher = face.NewHTTPMatcher(d.Cfg.FaceMatcherURL, timeout)
		case dev:
			d.Matcher = face.DigestMatcher{}
		default:
			return fmt.Errorf("face matcher is not configured")
		}
	}
	if d.Events == nil {
		d.Events = audit.NewLoggerPublisher(d.Logger)
	}
	return nil
}

// sessionSecret falls back to a per-process random key in development so
// credentials simply stop verifying after a restart.
func sessionSecret(cfg config.Config) []byte {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret)
	}
	return devSecret
}

var devSecret = []byte(uuid.NewString() + uuid.NewString())
