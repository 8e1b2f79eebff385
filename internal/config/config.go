package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName             = "StepGuard"
	defaultAppEnv              = "development"
	defaultPort                = "8080"
	defaultLogLevel            = "info"
	defaultShutdownDelay       = 10 * time.Second
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultVerificationTTL     = 10 * time.Minute
	defaultSessionTTL          = time.Hour
	defaultInactivityTimeout   = 30 * time.Minute
	defaultCollaboratorTimeout = 5 * time.Second
	defaultSweepInterval       = 5 * time.Minute
	defaultMaxFaceAttempts     = 5
	defaultMaxOTPAttempts      = 5
	defaultVerifyRateLimit     = 10
	defaultMaxConns            = 10
	defaultSecurityTopic       = "security-events"
	minSessionSecretLength     = 32
	idemTTLSecondsEnvVar       = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar           = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar      = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar     = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	SessionSecret       string
	VerificationTTL     time.Duration
	SessionTTL          time.Duration
	InactivityTimeout   time.Duration
	CollaboratorTimeout time.Duration
	SweepInterval       time.Duration
	MaxFaceAttempts     int
	MaxOTPAttempts      int
	MaxConns            int
	// VerifyRateLimit is the number of verification calls allowed per client
	// per minute.
	VerifyRateLimit int

	RecaptchaSecret   string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	FaceMatcherURL    string
	KafkaBrokers      []string
	KafkaTopic        string
}

// Load reads an optional .env file, then configuration values from the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv populates a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		SessionSecret:     os.Getenv("SESSION_SECRET"),
		RecaptchaSecret:   os.Getenv("RECAPTCHA_SECRET_KEY"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),
		FaceMatcherURL:    os.Getenv("FACE_MATCHER_URL"),
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        getEnv("KAFKA_SECURITY_TOPIC", defaultSecurityTopic),
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"VERIFICATION_TTL", defaultVerificationTTL, &cfg.VerificationTTL},
		{"SESSION_TTL", defaultSessionTTL, &cfg.SessionTTL},
		{"INACTIVITY_TIMEOUT", defaultInactivityTimeout, &cfg.InactivityTimeout},
		{"COLLABORATOR_TIMEOUT", defaultCollaboratorTimeout, &cfg.CollaboratorTimeout},
		{"SWEEP_INTERVAL", defaultSweepInterval, &cfg.SweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"MAX_FACE_ATTEMPTS", defaultMaxFaceAttempts, &cfg.MaxFaceAttempts},
		{"MAX_OTP_ATTEMPTS", defaultMaxOTPAttempts, &cfg.MaxOTPAttempts},
		{"VERIFY_RATE_LIMIT", defaultVerifyRateLimit, &cfg.VerifyRateLimit},
		{"MAX_CONNS", defaultMaxConns, &cfg.MaxConns},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.IsDevelopment() {
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if len(cfg.SessionSecret) < minSessionSecretLength {
		return Config{}, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretLength)
	}
	if cfg.RecaptchaSecret == "" {
		return Config{}, fmt.Errorf("RECAPTCHA_SECRET_KEY must be set")
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioPhoneNumber == "" {
		return Config{}, fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER must be set")
	}
	if cfg.FaceMatcherURL == "" {
		return Config{}, fmt.Errorf("FACE_MATCHER_URL must be set")
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory stores and stand-in collaborators
// are allowed.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
