// Package audit publishes security events raised by the verification flow and
// the session lifecycle.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	VerificationStarted = "verification.started"
	VerificationDenied  = "verification.denied"
	FaceMismatch        = "face.mismatch"
	SessionIssued       = "session.issued"
	SessionRevoked      = "session.revoked"
)

// Event is a single security-relevant occurrence. It never carries secrets.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	VisitorID string    `json:"visitor_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Flow      string    `json:"flow,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Score     *int      `json:"risk_score,omitempty"`
	Factors   []string  `json:"risk_factors,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers security events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublishTimeout bounds a single Emit.
const PublishTimeout = 3 * time.Second

// Emit publishes event and logs instead of failing when delivery breaks.
// Security events never change the outcome of the request that raised them,
// and a slow publisher holds the request for at most PublishTimeout.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, event Event) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn("publish security event failed",
			slog.String("event", event.Type),
			slog.String("error", err.Error()),
		)
	}
}

// LoggerPublisher writes events to the structured log.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher builds a publisher backed by logger.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("event", event.Type),
		slog.Time("at", event.At),
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.Score != nil {
		attrs = append(attrs, slog.Int("risk_score", *event.Score))
	}
	p.logger.Info("security event", attrs...)
	return nil
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
	return nil
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}

// Score returns a pointer for Event.Score.
func Score(v int) *int {
	return &v
}
