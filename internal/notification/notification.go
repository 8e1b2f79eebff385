package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/infra"
	"github.com/stepguard/stepguard/internal/logging"
)

const (
	// KindOTP indicates a one-time verification code.
	KindOTP = "otp"
)

// DefaultTwilioBaseURL is the Twilio REST API root.
const DefaultTwilioBaseURL = "https://api.twilio.com"

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// OTPMessage builds the SMS carrying a verification code.
func OTPMessage(phone, code string) Message {
	return Message{
		Kind:        KindOTP,
		Destination: phone,
		Body:        fmt.Sprintf("Your verification code is: %s", code),
	}
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// TwilioNotifier sends SMS through the Twilio Messages API.
type TwilioNotifier struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	timeout    time.Duration
}

// NewTwilioNotifier builds an SMS notifier. An empty baseURL selects
// DefaultTwilioBaseURL.
func NewTwilioNotifier(baseURL, accountSID, authToken, from string, timeout time.Duration) *TwilioNotifier {
	if baseURL == "" {
		baseURL = DefaultTwilioBaseURL
	}
	return &TwilioNotifier{baseURL: baseURL, accountSID: accountSID, authToken: authToken, from: from, timeout: timeout}
}

// Send posts the message as an SMS.
func (n *TwilioNotifier) Send(ctx context.Context, message Message) error {
	resp, err := infra.PostUpstream(ctx, infra.UpstreamRequest{
		URL:       fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", n.baseURL, n.accountSID),
		Form:      map[string]string{"To": message.Destination, "From": n.from, "Body": message.Body},
		BasicUser: n.accountSID,
		BasicPass: n.authToken,
		Timeout:   n.timeout,
	})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusCreated && resp.Status != http.StatusOK {
		return fmt.Errorf("%w: twilio status %d", apperr.ErrTransport, resp.Status)
	}
	return nil
}

// LoggerNotifier writes notifications to the logger instead of delivering
// them. It is only wired in development, where the log is how a developer
// reads the code.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, logging.Phone(message.Destination), "body", message.Body)
	return nil
}
