package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/audit"
	"github.com/stepguard/stepguard/internal/clock"
	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/logging"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/session"
	"github.com/stepguard/stepguard/internal/verification"
)

type fakeCaptcha struct {
	ok  bool
	err error
}

func (f fakeCaptcha) Verify(context.Context, string, string) (bool, error) {
	return f.ok, f.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	fail bool
	sent []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("sms gateway down")
	}
	n.sent = append(n.sent, m)
	return nil
}

func (n *recordingNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatalf("no otp was sent")
	}
	body := n.sent[len(n.sent)-1].Body
	return body[len(body)-6:]
}

type fakeMatcher struct {
	match bool
	err   error
	calls int32
}

func (m *fakeMatcher) Match(context.Context, []byte, []byte) (bool, error) {
	atomic.AddInt32(&m.calls, 1)
	return m.match, m.err
}

// blockingPublisher holds session.issued events until release is closed.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingPublisher) Publish(ctx context.Context, event audit.Event) error {
	if event.Type != audit.SessionIssued {
		return nil
	}
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	svc      *Service
	ids      *identity.Service
	sessions *session.Manager
	notifier *recordingNotifier
	matcher  *fakeMatcher
	events   *audit.Recorder
	clock    *clock.Fixed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := logging.Discard()
	ids := identity.NewService(identity.NewMemoryRepository(), clk, bcrypt.MinCost)
	events := &audit.Recorder{}
	sessions := session.NewManager(session.NewInMemory(), session.NewCodec([]byte("0123456789abcdef0123456789abcdef"), clk),
		ids.Repository(), events, clk, session.Config{TTL: time.Hour, InactivityTimeout: 30 * time.Minute}, logger)
	h := &harness{
		ids:      ids,
		sessions: sessions,
		notifier: &recordingNotifier{},
		matcher:  &fakeMatcher{match: true},
		events:   events,
		clock:    clk,
	}
	h.svc = NewService(Config{
		VerificationTTL:     10 * time.Minute,
		CollaboratorTimeout: time.Second,
		MaxOTPAttempts:      3,
		MaxFaceAttempts:     2,
	}, Dependencies{
		Pending:  verification.NewInMemory(),
		Identity: ids,
		Sessions: sessions,
		Captcha:  fakeCaptcha{ok: true},
		Notifier: h.notifier,
		Matcher:  h.matcher,
		Events:   events,
		Clock:    clk,
		Logger:   logger,
	})
	return h
}

func trusted() device.Snapshot {
	return device.Snapshot{VisitorID: "visitor-1", Confidence: 95, Geolocation: &device.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}}
}

// signup drives a full signup so the user exists with a template and a
// trusted device, then logs out.
func (h *harness) signup(t *testing.T, phone, username string) identity.User {
	t.Helper()
	ctx := context.Background()
	start, err := h.svc.StartVerification(ctx, phone, "captcha", "203.0.113.7")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.SubmitCredentials(ctx, start.Token, identity.Credentials{Username: username, Password: "correct-horse"}, trusted()); err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if _, err := h.svc.SubmitOtp(ctx, start.Token, h.notifier.lastCode(t), trusted()); err != nil {
		t.Fatalf("otp: %v", err)
	}
	out, err := h.svc.SubmitFace(ctx, start.Token, []byte("face"))
	if err != nil {
		t.Fatalf("face: %v", err)
	}
	if err := h.sessions.Logout(ctx, out.Issued.Credential); err != nil {
		t.Fatalf("logout: %v", err)
	}
	return out.User
}

func (h *harness) loginToOtp(t *testing.T, phone, username string, snap device.Snapshot) string {
	t.Helper()
	ctx := context.Background()
	start, err := h.svc.StartVerification(ctx, phone, "captcha", "203.0.113.7")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Flow != verification.FlowLogin || start.NextStep != verification.StepCredentials {
		t.Fatalf("expected login flow at credentials, got %v/%v", start.Flow, start.NextStep)
	}
	if _, err := h.svc.SubmitCredentials(ctx, start.Token, identity.Credentials{Username: username, Password: "correct-horse"}, snap); err != nil {
		t.Fatalf("credentials: %v", err)
	}
	return start.Token
}

func TestSignupFlowEnrollsFaceAndIssues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.svc.StartVerification(ctx, "+15550000", "captcha", "203.0.113.7")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.Flow != verification.FlowSignup || start.NextStep != verification.StepSignupDetails {
		t.Fatalf("expected signup at signup_details, got %v/%v", start.Flow, start.NextStep)
	}

	out, err := h.svc.SubmitCredentials(ctx, start.Token, identity.Credentials{Username: "newbie", Password: "correct-horse"}, trusted())
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if out.Next != verification.StepOTP {
		t.Fatalf("expected otp step, got %v", out.Next)
	}

	out, err = h.svc.SubmitOtp(ctx, start.Token, h.notifier.lastCode(t), trusted())
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if out.Next != verification.StepFace || out.FacePrompt != FaceEnroll {
		t.Fatalf("expected face enrollment, got %+v", out)
	}

	out, err = h.svc.SubmitFace(ctx, start.Token, []byte("any probe"))
	if err != nil {
		t.Fatalf("face: %v", err)
	}
	if !out.Done() || out.Issued.Credential == "" {
		t.Fatalf("expected issued session, got %+v", out)
	}
	if h.matcher.calls != 0 {
		t.Fatalf("enrollment must not call the matcher")
	}

	user, _ := h.ids.Get(ctx, out.User.ID)
	if !user.HasFaceTemplate() || !slices.Contains(user.TrustedFingerprints, "visitor-1") {
		t.Fatalf("expected enrolled template and trusted device, got %+v", user)
	}

	if _, err := h.svc.SubmitFace(ctx, start.Token, []byte("again")); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected consumed verification, got %v", err)
	}
}

func TestLoginTrustedDeviceSkipsFace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	h.clock.Advance(time.Hour)
	token := h.loginToOtp(t, "+15550001", "alice", trusted())
	out, err := h.svc.SubmitOtp(ctx, token, h.notifier.lastCode(t), trusted())
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if !out.Done() || out.Risk == nil || out.Risk.Score != 0 {
		t.Fatalf("expected direct issuance with zero risk, got %+v", out)
	}
	if h.matcher.calls != 0 {
		t.Fatalf("face step should not run")
	}
}

func TestLoginNewDeviceStepsUpToFace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	h.clock.Advance(time.Hour)
	unknown := device.Snapshot{VisitorID: "visitor-2", Confidence: 95}
	token := h.loginToOtp(t, "+15550001", "alice", unknown)
	out, err := h.svc.SubmitOtp(ctx, token, h.notifier.lastCode(t), unknown)
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if out.Next != verification.StepFace || out.FacePrompt != FaceVerify || out.Risk.Score != 40 {
		t.Fatalf("expected face step-up at 40, got %+v", out)
	}

	h.matcher.match = false
	if _, err := h.svc.SubmitFace(ctx, token, []byte("someone else")); !errors.Is(err, apperr.ErrFaceMismatch) {
		t.Fatalf("expected face mismatch, got %v", err)
	}

	h.matcher.match = true
	out, err = h.svc.SubmitFace(ctx, token, []byte("face"))
	if err != nil {
		t.Fatalf("face retry: %v", err)
	}
	if !out.Done() {
		t.Fatalf("expected session after matching face")
	}
}

func TestFaceAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	unknown := device.Snapshot{VisitorID: "visitor-2", Confidence: 95}
	token := h.loginToOtp(t, "+15550001", "alice", unknown)
	if _, err := h.svc.SubmitOtp(ctx, token, h.notifier.lastCode(t), unknown); err != nil {
		t.Fatalf("otp: %v", err)
	}

	h.matcher.match = false
	for i := 0; i < 2; i++ {
		if _, err := h.svc.SubmitFace(ctx, token, []byte("x")); !errors.Is(err, apperr.ErrFaceMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i, err)
		}
	}
	if _, err := h.svc.SubmitFace(ctx, token, []byte("x")); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected verification to be discarded, got %v", err)
	}
}

func TestLoginHighRiskDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	h.clock.Advance(time.Minute)
	tokyo := device.Snapshot{VisitorID: "visitor-9", Confidence: 40, Geolocation: &device.GeoPoint{Latitude: 35.6762, Longitude: 139.6503}}
	// Credentials are submitted from Paris, the code from Tokyo a second later.
	token := h.loginToOtp(t, "+15550001", "alice", withCapture(trusted(), h.clock.T))
	h.clock.Advance(time.Second)
	if _, err := h.svc.SubmitOtp(ctx, token, h.notifier.lastCode(t), tokyo); !errors.Is(err, apperr.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if _, err := h.svc.SubmitOtp(ctx, token, "000000", tokyo); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected verification destroyed, got %v", err)
	}

	found := false
	for _, typ := range h.events.Types() {
		if typ == audit.VerificationDenied {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected denial event, got %v", h.events.Types())
	}
}

func withCapture(s device.Snapshot, at time.Time) device.Snapshot {
	s.CapturedAt = at
	return s
}

func TestWrongOtpThenCorrect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	token := h.loginToOtp(t, "+15550001", "alice", trusted())
	code := h.notifier.lastCode(t)
	wrong := "999999"
	if code == wrong {
		wrong = "111111"
	}
	if _, err := h.svc.SubmitOtp(ctx, token, wrong, trusted()); !errors.Is(err, apperr.ErrInvalidOtp) {
		t.Fatalf("expected invalid otp, got %v", err)
	}
	if _, err := h.svc.SubmitOtp(ctx, token, code, trusted()); err != nil {
		t.Fatalf("expected correct code to pass after a miss: %v", err)
	}
}

func TestOtpAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	token := h.loginToOtp(t, "+15550001", "alice", trusted())
	code := h.notifier.lastCode(t)
	wrong := "999999"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 3; i++ {
		if _, err := h.svc.SubmitOtp(ctx, token, wrong, trusted()); !errors.Is(err, apperr.ErrInvalidOtp) {
			t.Fatalf("attempt %d: expected invalid otp, got %v", i, err)
		}
	}
	if _, err := h.svc.SubmitOtp(ctx, token, code, trusted()); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected verification discarded after cap, got %v", err)
	}
}

func TestOtpReplayFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	token := h.loginToOtp(t, "+15550001", "alice", trusted())
	code := h.notifier.lastCode(t)
	if _, err := h.svc.SubmitOtp(ctx, token, code, trusted()); err != nil {
		t.Fatalf("otp: %v", err)
	}
	if _, err := h.svc.SubmitOtp(ctx, token, code, trusted()); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestConcurrentOtpAdvancesOnce(t *testing.T) {
	h := newHarness(t)
	h.signup(t, "+15550001", "alice")

	token := h.loginToOtp(t, "+15550001", "alice", trusted())
	code := h.notifier.lastCode(t)

	var wg sync.WaitGroup
	var successes, stale int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitOtp(context.Background(), token, code, trusted())
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, apperr.ErrInvalidOrExpiredToken):
				atomic.AddInt32(&stale, 1)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || stale != 9 {
		t.Fatalf("expected 1 success and 9 stale, got %d and %d", successes, stale)
	}
}

func TestOtpDispatchFailureKeepsStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.svc.StartVerification(ctx, "+15550000", "captcha", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.notifier.fail = true
	creds := identity.Credentials{Username: "newbie", Password: "correct-horse"}
	if _, err := h.svc.SubmitCredentials(ctx, start.Token, creds, trusted()); !errors.Is(err, apperr.ErrOtpDispatchFailed) {
		t.Fatalf("expected dispatch failure, got %v", err)
	}
	if free, _ := h.ids.UsernameAvailable(ctx, "newbie"); !free {
		t.Fatalf("account must not be created when dispatch fails")
	}

	h.notifier.fail = false
	out, err := h.svc.SubmitCredentials(ctx, start.Token, creds, trusted())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Next != verification.StepOTP {
		t.Fatalf("expected otp step after retry, got %v", out.Next)
	}
}

func TestSignupUsernameTaken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	start, err := h.svc.StartVerification(ctx, "+15550002", "captcha", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = h.svc.SubmitCredentials(ctx, start.Token, identity.Credentials{Username: "alice", Password: "correct-horse"}, trusted())
	if !errors.Is(err, apperr.ErrUsernameTaken) {
		t.Fatalf("expected username taken, got %v", err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	start, err := h.svc.StartVerification(ctx, "+15550001", "captcha", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, creds := range []identity.Credentials{
		{Username: "alice", Password: "wrong-password"},
		{Username: "nobody", Password: "correct-horse"},
	} {
		if _, err := h.svc.SubmitCredentials(ctx, start.Token, creds, trusted()); !errors.Is(err, apperr.ErrInvalidCredentials) {
			t.Fatalf("expected invalid credentials for %q, got %v", creds.Username, err)
		}
	}
}

func TestCaptchaOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.Captcha = fakeCaptcha{ok: false}
	if _, err := h.svc.StartVerification(ctx, "+15550000", "bad", ""); !errors.Is(err, apperr.ErrCaptchaRejected) {
		t.Fatalf("expected captcha rejected, got %v", err)
	}
	h.svc.Captcha = fakeCaptcha{err: errors.New("timeout")}
	if _, err := h.svc.StartVerification(ctx, "+15550000", "x", ""); !errors.Is(err, apperr.ErrCaptchaUnavailable) {
		t.Fatalf("expected captcha unavailable, got %v", err)
	}
}

func TestExpiredAndWrongStepTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start, err := h.svc.StartVerification(ctx, "+15550000", "captcha", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.SubmitOtp(ctx, start.Token, "123456", trusted()); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected step mismatch to be rejected, got %v", err)
	}

	h.clock.Advance(11 * time.Minute)
	_, err = h.svc.SubmitCredentials(ctx, start.Token, identity.Credentials{Username: "newbie", Password: "correct-horse"}, trusted())
	if !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if _, err := h.svc.SubmitFace(ctx, "not-a-token", []byte("x")); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected unknown token rejected, got %v", err)
	}
}

func TestGenerateOTPRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := generateOTP()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 || code[0] == '0' {
			t.Fatalf("unexpected code %q", code)
		}
	}
	if otpMatches("", "") {
		t.Fatalf("an empty expected code must never match")
	}
}

func TestLoginUnknownDeviceWithoutTemplateIssuesDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Signup stops after the credentials step: the account exists but no face
	// was enrolled and no device trusted.
	start, err := h.svc.StartVerification(ctx, "+15550003", "captcha", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.SubmitCredentials(ctx, start.Token, identity.Credentials{Username: "carol", Password: "correct-horse"}, trusted()); err != nil {
		t.Fatalf("credentials: %v", err)
	}

	h.clock.Advance(time.Hour)
	unknown := device.Snapshot{VisitorID: "visitor-7", Confidence: 95}
	token := h.loginToOtp(t, "+15550003", "carol", unknown)
	out, err := h.svc.SubmitOtp(ctx, token, h.notifier.lastCode(t), unknown)
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if !out.Done() || out.FacePrompt != "" {
		t.Fatalf("expected direct issuance without a face step, got %+v", out)
	}
	if out.Risk == nil || out.Risk.Score != 40 {
		t.Fatalf("expected step-up range score 40, got %+v", out.Risk)
	}
	if h.matcher.calls != 0 {
		t.Fatalf("matcher must not run without a template")
	}
	user, _ := h.ids.Get(ctx, out.User.ID)
	if user.HasFaceTemplate() || !slices.Contains(user.TrustedFingerprints, "visitor-7") {
		t.Fatalf("expected no template and visitor-7 trusted, got %+v", user)
	}
}

func TestSlowPublisherDoesNotHoldOtherFlows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	h.svc.Events = pub
	token := h.loginToOtp(t, "+15550001", "alice", trusted())
	code := h.notifier.lastCode(t)

	issued := make(chan error, 1)
	go func() {
		_, err := h.svc.SubmitOtp(ctx, token, code, trusted())
		issued <- err
	}()

	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("session.issued was never published")
	}

	// The verification is already consumed while the event is in flight.
	if _, err := h.svc.SubmitOtp(ctx, token, code, trusted()); !errors.Is(err, apperr.ErrInvalidOrExpiredToken) {
		t.Fatalf("expected consumed verification, got %v", err)
	}

	started := make(chan error, 1)
	go func() {
		_, err := h.svc.StartVerification(ctx, "+15550009", "captcha", "")
		started <- err
	}()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("another phone's verification waited on a pending publish")
	}

	close(pub.release)
	if err := <-issued; err != nil {
		t.Fatalf("otp: %v", err)
	}
}

func TestEventsFollowAppliedSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signup(t, "+15550001", "alice")

	unknown := device.Snapshot{VisitorID: "visitor-2", Confidence: 95}
	token := h.loginToOtp(t, "+15550001", "alice", unknown)
	if _, err := h.svc.SubmitOtp(ctx, token, h.notifier.lastCode(t), unknown); err != nil {
		t.Fatalf("otp: %v", err)
	}

	before := len(h.events.Types())
	h.matcher.err = errors.New("matcher offline")
	if _, err := h.svc.SubmitFace(ctx, token, []byte("x")); !errors.Is(err, apperr.ErrFaceMatcherUnavailable) {
		t.Fatalf("expected matcher unavailable, got %v", err)
	}
	if got := len(h.events.Types()); got != before {
		t.Fatalf("a discarded step must not publish events, got %v", h.events.Types()[before:])
	}

	h.matcher.err = nil
	h.matcher.match = false
	if _, err := h.svc.SubmitFace(ctx, token, []byte("x")); !errors.Is(err, apperr.ErrFaceMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	h.matcher.match = true
	if _, err := h.svc.SubmitFace(ctx, token, []byte("face")); err != nil {
		t.Fatalf("face: %v", err)
	}
	types := h.events.Types()[before:]
	if len(types) != 2 || types[0] != audit.FaceMismatch || types[1] != audit.SessionIssued {
		t.Fatalf("unexpected events %v", types)
	}
}
