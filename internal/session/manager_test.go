package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/audit"
	"github.com/stepguard/stepguard/internal/clock"
	"github.com/stepguard/stepguard/internal/device"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/logging"
)

type fixture struct {
	mgr    *Manager
	store  Store
	users  identity.Repository
	clock  *clock.Fixed
	events *audit.Recorder
	user   identity.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	users := identity.NewMemoryRepository()
	user := identity.User{ID: uuid.NewString(), Username: "alice", Phone: "+15550000001", CreatedAt: clk.T, UpdatedAt: clk.T}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	store := NewInMemory()
	events := &audit.Recorder{}
	codec := NewCodec([]byte("0123456789abcdef0123456789abcdef"), clk)
	mgr := NewManager(store, codec, users, events, clk, Config{TTL: time.Hour, InactivityTimeout: 30 * time.Minute}, logging.Discard())
	return &fixture{mgr: mgr, store: store, users: users, clock: clk, events: events, user: user}
}

func paris() *device.GeoPoint {
	return &device.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}
}

func TestIssueRevokesPriorSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.Issue(ctx, f.user, device.Snapshot{VisitorID: "visitor-1", Confidence: 95})
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, err := f.mgr.Issue(ctx, f.user, device.Snapshot{VisitorID: "visitor-1", Confidence: 95})
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}

	old, _ := f.store.Get(ctx, first.Session.ID)
	if old.Active() || old.RevokeReason != ReasonSuperseded {
		t.Fatalf("expected first session superseded, got %+v", old)
	}
	current, _ := f.store.Get(ctx, second.Session.ID)
	if !current.Active() {
		t.Fatalf("expected second session active")
	}

	if _, err := f.mgr.Authorize(ctx, first.Credential, device.Snapshot{VisitorID: "visitor-1", Confidence: 95}); !errors.Is(err, apperr.ErrSessionInvalid) {
		t.Fatalf("expected old credential to be invalid, got %v", err)
	}

	stored, _ := f.users.FindByID(ctx, f.user.ID)
	if !slices.Contains(stored.TrustedFingerprints, "visitor-1") || len(stored.TrustedFingerprints) != 1 {
		t.Fatalf("expected visitor-1 trusted once, got %v", stored.TrustedFingerprints)
	}
}

func TestConcurrentIssueLeavesOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issued, err := f.mgr.Issue(ctx, f.user, device.Snapshot{VisitorID: "visitor-1", Confidence: 95})
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			ids[i] = issued.Session.ID
		}(i)
	}
	wg.Wait()

	active := 0
	for _, id := range ids {
		sess, err := f.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if sess.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
}

func TestAuthorizeBumpsLastAccessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := device.Snapshot{VisitorID: "visitor-1", Confidence: 95, Geolocation: paris()}

	issued, err := f.mgr.Issue(ctx, f.user, snap)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	result, err := f.mgr.Authorize(ctx, issued.Credential, snap)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if result.Risk.Score != 0 || result.User.ID != f.user.ID {
		t.Fatalf("unexpected authorization %+v", result)
	}

	stored, _ := f.store.Get(ctx, issued.Session.ID)
	if !stored.LastAccessed.Equal(f.clock.T) {
		t.Fatalf("expected last accessed %v, got %v", f.clock.T, stored.LastAccessed)
	}
}

func TestAuthorizeInactivityExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := device.Snapshot{VisitorID: "visitor-1", Confidence: 95}

	issued, err := f.mgr.Issue(ctx, f.user, snap)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f.clock.Advance(31 * time.Minute)
	if _, err := f.mgr.Authorize(ctx, issued.Credential, snap); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}

	stored, _ := f.store.Get(ctx, issued.Session.ID)
	if stored.Active() || stored.RevokeReason != ReasonInactivity {
		t.Fatalf("expected session revoked for inactivity, got %+v", stored)
	}
}

func TestAuthorizeRiskRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.mgr.Issue(ctx, f.user, device.Snapshot{VisitorID: "visitor-1", Confidence: 95, Geolocation: &device.GeoPoint{}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f.clock.Advance(time.Second)
	intruder := device.Snapshot{VisitorID: "visitor-2", Confidence: 95, Geolocation: &device.GeoPoint{Latitude: 10}}
	result, err := f.mgr.Authorize(ctx, issued.Credential, intruder)
	if !errors.Is(err, apperr.ErrSessionRevoked) {
		t.Fatalf("expected session revoked, got %v", err)
	}
	if result.Risk.Score != 100 {
		t.Fatalf("expected risk score surfaced for audit, got %d", result.Risk.Score)
	}

	if _, err := f.mgr.Authorize(ctx, issued.Credential, intruder); !errors.Is(err, apperr.ErrSessionInvalid) {
		t.Fatalf("expected session invalid on retry, got %v", err)
	}

	types := f.events.Types()
	if types[len(types)-1] != audit.SessionRevoked {
		t.Fatalf("expected revocation event, got %v", types)
	}
}

func TestAuthorizeTokenDefects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := device.Snapshot{VisitorID: "visitor-1", Confidence: 95}

	if _, err := f.mgr.Authorize(ctx, "not-a-token", snap); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	other := NewCodec([]byte("another-secret-another-secret-xx"), f.clock)
	forged, _ := other.Encode(Claims{UserID: f.user.ID, SessionID: uuid.NewString(), ExpiresAt: f.clock.T.Add(time.Hour)})
	if _, err := f.mgr.Authorize(ctx, forged, snap); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected forged token rejected, got %v", err)
	}

	issued, err := f.mgr.Issue(ctx, f.user, snap)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Keep the session fresh so expiry, not inactivity, is what fails.
	for i := 0; i < 2; i++ {
		f.clock.Advance(25 * time.Minute)
		if _, err := f.mgr.Authorize(ctx, issued.Credential, snap); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
	}
	f.clock.Advance(11 * time.Minute)
	if _, err := f.mgr.Authorize(ctx, issued.Credential, snap); !errors.Is(err, apperr.ErrTokenExpired) {
		t.Fatalf("expected token expired, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := device.Snapshot{VisitorID: "visitor-1", Confidence: 95}

	issued, err := f.mgr.Issue(ctx, f.user, snap)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.mgr.Logout(ctx, issued.Credential); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.mgr.Authorize(ctx, issued.Credential, snap); !errors.Is(err, apperr.ErrSessionInvalid) {
		t.Fatalf("expected session invalid after logout, got %v", err)
	}
	if err := f.mgr.Logout(ctx, issued.Credential); !errors.Is(err, apperr.ErrSessionInvalid) {
		t.Fatalf("expected second logout to fail, got %v", err)
	}
}

func TestLatestActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, ok, err := f.mgr.LatestActive(ctx, f.user.ID); err != nil || ok {
		t.Fatalf("expected no active session, got ok=%v err=%v", ok, err)
	}
	issued, _ := f.mgr.Issue(ctx, f.user, device.Snapshot{VisitorID: "visitor-1", Geolocation: paris()})
	latest, ok, err := f.mgr.LatestActive(ctx, f.user.ID)
	if err != nil || !ok || latest.ID != issued.Session.ID {
		t.Fatalf("expected latest active %s, got %+v ok=%v err=%v", issued.Session.ID, latest, ok, err)
	}
}
