package face

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stepguard/stepguard/internal/apperr"
)

func TestHTTPMatcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req matchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(matchResponse{Match: bytes.Equal(req.Template, req.Probe), Score: 0.9})
	}))
	defer srv.Close()

	m := NewHTTPMatcher(srv.URL, time.Second)
	ok, err := m.Match(context.Background(), []byte("face"), []byte("face"))
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = m.Match(context.Background(), []byte("face"), []byte("other"))
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestHTTPMatcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	m := NewHTTPMatcher(srv.URL, 20*time.Millisecond)
	if _, err := m.Match(context.Background(), []byte("a"), []byte("a")); !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
}

func TestHTTPMatcherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewHTTPMatcher(srv.URL, time.Second)
	if _, err := m.Match(context.Background(), []byte("a"), []byte("a")); !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("expected transport error on 502, got %v", err)
	}
}

func TestDigestMatcher(t *testing.T) {
	if ok, _ := (DigestMatcher{}).Match(context.Background(), []byte("a"), []byte("a")); !ok {
		t.Fatalf("identical images should match")
	}
	if ok, _ := (DigestMatcher{}).Match(context.Background(), []byte("a"), []byte("b")); ok {
		t.Fatalf("different images should not match")
	}
}
