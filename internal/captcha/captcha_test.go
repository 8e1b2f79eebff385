package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecaptchaVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "shh" {
			t.Errorf("expected secret to be forwarded")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": r.PostForm.Get("response") == "good"})
	}))
	defer srv.Close()

	v := NewRecaptchaVerifier("shh", srv.URL, time.Second)
	ok, err := v.Verify(context.Background(), "good", "203.0.113.7")
	if err != nil || !ok {
		t.Fatalf("expected pass, got ok=%v err=%v", ok, err)
	}
	ok, err = v.Verify(context.Background(), "bad", "")
	if err != nil || ok {
		t.Fatalf("expected rejection, got ok=%v err=%v", ok, err)
	}
}

func TestRecaptchaVerifierUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewRecaptchaVerifier("shh", srv.URL, time.Second)
	if _, err := v.Verify(context.Background(), "good", ""); err == nil {
		t.Fatalf("expected error on upstream failure")
	}
}

func TestStaticVerifier(t *testing.T) {
	if ok, _ := (StaticVerifier{}).Verify(context.Background(), "", ""); ok {
		t.Fatalf("empty proof must be rejected")
	}
	if ok, _ := (StaticVerifier{}).Verify(context.Background(), "anything", ""); !ok {
		t.Fatalf("non-empty proof should pass")
	}
}
