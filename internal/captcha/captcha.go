// Package captcha verifies client CAPTCHA proofs.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/infra"
)

// DefaultVerifyURL is Google's reCAPTCHA verification endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Verifier checks a CAPTCHA proof. A false result with a nil error means the
// proof was rejected; an error means the verifier could not decide.
type Verifier interface {
	Verify(ctx context.Context, proof, remoteIP string) (bool, error)
}

// RecaptchaVerifier calls the reCAPTCHA siteverify API.
type RecaptchaVerifier struct {
	secret  string
	url     string
	timeout time.Duration
}

// NewRecaptchaVerifier builds a verifier. An empty url selects DefaultVerifyURL.
func NewRecaptchaVerifier(secret, url string, timeout time.Duration) *RecaptchaVerifier {
	if url == "" {
		url = DefaultVerifyURL
	}
	return &RecaptchaVerifier{secret: secret, url: url, timeout: timeout}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *RecaptchaVerifier) Verify(ctx context.Context, proof, remoteIP string) (bool, error) {
	if proof == "" {
		return false, nil
	}
	form := map[string]string{"secret": v.secret, "response": proof}
	if remoteIP != "" {
		form["remoteip"] = remoteIP
	}
	resp, err := infra.PostUpstream(ctx, infra.UpstreamRequest{URL: v.url, Form: form, Timeout: v.timeout})
	if err != nil {
		return false, err
	}
	if resp.Status != http.StatusOK {
		return false, fmt.Errorf("%w: siteverify status %d", apperr.ErrTransport, resp.Status)
	}
	var out siteverifyResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return false, fmt.Errorf("decode siteverify response: %w", err)
	}
	return out.Success, nil
}

// StaticVerifier accepts every non-empty proof. Development only.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, proof, _ string) (bool, error) {
	return proof != "", nil
}
