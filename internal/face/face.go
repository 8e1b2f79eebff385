// Package face compares a probe image against an enrolled face template.
package face

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stepguard/stepguard/internal/apperr"
	"github.com/stepguard/stepguard/internal/infra"
)

// Matcher decides whether probe shows the same face as template. An error
// means no verdict could be reached.
type Matcher interface {
	Match(ctx context.Context, template, probe []byte) (bool, error)
}

// HTTPMatcher delegates to a face matching service.
type HTTPMatcher struct {
	url     string
	timeout time.Duration
}

// NewHTTPMatcher builds a matcher posting to url.
func NewHTTPMatcher(url string, timeout time.Duration) *HTTPMatcher {
	return &HTTPMatcher{url: url, timeout: timeout}
}

type matchRequest struct {
	Template []byte `json:"template"`
	Probe    []byte `json:"probe"`
}

type matchResponse struct {
	Match bool    `json:"match"`
	Score float64 `json:"score"`
}

func (m *HTTPMatcher) Match(ctx context.Context, template, probe []byte) (bool, error) {
	resp, err := infra.PostUpstream(ctx, infra.UpstreamRequest{
		URL:     m.url,
		JSON:    matchRequest{Template: template, Probe: probe},
		Timeout: m.timeout,
	})
	if err != nil {
		return false, err
	}
	if resp.Status != http.StatusOK {
		return false, fmt.Errorf("%w: face matcher status %d", apperr.ErrTransport, resp.Status)
	}
	var out matchResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return false, fmt.Errorf("decode face matcher response: %w", err)
	}
	return out.Match, nil
}

// DigestMatcher matches only byte-identical images. Development only.
type DigestMatcher struct{}

func (DigestMatcher) Match(_ context.Context, template, probe []byte) (bool, error) {
	a := sha256.Sum256(template)
	b := sha256.Sum256(probe)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1, nil
}
