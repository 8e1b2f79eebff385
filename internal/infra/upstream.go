package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/stepguard/stepguard/internal/apperr"
)

// UpstreamRequest describes a POST to an external collaborator. Exactly one
// of Form or JSON is sent.
type UpstreamRequest struct {
	URL       string
	Form      map[string]string
	JSON      any
	BasicUser string
	BasicPass string
	Timeout   time.Duration
}

// UpstreamResponse is the raw reply of a collaborator.
type UpstreamResponse struct {
	Status int
	Body   []byte
}

// PostUpstream sends req with fiber's HTTP client. The effective timeout is
// the shorter of req.Timeout and the context deadline. Network failures wrap
// apperr.ErrTransport; non-2xx replies are returned for the caller to judge.
func PostUpstream(ctx context.Context, req UpstreamRequest) (UpstreamResponse, error) {
	if err := ctx.Err(); err != nil {
		return UpstreamResponse{}, err
	}

	timeout := req.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return UpstreamResponse{}, context.DeadlineExceeded
	}

	agent := fiber.Post(req.URL)
	if req.BasicUser != "" {
		agent.BasicAuth(req.BasicUser, req.BasicPass)
	}
	switch {
	case req.Form != nil:
		args := fiber.AcquireArgs()
		defer fiber.ReleaseArgs(args)
		for k, v := range req.Form {
			args.Set(k, v)
		}
		agent.Form(args)
	case req.JSON != nil:
		agent.JSON(req.JSON)
	}
	agent.Timeout(timeout)

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return UpstreamResponse{}, fmt.Errorf("%w: post %s: %w", apperr.ErrTransport, req.URL, errors.Join(errs...))
	}
	return UpstreamResponse{Status: status, Body: body}, nil
}
