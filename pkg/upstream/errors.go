package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionRequired is returned by BuildRequest when the chat type needs a
// pre-created upstream chat and no ChatID was supplied.
var ErrSessionRequired = errors.New("upstream session required")

// ErrUnsupported marks a chat type the provider cannot serve.
var ErrUnsupported = errors.New("unsupported by provider")

const maxErrorBody = 1024

// NetworkError is a transport-level failure: timeout, refused connection,
// reset stream.
type NetworkError struct {
	Provider string
	Op       string
	Err      error
	Timeout  bool
}

func (e *NetworkError) Error() string {
	kind := "network error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Provider, e.Op, kind, e.Err)
}

func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Retryable() bool { return true }

// UpstreamError is any non-2xx answer from the provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Provider, e.StatusCode, msg)
}

func (e *UpstreamError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *UpstreamError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsBlocked reports a Cloudflare/WAF challenge page rather than an API error.
func (e *UpstreamError) IsBlocked() bool {
	body := strings.ToLower(e.Body)
	return e.StatusCode == http.StatusForbidden &&
		(strings.Contains(body, "cloudflare") || strings.Contains(body, "cf-chl") || strings.Contains(body, "just a moment"))
}

// SessionError means the upstream chat could not be created.
type SessionError struct {
	Provider string
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: create chat session: %v", e.Provider, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ProviderError is an authentication rejection that survived a credential
// refresh.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: rejected after credential refresh: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err is an upstream 401/403.
func IsAuthFailure(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.IsAuth()
}

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
