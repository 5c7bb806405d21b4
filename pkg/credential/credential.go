// Package credential caches, persists and acquires the cookie/token bundles
// upstream chat backends expect.
package credential

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNoCredential = errors.New("no credential configured")

type Credential struct {
	Cookies     map[string]string `json:"cookies,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	AcquiredAt  time.Time         `json:"acquired_at"`
}

func (c Credential) IsZero() bool {
	return len(c.Cookies) == 0 && c.BearerToken == "" && len(c.Extra) == 0
}

// CookieHeader renders cookies in key order so requests are reproducible.
func (c Credential) CookieHeader() string {
	if len(c.Cookies) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Cookies))
	for k := range c.Cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c.Cookies[k])
	}
	return strings.Join(parts, "; ")
}

func (c Credential) Cookie(name string) string {
	return c.Cookies[name]
}

// ExtraOr returns the captured extra value or fallback when absent.
func (c Credential) ExtraOr(key, fallback string) string {
	if v := strings.TrimSpace(c.Extra[key]); v != "" {
		return v
	}
	return fallback
}

func (c Credential) Clone() Credential {
	out := Credential{BearerToken: c.BearerToken, AcquiredAt: c.AcquiredAt}
	if c.Cookies != nil {
		out.Cookies = make(map[string]string, len(c.Cookies))
		for k, v := range c.Cookies {
			out.Cookies[k] = v
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Fresh reports whether the credential is no older than maxAge at now.
func (c Credential) Fresh(now time.Time, maxAge time.Duration) bool {
	if c.IsZero() || c.AcquiredAt.IsZero() {
		return false
	}
	return !now.After(c.AcquiredAt.Add(maxAge))
}

// Supersedes reports whether c replaced rejected, meaning it was acquired
// later or carries other secrets.
func (c Credential) Supersedes(rejected Credential) bool {
	if c.IsZero() {
		return false
	}
	return c.AcquiredAt.After(rejected.AcquiredAt) ||
		c.BearerToken != rejected.BearerToken ||
		c.CookieHeader() != rejected.CookieHeader()
}

// Redact keeps a short prefix of a secret for log lines.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}

// AuthError reports that no credential could be obtained for a provider.
type AuthError struct {
	Provider string
	Cause    error
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: credential acquisition failed", e.Provider)
	}
	return fmt.Sprintf("%s: credential acquisition failed: %v", e.Provider, e.Cause)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
