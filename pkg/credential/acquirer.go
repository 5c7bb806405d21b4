package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/cache"
)

// Source performs one login attempt for a single provider.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

type SourceFunc func(ctx context.Context) (Credential, error)

func (f SourceFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

type Policy struct {
	MaxAge   time.Duration
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAge <= 0 {
		p.MaxAge = 12 * time.Hour
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return p
}

type registration struct {
	source Source
	policy Policy
}

// Acquirer returns cached credentials while they are fresh and logs in
// otherwise. Acquisition for one provider is serialized; different providers
// proceed in parallel.
type Acquirer struct {
	store *Store
	locks *cache.KeyedMutex[string]

	mu      sync.RWMutex
	entries map[string]registration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewAcquirer(store *Store) *Acquirer {
	return &Acquirer{
		store:   store,
		locks:   cache.NewKeyedMutex[string](),
		entries: map[string]registration{},
		sleep:   sleepCtx,
	}
}

func (a *Acquirer) Store() *Store { return a.store }

func (a *Acquirer) Register(provider string, src Source, policy Policy) {
	a.mu.Lock()
	a.entries[provider] = registration{source: src, policy: policy.normalized()}
	a.mu.Unlock()
}

func (a *Acquirer) Policy(provider string) (Policy, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.entries[provider]
	return r.policy, ok
}

// Acquire returns a credential for provider, logging in when the cached one
// is stale or force is set. Failures are *AuthError.
func (a *Acquirer) Acquire(ctx context.Context, provider string, force bool) (Credential, error) {
	return a.acquire(ctx, provider, force, nil)
}

// Refresh replaces a credential the upstream rejected. Callers that queued
// behind a refresh for the same rejected credential get its replacement
// instead of logging in again.
func (a *Acquirer) Refresh(ctx context.Context, provider string, rejected Credential) (Credential, error) {
	return a.acquire(ctx, provider, true, &rejected)
}

func (a *Acquirer) acquire(ctx context.Context, provider string, force bool, rejected *Credential) (Credential, error) {
	a.mu.RLock()
	reg, ok := a.entries[provider]
	a.mu.RUnlock()
	if !ok {
		return Credential{}, &AuthError{Provider: provider, Cause: ErrNoCredential}
	}

	unlock, err := a.locks.Lock(ctx, provider)
	if err != nil {
		return Credential{}, &AuthError{Provider: provider, Cause: err}
	}
	defer unlock()

	switch {
	case rejected != nil:
		if c, ok := a.store.Get(ctx, provider); ok && c.Supersedes(*rejected) {
			log.Debug("credential already refreshed", "provider", provider)
			return c, nil
		}
		a.store.Clear(ctx, provider)
	case !force:
		if c, ok := a.store.Get(ctx, provider); ok && c.Fresh(a.store.Now(), reg.policy.MaxAge) {
			return c, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < reg.policy.Attempts; attempt++ {
		if attempt > 0 {
			wait := reg.policy.Backoff << (attempt - 1)
			log.Debug("retrying credential acquisition", "provider", provider, "attempt", attempt+1, "wait", wait)
			if err := a.sleep(ctx, wait); err != nil {
				return Credential{}, &AuthError{Provider: provider, Cause: err}
			}
		}
		c, err := a.fetchOnce(ctx, reg)
		if err == nil {
			if c.AcquiredAt.IsZero() {
				c.AcquiredAt = a.store.Now()
			}
			if perr := a.store.Put(ctx, provider, c); perr != nil {
				log.Warn("credential not persisted, keeping in memory", "provider", provider, "err", perr)
			}
			log.Info("credential acquired", "provider", provider, "forced", force, "token", Redact(c.BearerToken), "cookies", len(c.Cookies))
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil || !Retryable(err) {
			break
		}
	}
	log.Warn("credential acquisition failed", "provider", provider, "err", lastErr)
	return Credential{}, &AuthError{Provider: provider, Cause: lastErr}
}

func (a *Acquirer) fetchOnce(ctx context.Context, reg registration) (Credential, error) {
	actx, cancel := context.WithTimeout(ctx, reg.policy.Timeout)
	defer cancel()
	c, err := reg.source.Fetch(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Credential{}, &timeoutError{cause: err}
		}
		return Credential{}, err
	}
	if c.IsZero() {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}

// Retryable reports whether err is a transient network-level failure.
// Rejected logins are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string   { return fmt.Sprintf("login timed out: %v", e.cause) }
func (e *timeoutError) Unwrap() error   { return e.cause }
func (e *timeoutError) Retryable() bool { return true }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
