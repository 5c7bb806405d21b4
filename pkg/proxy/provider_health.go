package proxy

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
	"golang.org/x/sync/errgroup"
)

const providerHealthCheckInterval = 15 * time.Minute
const providerHealthRetryInterval = 30 * time.Second
const providerHealthParallelism = 4

const (
	healthOnline      = "online"
	healthOffline     = "offline"
	healthAuthProblem = "auth problem"
	healthBlocked     = "blocked"
)

type ProviderHealth struct {
	Name       string    `json:"name"`
	Type       string    `json:"type,omitempty"`
	Status     string    `json:"status"`
	ResponseMS int64     `json:"response_ms"`
	ModelCount int       `json:"model_count"`
	LastError  string    `json:"last_error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

type healthTarget interface {
	Registry() *upstream.Registry
	Acquirer() *credential.Acquirer
}

// ProviderHealthChecker keeps the last known state of every provider. The
// periodic check keeps credentials warm by acquiring them ahead of traffic.
type ProviderHealthChecker struct {
	target   healthTarget
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	byName  map[string]ProviderHealth
	forceCh chan struct{}
}

func NewProviderHealthChecker(target healthTarget, interval time.Duration) *ProviderHealthChecker {
	if interval <= 0 {
		interval = providerHealthCheckInterval
	}
	poll := providerHealthRetryInterval
	if interval < poll {
		poll = interval
	}
	return &ProviderHealthChecker{
		target:   target,
		interval: interval,
		retry:    providerHealthRetryInterval,
		poll:     poll,
		now:      time.Now,
		byName:   map[string]ProviderHealth{},
		forceCh:  make(chan struct{}, 1),
	}
}

func (c *ProviderHealthChecker) Run(ctx context.Context) {
	if c == nil || c.target == nil {
		return
	}
	c.checkOnce(ctx, false)
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.checkOnce(ctx, false)
		case <-c.forceCh:
			c.checkOnce(ctx, true)
		}
	}
}

func (c *ProviderHealthChecker) Trigger() {
	if c == nil {
		return
	}
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

func (c *ProviderHealthChecker) Snapshot(name string) (ProviderHealth, bool) {
	if c == nil {
		return ProviderHealth{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byName[name]
	return v, ok
}

// List returns one entry per registered provider, unknown ones included.
func (c *ProviderHealthChecker) List() []ProviderHealth {
	var out []ProviderHealth
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.target.Registry().List() {
		snap, ok := c.byName[p.Name()]
		if !ok {
			snap = ProviderHealth{Status: "unknown", ModelCount: len(p.Models())}
		}
		snap.Name = p.Name()
		snap.Type = p.Type()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func healthStatus(statusCode int, err error) string {
	if err == nil {
		if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
			return healthAuthProblem
		}
		return healthOnline
	}
	var ue *upstream.UpstreamError
	if errors.As(err, &ue) && ue.IsBlocked() {
		return healthBlocked
	}
	var authErr *credential.AuthError
	var provErr *upstream.ProviderError
	if errors.As(err, &authErr) || errors.As(err, &provErr) || upstream.IsAuthFailure(err) {
		return healthAuthProblem
	}
	return healthOffline
}

func (c *ProviderHealthChecker) RecordProxyResult(provider string, latency time.Duration, statusCode int, reqErr error) {
	if c == nil || provider == "" {
		return
	}
	snap := ProviderHealth{
		Name:       provider,
		Status:     healthStatus(statusCode, reqErr),
		ResponseMS: latency.Milliseconds(),
		CheckedAt:  c.now().UTC(),
	}
	if reqErr != nil {
		snap.LastError = reqErr.Error()
	}
	c.mu.Lock()
	if prev, ok := c.byName[provider]; ok {
		snap.ModelCount = prev.ModelCount
	}
	c.byName[provider] = snap
	c.mu.Unlock()
}

func (c *ProviderHealthChecker) shouldCheck(name string, now time.Time, force bool) bool {
	if force {
		return true
	}
	c.mu.RLock()
	snap, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok || snap.CheckedAt.IsZero() {
		return true
	}
	age := now.Sub(snap.CheckedAt)
	if age < 0 {
		age = 0
	}
	if snap.Status == healthOnline {
		return age >= c.interval
	}
	return age >= c.retry
}

func (c *ProviderHealthChecker) checkOnce(parent context.Context, force bool) {
	providers := c.target.Registry().List()
	acq := c.target.Acquirer()
	now := c.now()
	active := make(map[string]struct{}, len(providers))

	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(providerHealthParallelism)
	for _, p := range providers {
		active[p.Name()] = struct{}{}
		if !c.shouldCheck(p.Name(), now, force) {
			continue
		}
		g.Go(func() error {
			start := c.now()
			_, err := acq.Acquire(ctx, p.Name(), false)
			snap := ProviderHealth{
				Name:       p.Name(),
				Status:     healthStatus(0, err),
				ResponseMS: c.now().Sub(start).Milliseconds(),
				ModelCount: len(p.Models()),
				CheckedAt:  c.now().UTC(),
			}
			if err != nil {
				snap.LastError = err.Error()
				log.Debug("provider health check failed", "provider", p.Name(), "err", err)
			}
			c.mu.Lock()
			c.byName[p.Name()] = snap
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	for name := range c.byName {
		if _, ok := active[name]; !ok {
			delete(c.byName, name)
		}
	}
	c.mu.Unlock()
}
