package credential

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/cache"
)

// Store keeps credentials in memory and mirrors them to an optional backend.
// Backend failures are logged and otherwise behave like an empty backend.
type Store struct {
	mem     *cache.TTLMap[string, Credential]
	backend Backend
	cipher  Cipher
	now     func() time.Time
	memTTL  time.Duration
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemoryTTL bounds how long a credential is served from memory before the
// backend is read again. Zero keeps memory copies until replaced.
func WithMemoryTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.memTTL = d
		}
	}
}

// NewStore builds a store. A nil backend keeps everything in memory and a
// nil cipher stores blobs as plain JSON.
func NewStore(backend Backend, cipher Cipher, opts ...StoreOption) *Store {
	if cipher == nil {
		cipher = Plaintext{}
	}
	s := &Store{
		mem:     cache.NewTTLMap[string, Credential](),
		backend: backend,
		cipher:  cipher,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Now() time.Time { return s.now() }

func (s *Store) Get(ctx context.Context, provider string) (Credential, bool) {
	if c, ok := s.mem.GetFresh(provider, s.now()); ok {
		return c.Clone(), true
	}
	if s.backend == nil {
		return Credential{}, false
	}
	blob, err := s.backend.Load(ctx, provider)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn("credential backend load failed", "provider", provider, "err", err)
		}
		return Credential{}, false
	}
	plain, err := s.cipher.Open(blob)
	if err != nil {
		log.Warn("credential blob unreadable", "provider", provider, "err", err)
		return Credential{}, false
	}
	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		log.Warn("credential blob corrupt", "provider", provider, "err", err)
		return Credential{}, false
	}
	s.mem.SetWithTTL(provider, c, s.now(), s.memTTL)
	return c.Clone(), true
}

// Put always updates memory; the returned error only reports persistence.
func (s *Store) Put(ctx context.Context, provider string, c Credential) error {
	if c.AcquiredAt.IsZero() {
		c.AcquiredAt = s.now()
	}
	c = c.Clone()
	s.mem.SetWithTTL(provider, c, s.now(), s.memTTL)
	if s.backend == nil {
		return nil
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}
	sealed, err := s.cipher.Seal(plain)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, provider, sealed)
}

func (s *Store) IsFresh(ctx context.Context, provider string, maxAge time.Duration) bool {
	c, ok := s.Get(ctx, provider)
	if !ok {
		return false
	}
	return c.Fresh(s.now(), maxAge)
}

func (s *Store) Clear(ctx context.Context, provider string) {
	s.mem.Delete(provider)
	if s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, provider); err != nil {
		log.Warn("credential backend delete failed", "provider", provider, "err", err)
	}
}

// Providers lists providers with a stored credential.
func (s *Store) Providers(ctx context.Context) []string {
	seen := map[string]struct{}{}
	var out []string
	s.mem.Purge(s.now())
	for name := range s.mem.Entries() {
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if s.backend != nil {
		names, err := s.backend.List(ctx)
		if err != nil {
			log.Warn("credential backend list failed", "err", err)
		}
		for _, n := range names {
			if _, ok := seen[n]; !ok {
				out = append(out, n)
			}
		}
	}
	return out
}
