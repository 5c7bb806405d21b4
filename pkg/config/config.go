package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chatbridge.toml"

	CredentialBackendFile     = "file"
	CredentialBackendPostgres = "postgres"
	CredentialBackendMemory   = "memory"
)

var providerTypes = []string{"grok", "k2think", "longcat", "qwen", "zai"}

type ProviderConfig struct {
	Name         string `toml:"name" json:"name"`
	ProviderType string `toml:"provider_type,omitempty" json:"provider_type,omitempty"`
	BaseURL      string `toml:"base_url,omitempty" json:"base_url,omitempty"`
	Enabled      bool   `toml:"enabled,omitempty" json:"enabled,omitempty"`

	Email    string            `toml:"email,omitempty" json:"email,omitempty"`
	Password string            `toml:"password,omitempty" json:"-"`
	Token    string            `toml:"token,omitempty" json:"-"`
	Cookies  map[string]string `toml:"cookies,omitempty" json:"-"`
	Guest    *bool             `toml:"guest,omitempty" json:"guest,omitempty"`

	// LoginCommand runs an external browser-automation helper that prints
	// {"cookies":{...},"token":"...","extra":{...}} on stdout.
	LoginCommand     []string `toml:"login_command,omitempty" json:"login_command,omitempty"`
	CredentialMaxAge string   `toml:"credential_max_age,omitempty" json:"credential_max_age,omitempty"`
	LoginAttempts    int      `toml:"login_attempts,omitempty" json:"login_attempts,omitempty"`

	TimeoutSeconds     int               `toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	AuthTimeoutSeconds int               `toml:"auth_timeout_seconds,omitempty" json:"auth_timeout_seconds,omitempty"`
	ThinkingBudget     int               `toml:"thinking_budget,omitempty" json:"thinking_budget,omitempty"`
	Headers            map[string]string `toml:"headers,omitempty" json:"headers,omitempty"`
}

// MaxAge parses CredentialMaxAge; zero means "use the preset".
func (p ProviderConfig) MaxAge() (time.Duration, error) {
	if strings.TrimSpace(p.CredentialMaxAge) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(p.CredentialMaxAge))
	if err != nil {
		return 0, fmt.Errorf("provider %q: invalid credential_max_age: %w", p.Name, err)
	}
	return d, nil
}

func (p ProviderConfig) ChatTimeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p ProviderConfig) AuthTimeout() time.Duration {
	return time.Duration(p.AuthTimeoutSeconds) * time.Second
}

type CredentialsConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path,omitempty"`
	DatabaseURL string `toml:"database_url,omitempty"`
}

type OutboundConfig struct {
	Proxies        []string `toml:"proxies,omitempty"`
	RewriteBaseURL string   `toml:"rewrite_base_url,omitempty"`
}

type ServerConfig struct {
	ListenAddr           string            `toml:"listen_addr"`
	IncomingAPIKeys      []string          `toml:"incoming_api_keys"`
	AllowLocalhostNoAuth bool              `toml:"allow_localhost_no_auth"`
	DefaultProvider      string            `toml:"default_provider"`
	LogLevel             string            `toml:"log_level,omitempty"`
	Credentials          CredentialsConfig `toml:"credentials"`
	Outbound             OutboundConfig    `toml:"outbound"`
	Providers            []ProviderConfig  `toml:"providers"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chatbridge", defaultConfigFileName)
}

func DefaultCredentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials"
	}
	return filepath.Join(home, ".cache", "chatbridge", "credentials")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:           "127.0.0.1:8080",
		IncomingAPIKeys:      []string{},
		AllowLocalhostNoAuth: true,
		LogLevel:             "info",
		Credentials: CredentialsConfig{
			Backend: CredentialBackendFile,
			Path:    DefaultCredentialsDir(),
		},
		Providers: []ProviderConfig{},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes seed to path when no file exists yet.
func LoadOrCreateServerConfig(path string, seed func(*ServerConfig)) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if seed != nil {
			seed(cfg)
		}
		cfg.Normalize()
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat config: %w", err)
	default:
		if err := load(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.DefaultProvider = strings.TrimSpace(c.DefaultProvider)

	keys := make([]string, 0, len(c.IncomingAPIKeys))
	for _, k := range c.IncomingAPIKeys {
		k = strings.TrimSpace(k)
		if k == "" || slices.Contains(keys, k) {
			continue
		}
		keys = append(keys, k)
	}
	c.IncomingAPIKeys = keys

	c.Credentials.Backend = strings.ToLower(strings.TrimSpace(c.Credentials.Backend))
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = CredentialBackendFile
	}
	c.Credentials.Path = strings.TrimSpace(c.Credentials.Path)
	if c.Credentials.Path == "" {
		c.Credentials.Path = DefaultCredentialsDir()
	}
	c.Credentials.DatabaseURL = strings.TrimSpace(c.Credentials.DatabaseURL)

	proxies := c.Outbound.Proxies[:0:0]
	for _, p := range c.Outbound.Proxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	c.Outbound.Proxies = proxies
	c.Outbound.RewriteBaseURL = strings.TrimRight(strings.TrimSpace(c.Outbound.RewriteBaseURL), "/")

	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.ProviderType = strings.ToLower(strings.TrimSpace(p.ProviderType))
		p.BaseURL = strings.TrimSpace(p.BaseURL)
		p.Email = strings.TrimSpace(p.Email)
		p.Token = strings.TrimSpace(p.Token)
		p.CredentialMaxAge = strings.TrimSpace(p.CredentialMaxAge)
		if p.ProviderType == "" {
			p.ProviderType = strings.ToLower(p.Name)
		}
		if p.LoginAttempts < 0 {
			p.LoginAttempts = 0
		}
	}
}

func (c *ServerConfig) Validate() error {
	switch c.Credentials.Backend {
	case CredentialBackendFile, CredentialBackendMemory:
	case CredentialBackendPostgres:
		if c.Credentials.DatabaseURL == "" {
			return errors.New("credentials.database_url is required when credentials.backend=postgres")
		}
	default:
		return fmt.Errorf("credentials.backend must be one of file, postgres, memory")
	}
	nameSeen := map[string]struct{}{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider name cannot be empty")
		}
		if strings.Contains(p.Name, "/") {
			return fmt.Errorf("provider name %q cannot contain '/'", p.Name)
		}
		if _, ok := nameSeen[p.Name]; ok {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		nameSeen[p.Name] = struct{}{}
		if !slices.Contains(providerTypes, p.ProviderType) {
			return fmt.Errorf("provider %q has unknown provider_type %q (expected one of %s)", p.Name, p.ProviderType, strings.Join(providerTypes, ", "))
		}
		if _, err := p.MaxAge(); err != nil {
			return err
		}
		if p.TimeoutSeconds < 0 || p.AuthTimeoutSeconds < 0 {
			return fmt.Errorf("provider %q timeouts must be >= 0", p.Name)
		}
		if p.ThinkingBudget < 0 {
			return fmt.Errorf("provider %q thinking_budget must be >= 0", p.Name)
		}
	}
	if c.DefaultProvider != "" {
		if _, ok := nameSeen[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q not found", c.DefaultProvider)
		}
	}
	return nil
}

// EnabledProviders returns the providers that should be served.
func (c *ServerConfig) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (c *ServerConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string { return s.path }

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cfg)
}

// Replace swaps in an already validated config without writing it.
func (s *ServerConfigStore) Replace(cfg *ServerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clone(s.cfg)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func clone(in *ServerConfig) ServerConfig {
	cp := *in
	cp.IncomingAPIKeys = append([]string(nil), in.IncomingAPIKeys...)
	cp.Outbound.Proxies = append([]string(nil), in.Outbound.Proxies...)
	cp.Providers = append([]ProviderConfig(nil), in.Providers...)
	return cp
}
