package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the process environment overrides. Secrets that must not land
// in the TOML file (the credential key) only exist here.
type Env struct {
	ListenAddr        string `env:"CHATBRIDGE_LISTEN_ADDR"`
	LogLevel          string `env:"CHATBRIDGE_LOG_LEVEL"`
	CredentialKey     string `env:"CHATBRIDGE_CREDENTIAL_KEY"`
	DatabaseURL       string `env:"CHATBRIDGE_DATABASE_URL"`
	CredentialBackend string `env:"CHATBRIDGE_CREDENTIAL_BACKEND"`
}

// LoadEnv reads optional .env files, then parses the environment.
func LoadEnv(files ...string) (Env, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Apply overlays non-empty environment values onto cfg and re-validates.
func (e Env) Apply(cfg *ServerConfig) error {
	if e.ListenAddr != "" {
		cfg.ListenAddr = e.ListenAddr
	}
	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
	if e.CredentialBackend != "" {
		cfg.Credentials.Backend = e.CredentialBackend
	}
	if e.DatabaseURL != "" {
		cfg.Credentials.DatabaseURL = e.DatabaseURL
	}
	cfg.Normalize()
	return cfg.Validate()
}
