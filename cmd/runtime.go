package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/assets"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/logutil"
	"github.com/lkarlslund/chatbridge/pkg/proxy"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

var configPath string

const sharedBackendMemoryTTL = time.Minute

// runtimeDeps is everything a command needs to talk to providers.
type runtimeDeps struct {
	env      config.Env
	cfg      *config.ServerConfig
	store    *credential.Store
	acquirer *credential.Acquirer
	client   *upstream.Client
	closers  []func()
}

func (rt *runtimeDeps) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtimeDeps) Service() (*proxy.Service, error) {
	return proxy.NewServiceFromConfig(*rt.cfg, rt.client, rt.acquirer)
}

// seedProviders lists every built-in provider in a fresh config. Only Z.AI is
// enabled because it works with a guest session.
func seedProviders(cfg *config.ServerConfig) {
	presets, err := assets.LoadPresets()
	if err != nil {
		log.Warn("provider presets unavailable", "err", err)
		return
	}
	for _, p := range presets {
		pc := p.AsProviderConfig()
		pc.Enabled = p.Name == "zai"
		cfg.Providers = append(cfg.Providers, pc)
	}
	cfg.DefaultProvider = "zai"
}

func openRuntime(ctx context.Context) (*runtimeDeps, error) {
	env, err := config.LoadEnv(".env")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrCreateServerConfig(configPath, seedProviders)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	if err := env.Apply(cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if logLevel == "" && cfg.LogLevel != "" {
		if err := logutil.Configure(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	rt := &runtimeDeps{env: env, cfg: cfg}
	cipher, err := credential.NewCipher(env.CredentialKey)
	if err != nil {
		return nil, err
	}
	var backend credential.Backend
	var storeOpts []credential.StoreOption
	switch cfg.Credentials.Backend {
	case config.CredentialBackendFile:
		backend = credential.NewFileBackend(cfg.Credentials.Path)
	case config.CredentialBackendPostgres:
		pg, err := credential.NewPostgresBackend(ctx, cfg.Credentials.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open credential database: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		backend = pg
		// A shared database may be refreshed by other instances.
		storeOpts = append(storeOpts, credential.WithMemoryTTL(sharedBackendMemoryTTL))
	}
	rt.store = credential.NewStore(backend, cipher, storeOpts...)
	rt.acquirer = credential.NewAcquirer(rt.store)

	rt.client, err = upstream.NewClient(upstream.ClientOptions{
		Proxies:    cfg.Outbound.Proxies,
		RewriteURL: cfg.Outbound.RewriteBaseURL,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}
	log.Debug("runtime ready", "config", configPath, "credentials", cfg.Credentials.Backend, "providers", len(cfg.EnabledProviders()))
	return rt, nil
}
