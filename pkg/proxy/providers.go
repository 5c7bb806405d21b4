package proxy

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/assets"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

const (
	defaultChatTimeoutSeconds = 120
	defaultAuthTimeoutSeconds = 30
)

// resolveProviderWithDefaults fills every unset field of p from the preset
// of its provider type.
func resolveProviderWithDefaults(p config.ProviderConfig, preset assets.Preset) config.ProviderConfig {
	if strings.TrimSpace(p.BaseURL) == "" {
		p.BaseURL = preset.BaseURL
	}
	if strings.TrimSpace(p.CredentialMaxAge) == "" {
		p.CredentialMaxAge = preset.CredentialMaxAge
	}
	if p.TimeoutSeconds <= 0 {
		if preset.TimeoutSeconds > 0 {
			p.TimeoutSeconds = preset.TimeoutSeconds
		} else {
			p.TimeoutSeconds = defaultChatTimeoutSeconds
		}
	}
	if p.AuthTimeoutSeconds <= 0 {
		if preset.AuthTimeoutSeconds > 0 {
			p.AuthTimeoutSeconds = preset.AuthTimeoutSeconds
		} else {
			p.AuthTimeoutSeconds = defaultAuthTimeoutSeconds
		}
	}
	if p.ThinkingBudget <= 0 {
		p.ThinkingBudget = preset.ThinkingBudget
	}
	if p.Guest == nil {
		p.Guest = preset.Guest
	}
	if p.LoginAttempts <= 0 {
		p.LoginAttempts = preset.LoginAttempts
	}
	if len(preset.Headers) > 0 {
		headers := maps.Clone(preset.Headers)
		maps.Copy(headers, p.Headers)
		p.Headers = headers
	}
	return p
}

func settingsFor(p config.ProviderConfig, preset assets.Preset) upstream.Settings {
	return upstream.Settings{
		Name:           p.Name,
		Type:           p.ProviderType,
		BaseURL:        p.BaseURL,
		Email:          p.Email,
		Password:       p.Password,
		Guest:          p.Guest != nil && *p.Guest,
		Models:         preset.Models,
		Suffixes:       preset.Suffixes,
		ModelPrefixes:  preset.ModelPrefixes,
		ModelMap:       preset.ModelMap,
		Defaults:       preset.Defaults,
		Headers:        p.Headers,
		ThinkingBudget: p.ThinkingBudget,
		ChatTimeout:    p.ChatTimeout(),
		AuthTimeout:    p.AuthTimeout(),
	}
}

func policyFor(p config.ProviderConfig) credential.Policy {
	maxAge, err := p.MaxAge()
	if err != nil {
		log.Warn("ignoring credential_max_age", "provider", p.Name, "err", err)
	}
	return credential.Policy{
		MaxAge:   maxAge,
		Attempts: p.LoginAttempts,
		Timeout:  time.Duration(p.AuthTimeoutSeconds) * time.Second,
	}
}

// sourceFor builds the fallback chain: static config, login command, then
// the provider's own HTTP login.
func sourceFor(p config.ProviderConfig, prov upstream.Provider) credential.Source {
	var chain credential.Chain
	if p.Token != "" || len(p.Cookies) > 0 {
		chain = append(chain, credential.Static{Token: p.Token, Cookies: p.Cookies})
	}
	if len(p.LoginCommand) > 0 {
		chain = append(chain, credential.Command{Provider: p.Name, Args: p.LoginCommand})
	}
	if ls, ok := prov.(upstream.LoginSource); ok {
		guest := p.Guest != nil && *p.Guest
		if guest || (p.Email != "" && p.Password != "") {
			chain = append(chain, credential.SourceFunc(ls.Login))
		}
	}
	return chain
}

// ResolvedProviders merges the enabled providers of cfg with their presets.
func ResolvedProviders(cfg config.ServerConfig) []config.ProviderConfig {
	out := make([]config.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.EnabledProviders() {
		preset, _ := assets.PresetFor(p.ProviderType)
		out = append(out, resolveProviderWithDefaults(p, preset))
	}
	return out
}

// BuildRegistry constructs the provider registry for cfg and registers a
// credential source for every provider with acq.
func BuildRegistry(cfg config.ServerConfig, client *upstream.Client, acq *credential.Acquirer) (*upstream.Registry, error) {
	reg := upstream.NewRegistry()
	for _, p := range cfg.EnabledProviders() {
		preset, ok := assets.PresetFor(p.ProviderType)
		if !ok {
			return nil, fmt.Errorf("provider %q: no preset for provider_type %q", p.Name, p.ProviderType)
		}
		p = resolveProviderWithDefaults(p, preset)
		s := settingsFor(p, preset)
		prov, err := upstream.New(s, client)
		if err != nil {
			return nil, err
		}
		reg.Add(prov, s.ModelPrefixes...)
		if acq != nil {
			acq.Register(p.Name, sourceFor(p, prov), policyFor(p))
		}
		log.Debug("provider registered", "provider", p.Name, "type", p.ProviderType, "base_url", p.BaseURL, "models", len(prov.Models()))
	}
	reg.SetDefault(cfg.DefaultProvider)
	return reg, nil
}
