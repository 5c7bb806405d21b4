package assets

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/lkarlslund/chatbridge/pkg/config"
)

//go:embed files/providers.json
var FS embed.FS

// Preset carries the built-in defaults for one provider type. User config
// always wins over preset values.
type Preset struct {
	config.ProviderConfig
	DisplayName   string            `json:"display_name"`
	DocsURL       string            `json:"docs_url,omitempty"`
	Models        []string          `json:"models"`
	Suffixes      []string          `json:"suffixes,omitempty"`
	ModelPrefixes []string          `json:"model_prefixes,omitempty"`
	ModelMap      map[string]string `json:"model_map,omitempty"`
	Defaults      map[string]string `json:"defaults,omitempty"`
}

// AsProviderConfig returns an enabled provider entry built from the preset.
func (p Preset) AsProviderConfig() config.ProviderConfig {
	cfg := p.ProviderConfig
	if cfg.ProviderType == "" {
		cfg.ProviderType = p.Name
	}
	cfg.Enabled = true
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return cfg
}

var (
	presetsOnce sync.Once
	presets     []Preset
	presetsErr  error
)

func LoadPresets() ([]Preset, error) {
	presetsOnce.Do(func() {
		b, err := FS.ReadFile("files/providers.json")
		if err != nil {
			presetsErr = fmt.Errorf("read provider presets: %w", err)
			return
		}
		if err := json.Unmarshal(b, &presets); err != nil {
			presetsErr = fmt.Errorf("decode provider presets: %w", err)
		}
	})
	return presets, presetsErr
}

// PresetFor looks up the preset for a provider type.
func PresetFor(providerType string) (Preset, bool) {
	all, err := LoadPresets()
	if err != nil {
		return Preset{}, false
	}
	for _, p := range all {
		if strings.EqualFold(p.ProviderType, providerType) {
			return p, true
		}
	}
	return Preset{}, false
}
