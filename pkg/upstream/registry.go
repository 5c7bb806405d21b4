package upstream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownModel = errors.New("no provider serves this model")

type Factory func(s Settings, c *Client) (Provider, error)

var factories = map[string]Factory{
	"zai":     NewZAI,
	"qwen":    NewQwen,
	"k2think": NewK2Think,
	"grok":    NewGrok,
	"longcat": NewLongCat,
}

// KnownTypes lists the provider_type values with an implementation.
func KnownTypes() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry maps provider names and model families to implementations.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]Provider
	order       []string
	prefixes    map[string]string
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Provider{}, prefixes: map[string]string{}}
}

// New constructs one provider with the factory registered for s.Type.
func New(s Settings, client *Client) (Provider, error) {
	f, ok := factories[strings.ToLower(s.Type)]
	if !ok {
		return nil, fmt.Errorf("provider %q: unknown provider_type %q", s.Name, s.Type)
	}
	p, err := f(s, client)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", s.Name, err)
	}
	return p, nil
}

// Build constructs a registry for settings using the built-in factories.
func Build(settings []Settings, defaultProvider string, client *Client) (*Registry, error) {
	r := NewRegistry()
	for _, s := range settings {
		p, err := New(s, client)
		if err != nil {
			return nil, err
		}
		r.Add(p, s.ModelPrefixes...)
	}
	r.SetDefault(defaultProvider)
	return r, nil
}

func (r *Registry) Add(p Provider, modelPrefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = p
	for _, prefix := range modelPrefixes {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		if _, taken := r.prefixes[prefix]; !taken {
			r.prefixes[prefix] = name
		}
	}
}

func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.defaultName = strings.TrimSpace(name)
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// Resolve picks the provider for a requested model and returns the model
// name with any "provider/" prefix removed. Lookup order: explicit prefix,
// longest matching model-family prefix, default provider.
func (r *Registry) Resolve(modelName string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := strings.Index(modelName, "/"); i > 0 {
		if p, ok := r.byName[modelName[:i]]; ok {
			return p, modelName[i+1:], nil
		}
	}
	lower := strings.ToLower(modelName)
	best := ""
	for prefix := range r.prefixes {
		if strings.HasPrefix(lower, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.byName[r.prefixes[best]], modelName, nil
	}
	if p, ok := r.byName[r.defaultName]; ok {
		return p, modelName, nil
	}
	return nil, modelName, fmt.Errorf("%w: %q", ErrUnknownModel, modelName)
}
