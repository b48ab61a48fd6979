package embedding

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the configured embedding providers. The enrichment settings
// select one by name per batch; an empty name means the default.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

func NewRegistry(defaultProvider string) *Registry {
	name := normalizeProviderName(defaultProvider)
	if name == "" {
		name = HTTPProviderName
	}
	return &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: name,
	}
}

func (r *Registry) Register(provider Provider) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if provider == nil {
		return fmt.Errorf("provider is nil")
	}
	name := normalizeProviderName(provider.Name())
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	r.mu.Lock()
	r.providers[name] = provider
	r.mu.Unlock()
	return nil
}

func (r *Registry) Provider(name string) (Provider, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no embedding providers are registered")
	}
	resolved := normalizeProviderName(name)
	if resolved == "" {
		resolved = r.defaultProvider
	}
	if provider, ok := r.providers[resolved]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("embedding provider %q is not registered (available: %s)", resolved, strings.Join(r.namesLocked(), ", "))
}

func (r *Registry) DefaultProvider() string {
	if r == nil {
		return ""
	}
	return r.defaultProvider
}

func (r *Registry) ProviderNames() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
