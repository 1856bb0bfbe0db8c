package provider

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Factory builds a provider from loosely typed configuration.
type Factory func(config map[string]any) (Provider, error)

// Registry manages providers and the factories that build them
type Registry struct {
	providers map[string]Provider
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
	}
}

// Register registers a provider
func (r *Registry) Register(name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

// RegisterFactory registers a factory under name
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}

	return provider, nil
}

// Create builds a provider with the named factory and registers it.
func (r *Registry) Create(name string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory for provider '%s'", name)
	}
	p, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("create provider %s: %w", name, err)
	}
	r.Register(name, p)
	return p, nil
}

// Has checks if a provider is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// List returns all registered provider names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factories returns the names of all registered factories, sorted
func (r *Registry) Factories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Global registry
var globalRegistry = NewRegistry()

// Register registers a provider globally
func Register(name string, provider Provider) {
	globalRegistry.Register(name, provider)
}

// RegisterFactory registers a factory with the global registry
func RegisterFactory(name string, f Factory) {
	globalRegistry.RegisterFactory(name, f)
}

// Create builds a provider from the global registry
func Create(name string, config map[string]any) (Provider, error) {
	return globalRegistry.Create(name, config)
}

// Get retrieves a provider from the global registry
func Get(name string) (Provider, error) {
	return globalRegistry.Get(name)
}

// Has checks if a provider exists in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// List returns all registered provider names from the global registry
func List() []string {
	return globalRegistry.List()
}

// Factories returns the factory names known to the global registry
func Factories() []string {
	return globalRegistry.Factories()
}

// configString reads key from config, falling back to the environment
// variable env and then to def.
func configString(config map[string]any, key, env, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return def
}
