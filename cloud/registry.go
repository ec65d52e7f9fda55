package cloud

import (
	"sync"
)

// Factory constructs a provider instance from its configuration.
type Factory func(cfg Config) (Provider, error)

// Registry maps provider type tags to factories and instance names to
// configurations. It is owned by application startup and passed explicitly
// to the engine; there is no package-level registry state.
//
// Provider instances are created lazily on first lookup and cached per
// instance name. All methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	configs     map[string]Config
	instances   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]Config),
		instances: make(map[string]Provider),
	}
}

// RegisterType registers a provider factory under a short tag.
// Duplicate tags are rejected.
func (r *Registry) RegisterType(tag string, factory Factory) error {
	if tag == "" {
		return &ConfigError{Message: "provider tag cannot be empty"}
	}
	if factory == nil {
		return &ConfigError{Message: "provider factory cannot be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return &ConfigError{Message: "provider type already registered: " + tag}
	}
	r.factories[tag] = factory
	return nil
}

// RegisterConfig validates and registers an instance configuration.
// The referenced type must already be registered and the instance name
// must be unique. Setting Default on the new config demotes the previous
// default instance.
func (r *Registry) RegisterConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[cfg.Name]; exists {
		return &ConfigError{Message: "provider already configured: " + cfg.Name}
	}
	if _, exists := r.factories[cfg.Type]; !exists {
		return &ConfigError{Message: "unknown provider type: " + cfg.Type}
	}

	r.configs[cfg.Name] = cfg
	if cfg.Default {
		if r.defaultName != "" && r.defaultName != cfg.Name {
			old := r.configs[r.defaultName]
			old.Default = false
			r.configs[r.defaultName] = old
		}
		r.defaultName = cfg.Name
	}
	return nil
}

// Provider returns the provider instance for the given name, instantiating
// it on first use. An empty name selects the default instance. Disabled
// instances cannot be fetched.
func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		if r.defaultName == "" {
			return nil, &ConfigError{Message: "no default provider configured"}
		}
		name = r.defaultName
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, &ConfigError{Message: "provider not configured: " + name}
	}
	if !cfg.Enabled {
		return nil, &ConfigError{Message: "provider is disabled: " + name}
	}

	if p, ok := r.instances[name]; ok {
		return p, nil
	}

	factory := r.factories[cfg.Type]
	p, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	r.instances[name] = p
	return p, nil
}

// Configs returns all registered instance configurations.
func (r *Registry) Configs() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// ConfigFor returns the configuration for an instance name.
func (r *Registry) ConfigFor(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[name]
	if !ok {
		return Config{}, &ConfigError{Message: "provider not configured: " + name}
	}
	return cfg, nil
}

// Remove drops an instance configuration and any cached provider.
// Removing the default instance leaves the registry with no default.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[name]
	if !ok {
		return &ConfigError{Message: "provider not configured: " + name}
	}
	if cfg.Default {
		r.defaultName = ""
	}
	delete(r.configs, name)
	delete(r.instances, name)
	return nil
}

// Clear drops all configurations and cached instances. Registered type
// factories are kept.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs = make(map[string]Config)
	r.instances = make(map[string]Provider)
	r.defaultName = ""
}
