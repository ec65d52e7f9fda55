package cloud

// Config describes one configured provider instance.
//
// Zero values are filled by Validate-time defaults where the field has one:
// Timeout 300s, RetryCount 3, RetryInterval 5s. Type and Name are required.
type Config struct {
	// Type is the registered provider tag ("mock", "k8s", ...).
	Type string `json:"type"`

	// Name is the unique instance name configurations refer to.
	Name string `json:"name"`

	// Description is free-form and optional.
	Description string `json:"description,omitempty"`

	// Enabled gates Provider lookup; a disabled instance cannot be fetched.
	Enabled bool `json:"enabled"`

	// Default marks this instance as the one returned for an empty name.
	// At most one instance is default; registering a new default demotes
	// the previous one.
	Default bool `json:"default"`

	// Timeout is the provider operation deadline in seconds.
	Timeout int `json:"timeout"`

	// RetryCount is the number of provider-side retries.
	RetryCount int `json:"retry_count"`

	// RetryInterval is the backoff between retries in seconds.
	RetryInterval int `json:"retry_interval"`

	// Properties holds provider-specific settings.
	Properties map[string]any `json:"properties,omitempty"`
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig(providerType, name string) Config {
	return Config{
		Type:          providerType,
		Name:          name,
		Enabled:       true,
		Timeout:       300,
		RetryCount:    3,
		RetryInterval: 5,
		Properties:    map[string]any{},
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ConfigError{Message: "provider type is required"}
	}
	if c.Name == "" {
		return &ConfigError{Message: "provider name is required"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Message: "timeout must be greater than zero"}
	}
	if c.RetryCount < 0 {
		return &ConfigError{Message: "retry count cannot be negative"}
	}
	if c.RetryInterval <= 0 {
		return &ConfigError{Message: "retry interval must be greater than zero"}
	}
	return nil
}
