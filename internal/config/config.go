package config

import (
	"fmt"
	"time"

	"github.com/quarrylabs/quarry/pkg/reason"
)

// Config represents the main Quarry configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Providers configuration
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Session configuration
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	RequestBudget time.Duration `json:"request_budget" mapstructure:"request_budget"`
}

// ProvidersConfig holds reasoning-provider credentials and the tier table
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`

	// Tiers overrides entries of the built-in tier catalog.
	Tiers map[string]reason.ModelSpec `json:"tiers" mapstructure:"tiers"`
}

// SessionConfig holds session-store tuning
type SessionConfig struct {
	IdleTimeout   time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	MaxIterations int           `json:"max_iterations" mapstructure:"max_iterations"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, console
	File   string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8787,
			RequestBudget: 55 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:   10 * time.Minute,
			SweepInterval: time.Minute,
			MaxIterations: 15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Catalog merges tier overrides over the built-in catalog.
func (p ProvidersConfig) Catalog() reason.Catalog {
	catalog := reason.DefaultCatalog()
	for tier, spec := range p.Tiers {
		catalog[tier] = spec
	}
	return catalog
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RequestBudget <= 0 {
		return fmt.Errorf("server request budget must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive")
	}
	if c.Session.MaxIterations < 1 {
		return fmt.Errorf("session max iterations must be at least 1")
	}
	if c.Providers.AnthropicAPIKey == "" && c.Providers.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one provider api key is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	for tier, spec := range c.Providers.Tiers {
		if spec.Provider != "anthropic" && spec.Provider != "openai" {
			return fmt.Errorf("tier %q references unknown provider %q", tier, spec.Provider)
		}
		if spec.Model == "" {
			return fmt.Errorf("tier %q has no model", tier)
		}
	}
	return nil
}
