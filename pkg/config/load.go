package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/pilot/pkg/oracle"
)

// Environment variables that override file settings.
const (
	EnvAPIKey      = "PILOT_API_KEY"
	EnvProvider    = "PILOT_PROVIDER"
	EnvModel       = "PILOT_MODEL"
	EnvDatabase    = "PILOT_DB"
	EnvConcurrency = "PILOT_MAX_CONCURRENT_TASKS"
	EnvLogLevel    = "LOG_LEVEL"
)

var validate = validator.New()

// Load reads a YAML file over the defaults, expands ${VAR} references,
// applies environment overrides and validates the result. An empty path
// yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes YAML over the defaults. lookup resolves both ${VAR}
// references and overrides.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		v, _ := lookup(key)
		return v
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Handlers.Remote.Hosts) == 0 {
		cfg.Handlers.Remote.Hosts = nil
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.Oracle.APIKey = v
	}
	if v, ok := lookup(EnvProvider); ok && v != "" {
		c.Oracle.Provider = v
	}
	if v, ok := lookup(EnvModel); ok && v != "" {
		c.Oracle.Model = v
	}
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvConcurrency); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		c.Orchestrator.MaxConcurrentTasks = n
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	return nil
}

// Validate checks the struct constraints of every section.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// UsesOracle reports whether a language model is configured.
func (c *Config) UsesOracle() bool {
	return c.Oracle.Provider != oracle.ProviderNone
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
