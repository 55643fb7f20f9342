// Package config provides configuration loading and validation for Heimdall.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/heimdall-proxy/internal/logging"
)

// Config is the top-level configuration loaded by the heimdall binary.
// Library consumers construct a ProxyConfig directly and ignore the rest.
type Config struct {
	Proxy   ProxyConfig    `yaml:"proxy" json:"proxy"`
	Logging logging.Config `yaml:"logging" json:"logging"`
	API     APIConfig      `yaml:"api" json:"api"`
	Metrics MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// APIConfig contains debug/observability API settings.
type APIConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Listen   string `yaml:"listen" json:"listen"`
	Token    string `yaml:"token,omitempty" json:"token,omitempty"`
	EventLog int    `yaml:"event_log,omitempty" json:"event_log,omitempty"` // event history size, default 1000
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	EmitInterval Duration `yaml:"emit_interval" json:"emit_interval"` // snapshot event cadence, default 1m
}

// DefaultConfig returns a top-level configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Proxy:   DefaultProxyConfig(),
		Logging: logging.DefaultConfig(),
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:7663",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks the top-level configuration.
func (c *Config) Validate() error {
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return c.Proxy.Validate()
}

// Load reads and parses a configuration file into the given struct.
// Files ending in .json are parsed as JSON; everything else as YAML.
// Environment variable references ($VAR, ${VAR}) are expanded first.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return nil
	}

	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Save writes a configuration struct to a file.
func Save(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil { //nolint:gosec // G301: Config directory permissions are appropriate
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Use 0600 permissions - config files may contain proxy credentials
	if err := os.WriteFile(path, data, 0600); err != nil { //nolint:gosec // G302: Config file permissions are restricted
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validator is implemented by configurations that can check themselves.
type Validator interface {
	Validate() error
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(v any) error {
	if validator, ok := v.(Validator); ok {
		return validator.Validate()
	}
	return nil
}

// LoadAndValidate loads and validates a configuration file.
func LoadAndValidate(path string, v any) error {
	if err := Load(path, v); err != nil {
		return err
	}
	return ValidateConfig(v)
}
