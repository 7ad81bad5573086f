package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models clockline.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	GuildDefaults struct {
		Mode     string `yaml:"mode"`
		Timezone string `yaml:"timezone"`
	} `yaml:"guild_defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes an outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// SweepInterval returns the configured sweep tick, defaulting to one minute.
func (c *Config) SweepInterval() time.Duration {
	if c.Sweep.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.GuildDefaults.Mode {
	case "", "self_service", "supervised", "hybrid":
	default:
		return fmt.Errorf("config.guild_defaults.mode must be self_service, supervised or hybrid")
	}
	if tz := c.GuildDefaults.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("config.guild_defaults.timezone: %w", err)
		}
	}
	if c.Sweep.IntervalSeconds < 0 {
		return fmt.Errorf("config.sweep.interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clockline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Listen = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Sweep.IntervalSeconds = 60
	cfg.GuildDefaults.Mode = "self_service"
	cfg.GuildDefaults.Timezone = "UTC"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: ":8080"
  base_path: /v0

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

sweep:
  interval_seconds: 60

guild_defaults:
  mode: self_service
  timezone: UTC

# webhooks:
#   - url: https://example.com/clockline-events
#     events: [session.stopped, guild.cutoff]
`
