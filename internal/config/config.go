// Package config loads the broadcaster's YAML configuration. Every field has
// a production default; a config file only overrides what it names, and
// ${VAR} references are expanded from the environment before parsing.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/gateway"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/reply"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/session"
)

// Config is the root configuration.
type Config struct {
	Server   gateway.Config `yaml:"server"`
	AuthDir  string         `yaml:"auth_dir"`
	Log      LogConfig      `yaml:"log"`
	Sessions session.Config `yaml:"sessions"`
	Reply    reply.Config   `yaml:"reply"`
	Eviction EvictionConfig `yaml:"eviction"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// EvictionConfig controls the idle session sweep.
type EvictionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression; the default sweeps hourly.
	Schedule string `yaml:"schedule"`

	// MaxIdleMinutes is how long a disconnected session may sit unused
	// before its state is removed.
	MaxIdleMinutes int `yaml:"max_idle_minutes"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Server:   gateway.DefaultConfig(),
		AuthDir:  "auth",
		Log:      LogConfig{Level: "info"},
		Sessions: session.DefaultConfig(),
		Reply:    reply.DefaultConfig(),
		Eviction: EvictionConfig{
			Enabled:        true,
			Schedule:       "@every 1h",
			MaxIdleMinutes: 24 * 60,
		},
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the whole tree for errors.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if c.AuthDir == "" {
		return fmt.Errorf("auth_dir is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	if err := c.Sessions.Validate(); err != nil {
		return err
	}
	if c.Eviction.Enabled {
		if c.Eviction.Schedule == "" {
			return fmt.Errorf("eviction: schedule is required")
		}
		if c.Eviction.MaxIdleMinutes <= 0 {
			return fmt.Errorf("eviction: max_idle_minutes must be positive")
		}
	}
	return nil
}
