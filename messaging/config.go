// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides for the two wire-level tunables.
const (
	EnvMaxFrameSize = "AmqpMaxFrameSize"
	EnvIdleTimeout  = "AmqpIdleTimeout"

	DefaultMaxFrameSize uint32 = 131072
	DefaultIdleTimeout         = 10 * time.Second
)

// Config holds the per-connection configuration of a peer link.
type Config struct {
	// ServerMode selects the listening role: the connection and session
	// are opened in response to the peer rather than at construction.
	ServerMode bool `yaml:"server_mode"`

	LocalLegalName  string `yaml:"local_legal_name"`
	RemoteLegalName string `yaml:"remote_legal_name"`

	// Username selects SASL PLAIN when non-empty, ANONYMOUS otherwise.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxFrameSize uint32        `yaml:"max_frame_size"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults, applying the
// AmqpMaxFrameSize and AmqpIdleTimeout environment overrides.
func Default() *Config {
	return &Config{
		MaxFrameSize: maxFrameSizeFromEnv(),
		IdleTimeout:  idleTimeoutFromEnv(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.LocalLegalName == "" {
		return fmt.Errorf("local_legal_name cannot be empty")
	}
	if c.MaxFrameSize < 512 {
		return fmt.Errorf("max_frame_size must be at least the AMQP minimum of 512")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative")
	}
	if c.Password != "" && c.Username == "" {
		return fmt.Errorf("username required when a password is set")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}
	return nil
}

func maxFrameSizeFromEnv() uint32 {
	if v := os.Getenv(EnvMaxFrameSize); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			return uint32(n)
		}
	}
	return DefaultMaxFrameSize
}

func idleTimeoutFromEnv() time.Duration {
	if v := os.Getenv(EnvIdleTimeout); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultIdleTimeout
}
