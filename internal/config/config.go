// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

// Package config loads and validates the Whalesentry configuration from
// layered sources: built-in defaults, an optional YAML file and environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"

	"github.com/whalesentry/whalesentry/internal/detection"
	"github.com/whalesentry/whalesentry/internal/logging"
	"github.com/whalesentry/whalesentry/internal/pattern"
)

// Config is the full Whalesentry configuration tree.
type Config struct {
	Engine  detection.EngineConfig `koanf:"engine"`
	Store   pattern.StoreConfig    `koanf:"store"`
	Logging LoggingConfig          `koanf:"logging"`
	Metrics MetricsConfig          `koanf:"metrics"`
}

// LoggingConfig configures the global logger. It mirrors logging.Config
// without the output writer, which is not configurable from files.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is the output format: json or console.
	Format string `koanf:"format"`

	// Caller includes caller file and line number in logs.
	Caller bool `koanf:"caller"`
}

// ToLogging converts to the logging package's configuration.
func (c LoggingConfig) ToLogging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Level
	cfg.Format = c.Format
	cfg.Caller = c.Caller
	return cfg
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	// Enabled controls whether the /metrics listener is started.
	Enabled bool `koanf:"enabled"`

	// ListenAddr is the host:port the metrics server binds to.
	ListenAddr string `koanf:"listen_addr"`
}

// defaultConfig returns a Config with all sensible default values. These are
// applied first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Engine: detection.DefaultEngineConfig(),
		Store:  pattern.DefaultStoreConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9107",
		},
	}
}

// Validate rejects a malformed configuration tree. Validation is fail-fast:
// a bad configuration never reaches the engine or the store.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics: listen_addr must be set when metrics are enabled")
	}
	return nil
}
