// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"whalesentry.yaml",
	"whalesentry.yml",
	"/etc/whalesentry/whalesentry.yaml",
	"/etc/whalesentry/whalesentry.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "WHALESENTRY_CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile builds the configuration with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables take the highest priority:
	// WHALESENTRY_STORE_BASE_PATH -> store.base_path
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "" when none is
// found. The env override is checked first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are the paths parsed as comma-separated slices when they
// arrive as strings from environment variables.
var sliceConfigPaths = []string{
	"engine.known_exchanges",
}

// processSliceFields converts comma-separated string values to slices for the
// known slice fields. Values already parsed as slices (from YAML) pass through.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps WHALESENTRY_* environment variable names to koanf
// config paths. Unmapped variables are dropped so unrelated environment noise
// never leaks into the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		// Engine
		"whalesentry_engine_enabled":                 "engine.enabled",
		"whalesentry_engine_update_patterns_enabled": "engine.update_patterns_enabled",
		"whalesentry_engine_learning_enabled":        "engine.learning_enabled",
		"whalesentry_engine_min_confidence":          "engine.min_confidence",
		"whalesentry_engine_max_anomalies":           "engine.max_anomalies_per_address",
		"whalesentry_engine_correlation_window":      "engine.correlation_window",
		"whalesentry_engine_pattern_update_threshold": "engine.pattern_update_threshold",
		"whalesentry_engine_min_data_points":          "engine.min_data_points_for_update",
		"whalesentry_engine_concurrent_detections":    "engine.concurrent_detections",
		"whalesentry_engine_cache_results":            "engine.cache_results",
		"whalesentry_engine_result_cache_ttl":         "engine.result_cache_ttl",
		"whalesentry_engine_known_exchanges":          "engine.known_exchanges",
		"whalesentry_engine_weight_statistical":       "engine.weights.statistical",
		"whalesentry_engine_weight_behavioral":        "engine.weights.behavioral",
		"whalesentry_engine_weight_velocity":          "engine.weights.velocity",
		"whalesentry_engine_weight_network":           "engine.weights.network",
		"whalesentry_engine_weight_temporal":          "engine.weights.temporal",
		"whalesentry_engine_threshold_low":            "engine.risk_thresholds.low",
		"whalesentry_engine_threshold_medium":         "engine.risk_thresholds.medium",
		"whalesentry_engine_threshold_high":           "engine.risk_thresholds.high",
		"whalesentry_engine_threshold_critical":       "engine.risk_thresholds.critical",

		// Pattern store
		"whalesentry_store_base_path":         "store.base_path",
		"whalesentry_store_memory_capacity":   "store.memory_capacity",
		"whalesentry_store_memory_ttl":        "store.memory_ttl",
		"whalesentry_store_cache_ttl":         "store.cache_ttl",
		"whalesentry_store_compression":       "store.compression",
		"whalesentry_store_autosave_interval": "store.autosave_interval",

		// Logging
		"whalesentry_log_level":  "logging.level",
		"whalesentry_log_format": "logging.format",
		"whalesentry_log_caller": "logging.caller",

		// Metrics
		"whalesentry_metrics_enabled":     "metrics.enabled",
		"whalesentry_metrics_listen_addr": "metrics.listen_addr",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return "" // drop unmapped keys
}
