// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whalesentry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Engine.Enabled {
		t.Error("engine must be enabled by default")
	}
	if cfg.Engine.MinConfidence != 0.3 {
		t.Errorf("MinConfidence = %v, want 0.3", cfg.Engine.MinConfidence)
	}
	if cfg.Store.Compression != "gzip" {
		t.Errorf("Compression = %q, want gzip", cfg.Store.Compression)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddr == "" {
		t.Errorf("metrics defaults = %+v", cfg.Metrics)
	}
	if sum := cfg.Engine.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		t.Errorf("default weights sum = %v, want 1", sum)
	}
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  min_confidence: 0.5
  result_cache_ttl: 2m
  known_exchanges:
    - "0xbinance"
    - "0xkraken"
store:
  base_path: /var/lib/whalesentry
  compression: none
logging:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Engine.MinConfidence != 0.5 {
		t.Errorf("MinConfidence = %v, want 0.5", cfg.Engine.MinConfidence)
	}
	if cfg.Engine.ResultCacheTTL != 2*time.Minute {
		t.Errorf("ResultCacheTTL = %v, want 2m", cfg.Engine.ResultCacheTTL)
	}
	if len(cfg.Engine.KnownExchanges) != 2 || cfg.Engine.KnownExchanges[0] != "0xbinance" {
		t.Errorf("KnownExchanges = %v", cfg.Engine.KnownExchanges)
	}
	if cfg.Store.BasePath != "/var/lib/whalesentry" {
		t.Errorf("BasePath = %q", cfg.Store.BasePath)
	}
	if cfg.Store.Compression != "none" {
		t.Errorf("Compression = %q, want none", cfg.Store.Compression)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Store.MemoryCapacity != 10000 {
		t.Errorf("MemoryCapacity = %d, want default 10000", cfg.Store.MemoryCapacity)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, `
store:
  compression: none
`)
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("WHALESENTRY_STORE_COMPRESSION", "gzip")
	t.Setenv("WHALESENTRY_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Compression != "gzip" {
		t.Errorf("Compression = %q, env must beat file", cfg.Store.Compression)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_EnvSliceSplitting(t *testing.T) {
	t.Setenv("WHALESENTRY_ENGINE_KNOWN_EXCHANGES", "0xbinance, 0xkraken ,0xcoinbase")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"0xbinance", "0xkraken", "0xcoinbase"}
	if len(cfg.Engine.KnownExchanges) != len(want) {
		t.Fatalf("KnownExchanges = %v, want %v", cfg.Engine.KnownExchanges, want)
	}
	for i, w := range want {
		if cfg.Engine.KnownExchanges[i] != w {
			t.Errorf("KnownExchanges[%d] = %q, want %q", i, cfg.Engine.KnownExchanges[i], w)
		}
	}
}

func TestLoad_UnmappedEnvIgnored(t *testing.T) {
	t.Setenv("WHALESENTRY_NO_SUCH_SETTING", "boom")

	if _, err := Load(); err != nil {
		t.Fatalf("Load with unmapped env var: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad compression", "store:\n  compression: zstd\n"},
		{"bad weight", "engine:\n  weights:\n    network: 3\n"},
		{"inverted thresholds", "engine:\n  risk_thresholds:\n    high: 0.2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.yaml)
			if _, err := LoadFile(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	cfg = defaultConfig()
	cfg.Metrics.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for enabled metrics without listen_addr")
	}

	cfg = defaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Metrics.ListenAddr = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled metrics may omit listen_addr: %v", err)
	}
}

func TestLoggingConfig_ToLogging(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "console", Caller: true}
	got := lc.ToLogging()
	if got.Level != "debug" || got.Format != "console" || !got.Caller {
		t.Errorf("ToLogging = %+v", got)
	}
	if got.Output == nil {
		t.Error("ToLogging must keep the default output writer")
	}
}
