// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

// Package main is the entry point for the Whalesentry daemon.
//
// Whalesentry is a self-hosted anomaly detection engine for large
// blockchain address ("whale") activity. It runs five specialized detectors
// over incoming transfer events, fuses their findings into a single risk
// assessment, and continuously learns per-address behavioral baselines.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: Load settings from config file and environment (Koanf v2)
//  2. Pattern store: tiered storage (memory LRU, BadgerDB, compressed disk shards)
//  3. Detection engine: statistical, behavioral, velocity, network, and
//     temporal detectors plus the risk fusion layer
//  4. Supervisor tree: suture v4 supervision of all background loops
//  5. Metrics endpoint: Prometheus scrape target (optional)
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (WHALESENTRY_* prefix)
//   - Config file (whalesentry.yaml, or WHALESENTRY_CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops the metrics listener
//   - Flushes dirty patterns through the storage tiers
//   - Closes the BadgerDB warm tier
//
// # Example Usage
//
// Development with console logs:
//
//	export WHALESENTRY_LOG_FORMAT=console
//	export WHALESENTRY_STORE_BASE_PATH=/tmp/whalesentry
//	./whalesentryd
//
// Production with a config file:
//
//	export WHALESENTRY_CONFIG_PATH=/etc/whalesentry/whalesentry.yaml
//	./whalesentryd
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whalesentry/whalesentry/internal/config"
	"github.com/whalesentry/whalesentry/internal/detection"
	"github.com/whalesentry/whalesentry/internal/logging"
	"github.com/whalesentry/whalesentry/internal/pattern"
	"github.com/whalesentry/whalesentry/internal/supervisor"
	"github.com/whalesentry/whalesentry/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize zerolog with configuration
	logging.Init(cfg.Logging.ToLogging())

	logging.Info().Msg("Starting Whalesentry with supervisor tree")
	logging.Info().
		Str("store_path", cfg.Store.BasePath).
		Int("memory_capacity", cfg.Store.MemoryCapacity).
		Bool("learning_enabled", cfg.Engine.LearningEnabled).
		Bool("metrics_enabled", cfg.Metrics.Enabled).
		Msg("Configuration loaded")

	// Initialize the tiered pattern store
	store, err := pattern.NewStore(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize pattern store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing pattern store")
		}
	}()
	logging.Info().Msg("Pattern store initialized successfully")

	// Create the detection engine over the pattern store
	engine, err := detection.NewEngine(cfg.Engine, store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize detection engine")
	}
	logging.Info().
		Float64("min_confidence", cfg.Engine.MinConfidence).
		Int("max_anomalies", cfg.Engine.MaxAnomaliesPerAddress).
		Msg("Detection engine initialized")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create structured logger for supervisor using our slog adapter.
	// This bridges zerolog to slog for sutureslog compatibility.
	slogLogger := logging.NewSlogLogger()

	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	// === ADD SERVICES TO SUPERVISOR TREE ===

	tree.AddStorageService(services.NewStoreService(store))
	tree.AddEngineService(services.NewEngineService(engine))
	logging.Info().Msg("Pattern store and detection engine added to supervisor tree")

	if cfg.Metrics.Enabled {
		metricsServer := services.NewMetricsServer(cfg.Metrics.ListenAddr)
		tree.AddTelemetryService(services.NewMetricsServerService(metricsServer, 10*time.Second))
		logging.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("Metrics server service added")
	} else {
		logging.Info().Msg("Metrics endpoint disabled (WHALESENTRY_METRICS_ENABLED=false)")
	}

	// === START SUPERVISOR TREE ===

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	// Wait for supervisor to finish (either from signal or error)
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Whalesentry stopped gracefully")
}
