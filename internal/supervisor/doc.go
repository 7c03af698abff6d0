// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

/*
Package supervisor provides process supervision for Whalesentry using suture v4.

This package implements a hierarchical supervisor tree that manages the lifecycle
of all long-running services in the process. It provides Erlang/OTP-style
supervision with automatic restart, failure isolation, and graceful shutdown.

# Overview

The supervisor tree organizes services into three layers for failure isolation:

	RootSupervisor ("whalesentry")
	├── StorageSupervisor ("storage-layer")
	│   └── StoreService (pattern store autosave loop)
	├── EngineSupervisor ("engine-layer")
	│   └── EngineService (detection engine maintenance loop)
	└── TelemetrySupervisor ("telemetry-layer")
	    └── MetricsServerService (Prometheus HTTP endpoint, if enabled)

This hierarchy ensures that a crash in the telemetry endpoint never interrupts
pattern persistence, and a storage hiccup never takes down the metrics server.

Supervisor events (service failures, restarts, backoff) are logged through
sutureslog, which bridges into the process-wide zerolog pipeline via
logging.NewSlogLogger.
*/
package supervisor
