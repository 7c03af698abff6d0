// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

/*
Package services provides suture.Service wrappers for Whalesentry components.

This package adapts application components to the suture v4 supervision model,
translating their lifecycle patterns (RunWithContext, ListenAndServe) into
suture's context-aware Serve pattern.

Each wrapper implements the suture.Service interface:

	type Service interface {
	    Serve(ctx context.Context) error
	}

The wrappers handle graceful shutdown via context cancellation, error
propagation for supervisor restart decisions, and service identification
via fmt.Stringer.

Available services:

  - StoreService wraps the pattern store's autosave loop
  - EngineService wraps the detection engine's maintenance loop
  - MetricsServerService wraps the Prometheus metrics HTTP server
*/
package services
