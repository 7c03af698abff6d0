// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package services

import (
	"context"
)

// AnalysisEngine interface matches the detection engine's RunWithContext
// method.
//
// This interface allows the EngineService to work with the detection engine
// without importing the detection package, avoiding circular dependencies.
//
// Satisfied by *detection.Engine from internal/detection/engine.go.
type AnalysisEngine interface {
	// RunWithContext runs the engine's background maintenance loop.
	// It returns when the context is canceled.
	RunWithContext(ctx context.Context) error
}

// EngineService wraps the detection engine's maintenance loop as a supervised
// service. The loop evicts expired result-cache entries so repeated analyses
// of the same transfer stay cheap without the cache growing unbounded.
type EngineService struct {
	engine AnalysisEngine
	name   string
}

// NewEngineService creates a new detection engine service wrapper.
func NewEngineService(engine AnalysisEngine) *EngineService {
	return &EngineService{
		engine: engine,
		name:   "detection-engine",
	}
}

// Serve implements suture.Service. It delegates to engine.RunWithContext
// and returns ctx.Err() on normal shutdown.
func (e *EngineService) Serve(ctx context.Context) error {
	return e.engine.RunWithContext(ctx)
}

// String implements fmt.Stringer for logging.
// Suture uses this to identify the service in log messages.
func (e *EngineService) String() string {
	return e.name
}
