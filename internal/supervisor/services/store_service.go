// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package services

import (
	"context"
)

// PatternStore interface matches the pattern store's RunWithContext method.
//
// This interface allows the StoreService to work with the pattern store
// without importing the pattern package, avoiding circular dependencies.
//
// Satisfied by *pattern.Store from internal/pattern/store.go.
type PatternStore interface {
	// RunWithContext runs the store's periodic autosave loop.
	// It returns when the context is canceled.
	RunWithContext(ctx context.Context) error
}

// StoreService wraps the pattern store's autosave loop as a supervised
// service. The loop periodically flushes dirty in-memory patterns down the
// storage tiers; the supervisor restarts it if it crashes.
type StoreService struct {
	store PatternStore
	name  string
}

// NewStoreService creates a new pattern store service wrapper.
func NewStoreService(store PatternStore) *StoreService {
	return &StoreService{
		store: store,
		name:  "pattern-store-autosave",
	}
}

// Serve implements suture.Service. It delegates to store.RunWithContext
// and returns ctx.Err() on normal shutdown.
func (s *StoreService) Serve(ctx context.Context) error {
	return s.store.RunWithContext(ctx)
}

// String implements fmt.Stringer for logging.
// Suture uses this to identify the service in log messages.
func (s *StoreService) String() string {
	return s.name
}
