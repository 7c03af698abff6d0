// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// indexFileName is the single metadata index kept beside the shard tree.
const indexFileName = "pattern-index.json"

// IndexEntry is the per-address metadata kept in the pattern index.
type IndexEntry struct {
	LastUpdated time.Time `json:"last_updated"`
	Version     uint64    `json:"version"`
	DataPoints  uint64    `json:"data_points"`
}

// index maps addresses to metadata and persists as one JSON file.
// It is loaded once at startup and flushed by autosave and on close.
type index struct {
	mu      sync.RWMutex
	path    string
	entries map[string]IndexEntry
	dirty   bool
}

func loadIndex(basePath string) (*index, error) {
	idx := &index{
		path:    filepath.Join(basePath, indexFileName),
		entries: make(map[string]IndexEntry),
	}

	raw, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern index: %w", err)
	}
	if err := json.Unmarshal(raw, &idx.entries); err != nil {
		return nil, fmt.Errorf("decode pattern index: %w", err)
	}
	return idx, nil
}

// update records metadata for an address and marks the index dirty.
func (idx *index) update(address string, p *Pattern) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries[address] = IndexEntry{
		LastUpdated: p.Learning.LastUpdated,
		Version:     p.Learning.Version,
		DataPoints:  p.Learning.DataPoints,
	}
	idx.dirty = true
}

// get returns the metadata for an address.
func (idx *index) get(address string) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[address]
	return e, ok
}

// len returns the number of indexed addresses.
func (idx *index) len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// clear drops all entries and marks the index dirty.
func (idx *index) clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]IndexEntry)
	idx.dirty = true
}

// flush writes the index to disk if it changed since the last flush.
func (idx *index) flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.dirty {
		return nil
	}

	data, err := json.Marshal(idx.entries)
	if err != nil {
		return fmt.Errorf("marshal pattern index: %w", err)
	}

	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pattern index: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("rename pattern index: %w", err)
	}

	idx.dirty = false
	return nil
}
