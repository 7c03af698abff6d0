// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package pattern

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/whalesentry/whalesentry/internal/logging"
	"github.com/whalesentry/whalesentry/internal/metrics"
)

// StoreConfig configures the tiered pattern store.
type StoreConfig struct {
	// BasePath is the root directory for the shard tree, the pattern index
	// and the badger cache.
	BasePath string `json:"base_path" koanf:"base_path"`

	// MemoryCapacity bounds the in-process LRU tier.
	MemoryCapacity int `json:"memory_capacity" koanf:"memory_capacity"`

	// MemoryTTL is the in-process entry TTL. Zero disables expiry.
	MemoryTTL time.Duration `json:"memory_ttl" koanf:"memory_ttl"`

	// CacheTTL is the badger tier entry TTL. Zero keeps entries until
	// overwritten.
	CacheTTL time.Duration `json:"cache_ttl" koanf:"cache_ttl"`

	// Compression selects the disk format: "gzip" or "none".
	Compression string `json:"compression" koanf:"compression"`

	// AutosaveInterval is how often the index and dirty entries are
	// flushed by the autosave loop.
	AutosaveInterval time.Duration `json:"autosave_interval" koanf:"autosave_interval"`
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		BasePath:         "/data/whalesentry",
		MemoryCapacity:   10000,
		MemoryTTL:        30 * time.Minute,
		CacheTTL:         24 * time.Hour,
		Compression:      "gzip",
		AutosaveInterval: 30 * time.Second,
	}
}

// Validate rejects malformed configuration at construction.
func (c StoreConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("store: base_path must not be empty")
	}
	if c.MemoryCapacity <= 0 {
		return fmt.Errorf("store: memory_capacity must be positive, got %d", c.MemoryCapacity)
	}
	switch c.Compression {
	case "gzip", "none":
	default:
		return fmt.Errorf("store: unknown compression %q (want gzip or none)", c.Compression)
	}
	if c.AutosaveInterval <= 0 {
		return fmt.Errorf("store: autosave_interval must be positive")
	}
	return nil
}

// Store is the tiered per-address pattern store: in-process LRU over a
// persistent badger cache over sharded compressed disk files.
//
// Concurrent UpdatePattern calls on the same address are serialized by a
// per-address mutex, so the version bump stays monotonic and no update is
// silently dropped. Cached patterns are immutable snapshots: every read
// hands out a clone and every write caches a clone, so a reader never shares
// mutable state with a concurrent update.
type Store struct {
	cfg StoreConfig

	memory     *memoryTier
	persistent *badgerTier
	disk       *diskTier
	idx        *index
	db         *badger.DB

	locks sync.Map // address -> *sync.Mutex

	// dirty holds addresses whose write-through failed; autosave retries them.
	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// NewStore opens the tiers and loads the index.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.BasePath, "cache")).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	var compressor Compressor = GzipCompressor{}
	if cfg.Compression == "none" {
		compressor = NopCompressor{}
	}

	disk, err := newDiskTier(cfg.BasePath, compressor)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	idx, err := loadIndex(cfg.BasePath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	metrics.PatternsTracked.Set(float64(idx.len()))

	return &Store{
		cfg:        cfg,
		memory:     newMemoryTier(cfg.MemoryCapacity, cfg.MemoryTTL),
		persistent: newBadgerTier(db, cfg.CacheTTL),
		disk:       disk,
		idx:        idx,
		db:         db,
		dirty:      make(map[string]struct{}),
	}, nil
}

// lock returns the mutex guarding one address.
func (s *Store) lock(address string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(address, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetPattern loads the pattern for an address, consulting memory, badger and
// disk in order. A miss everywhere synthesizes an empty pattern and persists
// it. Tier failures degrade to the next tier, never to an error result.
//
// The returned pattern is a private snapshot: cached entries are never handed
// out directly, so a caller mutating its copy cannot race another analysis
// reading the same address.
func (s *Store) GetPattern(ctx context.Context, address string) (*Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p, ok, _ := s.memory.Get(address); ok {
		metrics.TierHits.WithLabelValues("memory").Inc()
		return p.Clone(), nil
	}

	if p, ok, err := s.persistent.Get(address); err != nil {
		metrics.TierErrors.WithLabelValues("badger").Inc()
		logging.Warn().Err(err).Str("address", address).Msg("badger tier read failed")
	} else if ok {
		metrics.TierHits.WithLabelValues("badger").Inc()
		_ = s.memory.Put(address, p)
		return p.Clone(), nil
	}

	if p, ok, err := s.disk.Get(address); err != nil {
		metrics.TierErrors.WithLabelValues("disk").Inc()
		logging.Warn().Err(err).Str("address", address).Msg("disk tier read failed")
	} else if ok {
		metrics.TierHits.WithLabelValues("disk").Inc()
		_ = s.memory.Put(address, p)
		if err := s.persistent.Put(address, p); err != nil {
			logging.Warn().Err(err).Str("address", address).Msg("badger backfill failed")
		}
		return p.Clone(), nil
	}

	// First sight of this address: synthesize and persist an empty baseline.
	p := New(address)
	p.Bump()
	metrics.PatternsSynthesized.Inc()
	if err := s.SavePattern(ctx, address, p); err != nil {
		logging.Warn().Err(err).Str("address", address).Msg("persisting synthesized pattern failed")
	}
	return p, nil
}

// SavePattern writes a pattern through every tier and updates the index.
// Persistence failures are logged and queued for autosave retry; the
// in-memory state is never rolled back. The memory tier caches a clone so
// the caller keeps exclusive ownership of p.
func (s *Store) SavePattern(ctx context.Context, address string, p *Pattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = s.memory.Put(address, p.Clone())

	var failed bool
	if err := s.persistent.Put(address, p); err != nil {
		failed = true
		metrics.TierErrors.WithLabelValues("badger").Inc()
		logging.Error().Err(err).Str("address", address).Msg("badger tier write failed")
	}
	if err := s.disk.Put(address, p); err != nil {
		failed = true
		metrics.TierErrors.WithLabelValues("disk").Inc()
		logging.Error().Err(err).Str("address", address).Msg("disk tier write failed")
	}

	s.idx.update(address, p)
	metrics.PatternsTracked.Set(float64(s.idx.len()))

	if failed {
		s.markDirty(address)
	}
	return nil
}

// UpdatePattern applies a typed mutation to the current pattern under the
// per-address lock, bumps the version and persists write-through.
func (s *Store) UpdatePattern(ctx context.Context, address string, apply func(*Pattern)) error {
	mu := s.lock(address)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.GetPattern(ctx, address)
	if err != nil {
		return err
	}

	apply(p)
	p.Bump()

	return s.SavePattern(ctx, address, p)
}

// GetBatchPatterns returns patterns for many addresses: entries already in
// the memory tier are served immediately, the remainder load concurrently.
func (s *Store) GetBatchPatterns(ctx context.Context, addresses []string) (map[string]*Pattern, error) {
	result := make(map[string]*Pattern, len(addresses))
	var resultMu sync.Mutex

	var missing []string
	for _, addr := range addresses {
		if p, ok, _ := s.memory.Get(addr); ok {
			metrics.TierHits.WithLabelValues("memory").Inc()
			result[addr] = p.Clone()
			continue
		}
		missing = append(missing, addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, addr := range missing {
		g.Go(func() error {
			p, err := s.GetPattern(gctx, addr)
			if err != nil {
				return err
			}
			resultMu.Lock()
			result[addr] = p
			resultMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// IndexEntry returns the persisted metadata for an address.
func (s *Store) IndexEntry(address string) (IndexEntry, bool) {
	return s.idx.get(address)
}

// ClearMemory drops the in-process tier only. Used by the engine's
// clear-caches operation and by round-trip tests.
func (s *Store) ClearMemory() {
	_ = s.memory.Clear()
}

// ClearAll removes every pattern from every tier and empties the index.
// This is the only deletion path; there is no per-address removal.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.memory.Clear(); err != nil {
		return err
	}
	if err := s.persistent.Clear(); err != nil {
		return fmt.Errorf("clear badger tier: %w", err)
	}
	if err := s.disk.Clear(); err != nil {
		return fmt.Errorf("clear disk tier: %w", err)
	}

	s.idx.clear()
	metrics.PatternsTracked.Set(0)
	return s.idx.flush()
}

// markDirty queues an address for autosave retry.
func (s *Store) markDirty(address string) {
	s.dirtyMu.Lock()
	s.dirty[address] = struct{}{}
	s.dirtyMu.Unlock()
}

// takeDirty drains the dirty set.
func (s *Store) takeDirty() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	if len(s.dirty) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(s.dirty))
	for addr := range s.dirty {
		addrs = append(addrs, addr)
	}
	s.dirty = make(map[string]struct{})
	return addrs
}

// Autosave flushes the index and retries any entries whose write-through
// failed. Called from the autosave loop and from Close.
func (s *Store) Autosave(ctx context.Context) {
	for _, addr := range s.takeDirty() {
		p, ok, _ := s.memory.Get(addr)
		if !ok {
			continue // evicted; nothing left to retry with
		}
		if err := s.SavePattern(ctx, addr, p); err != nil {
			logging.Warn().Err(err).Str("address", addr).Msg("autosave retry failed")
		}
	}

	if err := s.idx.flush(); err != nil {
		logging.Error().Err(err).Msg("pattern index flush failed")
	}
}

// RunWithContext runs the periodic autosave loop until the context is
// canceled. Designed for suture supervision.
func (s *Store) RunWithContext(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.AutosaveInterval).
		Msg("pattern store autosave started")

	ticker := time.NewTicker(s.cfg.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Autosave(context.Background())
			return ctx.Err()
		case <-ticker.C:
			s.Autosave(ctx)
		}
	}
}

// Close flushes pending state and closes the badger database.
func (s *Store) Close() error {
	s.Autosave(context.Background())
	return s.db.Close()
}

// MemoryStats exposes the memory tier counters.
func (s *Store) MemoryStats() (hits, misses int64, size int) {
	return s.memory.Stats()
}
