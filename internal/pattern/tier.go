// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/whalesentry/whalesentry/internal/cache"
)

// Tier is one level of the pattern storage hierarchy. Tiers are consulted
// in order (memory, badger, disk); a miss at one tier falls through to the
// next and hits are backfilled upward by the store.
type Tier interface {
	// Name identifies the tier in logs and metrics.
	Name() string

	// Get returns the pattern for an address, or ok=false on a miss.
	Get(address string) (p *Pattern, ok bool, err error)

	// Put stores the pattern for an address.
	Put(address string, p *Pattern) error

	// Clear removes every pattern in the tier.
	Clear() error

	// Close releases tier resources.
	Close() error
}

// memoryTier is the in-process LRU tier.
type memoryTier struct {
	lru *cache.LRU[*Pattern]
}

func newMemoryTier(capacity int, ttl time.Duration) *memoryTier {
	return &memoryTier{lru: cache.NewLRU[*Pattern](capacity, ttl)}
}

func (t *memoryTier) Name() string { return "memory" }

func (t *memoryTier) Get(address string) (*Pattern, bool, error) {
	p, ok := t.lru.Get(address)
	return p, ok, nil
}

func (t *memoryTier) Put(address string, p *Pattern) error {
	t.lru.Add(address, p)
	return nil
}

func (t *memoryTier) Clear() error {
	t.lru.Clear()
	return nil
}

func (t *memoryTier) Close() error { return nil }

// Stats exposes the underlying LRU counters for engine statistics.
func (t *memoryTier) Stats() (hits, misses int64, size int) {
	return t.lru.Stats()
}

// badgerKeyPrefix namespaces pattern records inside the badger keyspace.
const badgerKeyPrefix = "pattern:"

// badgerTier is the persistent middle cache tier backed by BadgerDB.
type badgerTier struct {
	db  *badger.DB
	ttl time.Duration
}

func newBadgerTier(db *badger.DB, ttl time.Duration) *badgerTier {
	return &badgerTier{db: db, ttl: ttl}
}

func (t *badgerTier) Name() string { return "badger" }

func (t *badgerTier) Get(address string) (*Pattern, bool, error) {
	var p Pattern

	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + address))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", address, err)
	}

	return &p, true, nil
}

func (t *badgerTier) Put(address string, p *Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern %s: %w", address, err)
	}

	return t.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(badgerKeyPrefix+address), data)
		if t.ttl > 0 {
			e = e.WithTTL(t.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (t *badgerTier) Clear() error {
	return t.db.DropPrefix([]byte(badgerKeyPrefix))
}

func (t *badgerTier) Close() error { return nil } // db lifetime is owned by the store
