// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package pattern

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultStoreConfig()
	cfg.BasePath = t.TempDir()
	cfg.AutosaveInterval = time.Hour // tests flush explicitly

	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestStore_SynthesizesOnFirstLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetPattern(ctx, "0xwhale1")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if p.Address != "0xwhale1" {
		t.Errorf("Address = %s, want 0xwhale1", p.Address)
	}
	if p.Learning.Version == 0 {
		t.Error("synthesized pattern must be persisted with a bumped version")
	}

	// The synthesized pattern is persisted: it survives a memory clear.
	s.ClearMemory()
	p2, err := s.GetPattern(ctx, "0xwhale1")
	if err != nil {
		t.Fatalf("GetPattern after clear: %v", err)
	}
	if p2.Learning.Version != p.Learning.Version {
		t.Errorf("version after reload = %d, want %d", p2.Learning.Version, p.Learning.Version)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := New("0xwhale2")
	p.UpdateStatistical(1234.5)
	p.RecordAnomaly(AnomalyRecord{Type: "AMOUNT_OUTLIER", Severity: "HIGH", Confidence: 0.9, Timestamp: time.Now()})
	p.Learning.DataPoints = 42
	p.Bump()

	if err := s.SavePattern(ctx, "0xwhale2", p); err != nil {
		t.Fatalf("SavePattern: %v", err)
	}

	// Clear the in-memory tier so the read goes through persistence.
	s.ClearMemory()

	got, err := s.GetPattern(ctx, "0xwhale2")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if got.Learning.DataPoints != 42 {
		t.Errorf("DataPoints = %d, want 42", got.Learning.DataPoints)
	}
	if got.Learning.Version != p.Learning.Version {
		t.Errorf("Version = %d, want %d", got.Learning.Version, p.Learning.Version)
	}
	if len(got.Statistical.Amounts.History) != 1 || got.Statistical.Amounts.History[0] != 1234.5 {
		t.Errorf("amount history not round-tripped: %v", got.Statistical.Amounts.History)
	}
	if len(got.AnomalyHistory) != 1 || got.AnomalyHistory[0].Type != "AMOUNT_OUTLIER" {
		t.Errorf("anomaly history not round-tripped: %+v", got.AnomalyHistory)
	}
}

func TestStore_DiskShardLayout(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BasePath = t.TempDir()

	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	addr := "0xdeadbeefcafe"
	if _, err := s.GetPattern(ctx, addr); err != nil {
		t.Fatalf("GetPattern: %v", err)
	}

	// Shard dir is the first six characters of the address.
	want := filepath.Join(cfg.BasePath, "patterns", "0xdead", addr+".json.gz")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected shard file at %s: %v", want, err)
	}
}

func TestStore_UncompressedLayout(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BasePath = t.TempDir()
	cfg.Compression = "none"

	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	addr := "0xplainrecord"
	if _, err := s.GetPattern(context.Background(), addr); err != nil {
		t.Fatalf("GetPattern: %v", err)
	}

	want := filepath.Join(cfg.BasePath, "patterns", "0xplai", addr+".json")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected uncompressed file at %s: %v", want, err)
	}
}

func TestStore_UpdatePattern_VersionMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base, err := s.GetPattern(ctx, "0xwhale3")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	startVersion := base.Learning.Version

	for i := 0; i < 3; i++ {
		err := s.UpdatePattern(ctx, "0xwhale3", func(p *Pattern) {
			p.UpdateStatistical(float64(100 * (i + 1)))
			p.IncrementDataPoints()
		})
		if err != nil {
			t.Fatalf("UpdatePattern: %v", err)
		}
	}

	got, err := s.GetPattern(ctx, "0xwhale3")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if got.Learning.Version != startVersion+3 {
		t.Errorf("Version = %d, want %d", got.Learning.Version, startVersion+3)
	}
	if got.Learning.DataPoints != 3 {
		t.Errorf("DataPoints = %d, want 3", got.Learning.DataPoints)
	}
}

func TestStore_ConcurrentUpdatesSameAddress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	const updatesEach = 5

	done := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < updatesEach; i++ {
				err := s.UpdatePattern(ctx, "0xcontended", func(p *Pattern) {
					p.IncrementDataPoints()
				})
				if err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < workers; w++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}

	got, err := s.GetPattern(ctx, "0xcontended")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	// Per-address locking means no update is lost.
	if got.Learning.DataPoints != workers*updatesEach {
		t.Errorf("DataPoints = %d, want %d", got.Learning.DataPoints, workers*updatesEach)
	}
}

func TestStore_GetBatchPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addrs := []string{"0xbatch1", "0xbatch2", "0xbatch3"}
	// Warm one entry so the batch mixes cached and loaded paths.
	if _, err := s.GetPattern(ctx, addrs[0]); err != nil {
		t.Fatalf("GetPattern: %v", err)
	}

	got, err := s.GetBatchPatterns(ctx, addrs)
	if err != nil {
		t.Fatalf("GetBatchPatterns: %v", err)
	}
	if len(got) != len(addrs) {
		t.Fatalf("batch returned %d patterns, want %d", len(got), len(addrs))
	}
	for _, addr := range addrs {
		if got[addr] == nil || got[addr].Address != addr {
			t.Errorf("missing or wrong pattern for %s", addr)
		}
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetPattern(ctx, "0xgone"); err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if err := s.UpdatePattern(ctx, "0xgone", func(p *Pattern) { p.IncrementDataPoints() }); err != nil {
		t.Fatalf("UpdatePattern: %v", err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	// A subsequent lookup synthesizes a fresh baseline.
	p, err := s.GetPattern(ctx, "0xgone")
	if err != nil {
		t.Fatalf("GetPattern after ClearAll: %v", err)
	}
	if p.Learning.DataPoints != 0 {
		t.Errorf("DataPoints = %d after ClearAll, want 0", p.Learning.DataPoints)
	}
}

func TestStore_IndexPersistsAcrossReopen(t *testing.T) {
	basePath := t.TempDir()
	cfg := DefaultStoreConfig()
	cfg.BasePath = basePath

	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx := context.Background()
	if err := s.UpdatePattern(ctx, "0xindexed", func(p *Pattern) { p.IncrementDataPoints() }); err != nil {
		t.Fatalf("UpdatePattern: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	entry, ok := s2.IndexEntry("0xindexed")
	if !ok {
		t.Fatal("index entry lost across reopen")
	}
	if entry.DataPoints != 1 {
		t.Errorf("index DataPoints = %d, want 1", entry.DataPoints)
	}
}

func TestStoreConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StoreConfig)
		wantErr bool
	}{
		{"defaults", func(c *StoreConfig) { c.BasePath = "/tmp/x" }, false},
		{"empty base path", func(c *StoreConfig) { c.BasePath = "" }, true},
		{"zero capacity", func(c *StoreConfig) { c.MemoryCapacity = 0 }, true},
		{"bad compression", func(c *StoreConfig) { c.Compression = "zstd" }, true},
		{"zero autosave", func(c *StoreConfig) { c.AutosaveInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultStoreConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStore_ReturnedPatternsAreSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := New("0xwhale")
	seed.UpdateStatistical(100)
	if err := s.SavePattern(ctx, "0xwhale", seed); err != nil {
		t.Fatalf("SavePattern: %v", err)
	}

	first, err := s.GetPattern(ctx, "0xwhale")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	second, err := s.GetPattern(ctx, "0xwhale")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if first == second {
		t.Fatal("two reads returned the same pointer; cached patterns must not be shared")
	}

	// The caller retaining and mutating the seed or a read result must not
	// corrupt the cached entry.
	seed.UpdateStatistical(999)
	first.UpdateStatistical(888)
	first.RecordVelocitySample("hour", 42)

	clean, err := s.GetPattern(ctx, "0xwhale")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if len(clean.Statistical.Amounts.History) != 1 || clean.Statistical.Amounts.History[0] != 100 {
		t.Errorf("cached history = %v, want the persisted [100]", clean.Statistical.Amounts.History)
	}
	if len(clean.Velocity.RateSamples["hour"]) != 0 {
		t.Errorf("cached rate samples = %v, want none", clean.Velocity.RateSamples["hour"])
	}

	// A snapshot taken before an update keeps its state.
	before, err := s.GetPattern(ctx, "0xwhale")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if err := s.UpdatePattern(ctx, "0xwhale", func(p *Pattern) {
		p.UpdateStatistical(777)
	}); err != nil {
		t.Fatalf("UpdatePattern: %v", err)
	}
	if len(before.Statistical.Amounts.History) != 1 {
		t.Errorf("pre-update snapshot history = %v, want unchanged [100]", before.Statistical.Amounts.History)
	}
	after, err := s.GetPattern(ctx, "0xwhale")
	if err != nil {
		t.Fatalf("GetPattern: %v", err)
	}
	if len(after.Statistical.Amounts.History) != 2 {
		t.Errorf("post-update history = %v, want two entries", after.Statistical.Amounts.History)
	}
}
