// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package pattern

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// shardLen is the length of the address prefix used as a shard directory
// name, bounding per-directory fan-out.
const shardLen = 6

// Compressor is the pluggable compression strategy for the disk tier.
type Compressor interface {
	// Ext is the filename suffix appended after ".json" ("" or ".gz").
	Ext() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NopCompressor stores records uncompressed.
type NopCompressor struct{}

func (NopCompressor) Ext() string                            { return "" }
func (NopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// GzipCompressor stores records gzip-compressed.
type GzipCompressor struct{}

func (GzipCompressor) Ext() string { return ".gz" }

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// diskTier persists patterns as sharded files under
// <basePath>/patterns/<first 6 chars of address>/<address>.json[.gz].
type diskTier struct {
	basePath   string
	compressor Compressor
}

func newDiskTier(basePath string, compressor Compressor) (*diskTier, error) {
	if compressor == nil {
		compressor = NopCompressor{}
	}
	root := filepath.Join(basePath, "patterns")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create pattern dir: %w", err)
	}
	return &diskTier{basePath: basePath, compressor: compressor}, nil
}

func (t *diskTier) Name() string { return "disk" }

// path returns the sharded file path for an address with the tier's own
// extension; shard is the address prefix (whole address when shorter).
func (t *diskTier) path(address string) string {
	shard := address
	if len(shard) > shardLen {
		shard = shard[:shardLen]
	}
	return filepath.Join(t.basePath, "patterns", shard, address+".json"+t.compressor.Ext())
}

// candidatePaths lists the file paths to probe on read, covering records
// written under a different compression setting.
func (t *diskTier) candidatePaths(address string) []string {
	shard := address
	if len(shard) > shardLen {
		shard = shard[:shardLen]
	}
	dir := filepath.Join(t.basePath, "patterns", shard)
	return []string{
		filepath.Join(dir, address+".json"+t.compressor.Ext()),
		filepath.Join(dir, address+".json"),
		filepath.Join(dir, address+".json.gz"),
	}
}

func (t *diskTier) Get(address string) (*Pattern, bool, error) {
	for _, path := range t.candidatePaths(address) {
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read pattern file: %w", err)
		}

		data := raw
		if filepath.Ext(path) == ".gz" {
			if data, err = (GzipCompressor{}).Decompress(raw); err != nil {
				return nil, false, fmt.Errorf("decompress pattern %s: %w", address, err)
			}
		}

		var p Pattern
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, false, fmt.Errorf("decode pattern %s: %w", address, err)
		}
		return &p, true, nil
	}
	return nil, false, nil
}

func (t *diskTier) Put(address string, p *Pattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern %s: %w", address, err)
	}
	if data, err = t.compressor.Compress(data); err != nil {
		return fmt.Errorf("compress pattern %s: %w", address, err)
	}

	path := t.path(address)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	// Write-then-rename keeps readers from observing partial records.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pattern file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename pattern file: %w", err)
	}
	return nil
}

func (t *diskTier) Clear() error {
	root := filepath.Join(t.basePath, "patterns")
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clear pattern dir: %w", err)
	}
	return os.MkdirAll(root, 0o755)
}

func (t *diskTier) Close() error { return nil }
