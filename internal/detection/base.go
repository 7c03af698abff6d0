// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/whalesentry/whalesentry/internal/stats"
)

// baseDetector carries the enabled flag and the anomaly envelope builder
// shared by all detectors.
type baseDetector struct {
	name    string
	enabled bool
	mu      sync.RWMutex
}

func newBaseDetector(name string) baseDetector {
	return baseDetector{name: name, enabled: true}
}

// Name returns the detector name.
func (d *baseDetector) Name() string { return d.name }

// Enabled returns whether this detector is enabled.
func (d *baseDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *baseDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// formatAnomaly builds the standard result envelope. Confidence is clamped
// into [0,1] regardless of the detector-computed raw value; details may be
// any JSON-marshalable payload (a marshal failure drops the payload, never
// the anomaly).
func (d *baseDetector) formatAnomaly(typ AnomalyType, severity Severity, details any, confidence float64, message string) Anomaly {
	var raw json.RawMessage
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			raw = data
		}
	}

	return Anomaly{
		ID:         uuid.NewString(),
		Type:       typ,
		Severity:   severity,
		Confidence: stats.Clamp(confidence, 0, 1),
		Details:    raw,
		Message:    message,
		DetectedBy: d.name,
		Timestamp:  time.Now().UTC(),
	}
}
