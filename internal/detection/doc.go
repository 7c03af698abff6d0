// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

// Package detection implements the anomaly detection engine: the detector
// contract, the five concrete detectors (statistical, behavioral, velocity,
// network, temporal), risk fusion with correlation bonuses, and the
// continuous learning loop against the pattern store.
//
// Detectors are read-only over a shared Context; the engine fans out to all
// five concurrently, joins their output, fuses surviving anomalies into a
// RiskAssessment and then applies the learning update. A detector that cannot
// decide returns an empty slice, which is not an error. Detector panics and
// errors are isolated at the engine boundary and never abort an analysis.
package detection
