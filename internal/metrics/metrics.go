// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

// Package metrics provides Prometheus instrumentation for the anomaly
// engine and the pattern store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics

	AnalysesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whalesentry_analyses_total",
			Help: "Total number of activity analyses performed",
		},
	)

	AnalysisErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whalesentry_analysis_errors_total",
			Help: "Total number of analyses that failed internally",
		},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whalesentry_analysis_duration_seconds",
			Help:    "Duration of a full five-detector analysis",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalesentry_anomalies_total",
			Help: "Total anomalies detected, by type and severity",
		},
		[]string{"type", "severity"},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalesentry_detector_errors_total",
			Help: "Total isolated detector failures, by detector",
		},
		[]string{"detector"},
	)

	ResultCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whalesentry_result_cache_hits_total",
			Help: "Total analysis result cache hits",
		},
	)

	FalsePositives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whalesentry_false_positives_total",
			Help: "Total operator-reported false positives",
		},
	)

	// Pattern store metrics

	TierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalesentry_pattern_tier_hits_total",
			Help: "Pattern lookups served, by storage tier",
		},
		[]string{"tier"},
	)

	TierErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whalesentry_pattern_tier_errors_total",
			Help: "Pattern tier read/write failures, by tier",
		},
		[]string{"tier"},
	)

	PatternsSynthesized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whalesentry_patterns_synthesized_total",
			Help: "Empty patterns synthesized on first lookup",
		},
	)

	PatternsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whalesentry_patterns_tracked",
			Help: "Number of addresses present in the pattern index",
		},
	)
)
