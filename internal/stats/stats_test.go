// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package stats

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMean(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5}, 5},
		{"several", []float64{1, 2, 3, 4}, 2.5},
		{"negative", []float64{-2, 2}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mean(tt.values); !almostEqual(got, tt.want) {
				t.Errorf("Mean(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestStdDev(t *testing.T) {
	if got := StdDev([]float64{5}); got != 0 {
		t.Errorf("StdDev of one sample = %v, want 0", got)
	}
	// Population stddev of {2,4,4,4,5,5,7,9} is exactly 2.
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !almostEqual(got, 2) {
		t.Errorf("StdDev = %v, want 2", got)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"odd", []float64{3, 1, 2}, 2},
		{"even", []float64{4, 1, 3, 2}, 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Median(tt.values); !almostEqual(got, tt.want) {
				t.Errorf("Median(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestZScore(t *testing.T) {
	// A value at the mean has z-score 0 for any positive stddev.
	if got := ZScore(10, 10, 3); got != 0 {
		t.Errorf("ZScore(mean, mean, 3) = %v, want 0", got)
	}
	// Zero stddev yields the 0 sentinel even for extreme deviation.
	if got := ZScore(1e9, 10, 0); got != 0 {
		t.Errorf("ZScore with zero stddev = %v, want 0", got)
	}
	if got := ZScore(16, 10, 3); !almostEqual(got, 2) {
		t.Errorf("ZScore(16, 10, 3) = %v, want 2", got)
	}
	// Absolute value: deviation below the mean scores the same.
	if got := ZScore(4, 10, 3); !almostEqual(got, 2) {
		t.Errorf("ZScore(4, 10, 3) = %v, want 2", got)
	}
}

func TestPercentile(t *testing.T) {
	dataset := []float64{1, 2, 3, 4, 5}
	if got := Percentile(3, dataset); !almostEqual(got, 0.6) {
		t.Errorf("Percentile(3) = %v, want 0.6", got)
	}
	if got := Percentile(10, dataset); !almostEqual(got, 1) {
		t.Errorf("Percentile(10) = %v, want 1", got)
	}
	if got := Percentile(0.5, dataset); !almostEqual(got, 0) {
		t.Errorf("Percentile(0.5) = %v, want 0", got)
	}
	if got := Percentile(3, nil); got != 0 {
		t.Errorf("Percentile on empty dataset = %v, want 0", got)
	}
}

func TestSlope(t *testing.T) {
	if got := Slope([]float64{7}); got != 0 {
		t.Errorf("Slope of one sample = %v, want 0", got)
	}
	if got := Slope([]float64{1, 2, 3, 4}); !almostEqual(got, 1) {
		t.Errorf("Slope of linear ramp = %v, want 1", got)
	}
	if got := Slope([]float64{4, 3, 2, 1}); !almostEqual(got, -1) {
		t.Errorf("Slope of falling ramp = %v, want -1", got)
	}
	if got := Slope([]float64{5, 5, 5}); !almostEqual(got, 0) {
		t.Errorf("Slope of flat series = %v, want 0", got)
	}
}

func TestMinMax(t *testing.T) {
	lo, hi := MinMax([]float64{3, -1, 7, 2})
	if lo != -1 || hi != 7 {
		t.Errorf("MinMax = %v, %v; want -1, 7", lo, hi)
	}
	lo, hi = MinMax(nil)
	if lo != 0 || hi != 0 {
		t.Errorf("MinMax(nil) = %v, %v; want 0, 0", lo, hi)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(1.5, 0, 1); got != 1 {
		t.Errorf("Clamp(1.5, 0, 1) = %v, want 1", got)
	}
	if got := Clamp(-0.2, 0, 1); got != 0 {
		t.Errorf("Clamp(-0.2, 0, 1) = %v, want 0", got)
	}
	if got := Clamp(0.4, 0, 1); got != 0.4 {
		t.Errorf("Clamp(0.4, 0, 1) = %v, want 0.4", got)
	}
}
