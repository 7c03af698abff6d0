// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

// Package stats provides the small statistics kit shared by the anomaly
// detectors and the pattern learning loop.
package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values,
// or 0 for fewer than two samples.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// Median returns the median of values, or 0 for an empty slice.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// ZScore returns |x-mean|/stddev. A zero stddev yields 0; callers that use
// z-scores for outlier tests must skip when stddev is below their configured
// minimum rather than rely on this sentinel.
func ZScore(x, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return math.Abs(x-mean) / stddev
}

// Percentile returns the fraction of dataset values that are <= value,
// in [0,1]. An empty dataset yields 0.
func Percentile(value float64, dataset []float64) float64 {
	if len(dataset) == 0 {
		return 0
	}
	below := 0
	for _, v := range dataset {
		if v <= value {
			below++
		}
	}
	return float64(below) / float64(len(dataset))
}

// Slope returns the least-squares linear regression slope for values taken
// at unit-spaced x positions, or 0 for fewer than two samples.
func Slope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	// x values are 0..n-1, so their mean is (n-1)/2.
	xMean := float64(n-1) / 2
	yMean := Mean(values)

	num, den := 0.0, 0.0
	for i, y := range values {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// MinMax returns the smallest and largest value, or (0, 0) for an empty slice.
func MinMax(values []float64) (minVal, maxVal float64) {
	if len(values) == 0 {
		return 0, 0
	}
	minVal, maxVal = values[0], values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal
}

// Clamp limits x to the range [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
