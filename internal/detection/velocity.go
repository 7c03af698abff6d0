// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/whalesentry/whalesentry/internal/stats"
)

// VelocityConfig configures the velocity detector.
type VelocityConfig struct {
	// SpikeMultiplier is the current/average rate ratio that fires a spike.
	SpikeMultiplier float64 `json:"spike_multiplier"`

	// SustainedMultiplier is the per-bucket baseline multiple for sustained
	// activity.
	SustainedMultiplier float64 `json:"sustained_multiplier"`

	// SustainedBucket is the bucket duration for sustained-activity checks.
	SustainedBucket time.Duration `json:"sustained_bucket"`

	// SustainedMinBuckets is how many consecutive elevated buckets fire.
	SustainedMinBuckets int `json:"sustained_min_buckets"`

	// BurstWindow is the sliding window for burst detection.
	BurstWindow time.Duration `json:"burst_window"`

	// BurstMinCount is the transaction count required inside BurstWindow.
	BurstMinCount int `json:"burst_min_count"`

	// AccelRatio and DecelRatio bound the average period-over-period rate
	// ratio before acceleration or deceleration fires.
	AccelRatio float64 `json:"accel_ratio"`
	DecelRatio float64 `json:"decel_ratio"`

	// RegressionSamples is how many trailing rate samples feed the
	// acceleration regression.
	RegressionSamples int `json:"regression_samples"`
}

// DefaultVelocityConfig returns sensible defaults.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		SpikeMultiplier:     5,
		SustainedMultiplier: 3,
		SustainedBucket:     time.Hour,
		SustainedMinBuckets: 2,
		BurstWindow:         5 * time.Minute,
		BurstMinCount:       10,
		AccelRatio:          2.0,
		DecelRatio:          0.5,
		RegressionSamples:   5,
	}
}

// velocityWindow pairs a window name with its severity weight and the
// pattern baseline it is compared against.
type velocityWindow struct {
	name   string
	weight float64
}

var velocityWindows = []velocityWindow{
	{"minute", 0.7},
	{"hour", 1.0},
	{"day", 1.2},
	{"week", 1.5},
}

// VelocityDetector flags transaction-rate spikes, sustained elevated
// activity, acceleration trends and short bursts.
type VelocityDetector struct {
	baseDetector
	cfgMu  sync.RWMutex
	config VelocityConfig
}

// NewVelocityDetector creates a velocity detector with defaults.
func NewVelocityDetector() *VelocityDetector {
	return &VelocityDetector{
		baseDetector: newBaseDetector(DetectorVelocity),
		config:       DefaultVelocityConfig(),
	}
}

// Detect evaluates transaction velocity against the learned rates.
func (d *VelocityDetector) Detect(_ context.Context, dctx *Context) ([]Anomaly, error) {
	if !d.Enabled() || dctx.Pattern == nil {
		return nil, nil
	}
	config := d.Config()

	var anomalies []Anomaly
	anomalies = append(anomalies, d.checkSpikes(config, dctx)...)
	if a := d.checkSustained(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkAcceleration(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkBurst(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies, nil
}

// currentRates returns the hourly-normalized current rate per window derived
// from the recent transfers, counting the triggering activity.
func currentRates(dctx *Context) map[string]float64 {
	now := dctx.Activity.Timestamp
	minuteCount, hourCount, dayCount, weekCount := 1, 1, 1, 1
	for _, tr := range dctx.RecentTransfers {
		age := now.Sub(tr.Timestamp)
		if age < 0 {
			continue
		}
		if age <= time.Minute {
			minuteCount++
		}
		if age <= time.Hour {
			hourCount++
		}
		if age <= 24*time.Hour {
			dayCount++
		}
		if age <= 7*24*time.Hour {
			weekCount++
		}
	}

	return map[string]float64{
		"minute": float64(minuteCount) * 60,
		"hour":   float64(hourCount),
		"day":    float64(dayCount) / 24,
		"week":   float64(weekCount) / 168,
	}
}

// baselineRate returns the learned hourly-normalized average for a window.
func baselineRate(dctx *Context, window string) float64 {
	v := dctx.Pattern.Velocity
	switch window {
	case "minute", "hour":
		return v.Hourly.Average
	case "day":
		return v.Daily.Average
	case "week":
		return v.Weekly.Average
	default:
		return 0
	}
}

// checkSpikes fires VELOCITY_SPIKE per window whose current rate exceeds the
// spike multiple of its baseline. Severity uses log(multiplier) scaled by the
// window weight: wider windows at the same multiple mean more total activity.
func (d *VelocityDetector) checkSpikes(config VelocityConfig, dctx *Context) []Anomaly {
	rates := currentRates(dctx)

	var anomalies []Anomaly
	for _, w := range velocityWindows {
		baseline := baselineRate(dctx, w.name)
		if baseline <= 0 {
			continue
		}

		mult := rates[w.name] / baseline
		if mult < config.SpikeMultiplier {
			continue
		}

		score := math.Log(mult) * w.weight
		severity := SeverityLow
		switch {
		case score >= 5:
			severity = SeverityCritical
		case score >= 3.5:
			severity = SeverityHigh
		case score >= 2:
			severity = SeverityMedium
		}

		details := map[string]any{
			"window":     w.name,
			"rate":       rates[w.name],
			"baseline":   baseline,
			"multiplier": mult,
		}
		anomalies = append(anomalies, d.formatAnomaly(AnomalyVelocitySpike, severity, details,
			stats.Clamp(score/5, 0, 1),
			fmt.Sprintf("%s-window rate is %.1fx the learned baseline", w.name, mult)))
	}
	return anomalies
}

// checkSustained buckets recent transfers into fixed windows and fires when
// enough consecutive buckets run at the sustained multiple of the hourly
// baseline.
func (d *VelocityDetector) checkSustained(config VelocityConfig, dctx *Context) *Anomaly {
	baseline := dctx.Pattern.Velocity.Hourly.Average
	if baseline <= 0 || len(dctx.RecentTransfers) == 0 {
		return nil
	}

	now := dctx.Activity.Timestamp
	buckets := make(map[int64]int)
	for _, tr := range dctx.RecentTransfers {
		age := now.Sub(tr.Timestamp)
		if age < 0 {
			continue
		}
		buckets[int64(age/config.SustainedBucket)]++
	}
	buckets[0]++ // the triggering activity

	threshold := config.SustainedMultiplier * baseline * config.SustainedBucket.Hours()

	// Walk buckets newest first and count the consecutive elevated run.
	run := 0
	multSum := 0.0
	for i := int64(0); ; i++ {
		count, ok := buckets[i]
		if !ok || float64(count) < threshold {
			break
		}
		run++
		multSum += float64(count) / (baseline * config.SustainedBucket.Hours())
	}
	if run < config.SustainedMinBuckets {
		return nil
	}

	avgMult := multSum / float64(run)
	severity := SeverityMedium
	if run >= 2*config.SustainedMinBuckets || avgMult >= 2*config.SustainedMultiplier {
		severity = SeverityHigh
	}

	details := map[string]any{
		"buckets":        run,
		"bucket_size":    config.SustainedBucket.String(),
		"avg_multiplier": avgMult,
	}
	a := d.formatAnomaly(AnomalySustainedActivity, severity, details,
		stats.Clamp(0.3+0.15*float64(run)+avgMult/20, 0, 1),
		fmt.Sprintf("%d consecutive %s buckets at %.1fx the hourly baseline", run, config.SustainedBucket, avgMult))
	return &a
}

// checkAcceleration fits a regression over the trailing rate samples per
// window and fires when the average period-over-period ratio clears the
// acceleration or deceleration bound with a matching slope.
func (d *VelocityDetector) checkAcceleration(config VelocityConfig, dctx *Context) *Anomaly {
	for _, w := range velocityWindows {
		samples := dctx.Pattern.Velocity.RateSamples[w.name]
		if len(samples) < config.RegressionSamples {
			continue
		}
		samples = samples[len(samples)-config.RegressionSamples:]

		slope := stats.Slope(samples)

		ratios := make([]float64, 0, len(samples)-1)
		for i := 1; i < len(samples); i++ {
			if samples[i-1] > 0 {
				ratios = append(ratios, samples[i]/samples[i-1])
			}
		}
		if len(ratios) == 0 {
			continue
		}
		avgRatio := stats.Mean(ratios)

		var direction string
		switch {
		case avgRatio >= config.AccelRatio && slope > 0:
			direction = "accelerating"
		case avgRatio <= config.DecelRatio && slope < 0:
			direction = "decelerating"
		default:
			continue
		}

		severity := SeverityMedium
		if avgRatio >= 2*config.AccelRatio || (direction == "decelerating" && avgRatio <= config.DecelRatio/2) {
			severity = SeverityHigh
		}

		details := map[string]any{
			"window":    w.name,
			"direction": direction,
			"slope":     slope,
			"avg_ratio": avgRatio,
			"samples":   len(samples),
		}
		a := d.formatAnomaly(AnomalyAccelerationAnomaly, severity, details,
			stats.Clamp(math.Abs(math.Log(avgRatio))/2, 0, 1),
			fmt.Sprintf("%s-window rate is %s with average period ratio %.2f", w.name, direction, avgRatio))
		return &a
	}
	return nil
}

// checkBurst slides a short window across the recent transfers and fires when
// any window holds enough transactions, reporting amount uniformity as a
// wash-pattern hint.
func (d *VelocityDetector) checkBurst(config VelocityConfig, dctx *Context) *Anomaly {
	if len(dctx.RecentTransfers)+1 < config.BurstMinCount {
		return nil
	}

	type tx struct {
		ts     time.Time
		amount float64
	}
	txs := make([]tx, 0, len(dctx.RecentTransfers)+1)
	for _, tr := range dctx.RecentTransfers {
		txs = append(txs, tx{tr.Timestamp, tr.Amount})
	}
	txs = append(txs, tx{dctx.Activity.Timestamp, dctx.Activity.Amount})
	sort.Slice(txs, func(i, j int) bool { return txs[i].ts.Before(txs[j].ts) })

	// Two-pointer sweep for the densest window.
	bestStart, bestEnd := 0, 0
	for lo, hi := 0, 0; hi < len(txs); hi++ {
		for txs[hi].ts.Sub(txs[lo].ts) > config.BurstWindow {
			lo++
		}
		if hi-lo > bestEnd-bestStart {
			bestStart, bestEnd = lo, hi
		}
	}

	count := bestEnd - bestStart + 1
	if count < config.BurstMinCount {
		return nil
	}

	amounts := make([]float64, 0, count)
	volume := 0.0
	for _, t := range txs[bestStart : bestEnd+1] {
		amounts = append(amounts, t.amount)
		volume += t.amount
	}

	uniformity := 0.0
	if mean := stats.Mean(amounts); mean > 0 {
		uniformity = stats.Clamp(1-stats.StdDev(amounts)/mean, 0, 1)
	}

	severity := SeverityMedium
	if uniformity > 0.9 || count >= 2*config.BurstMinCount {
		severity = SeverityHigh
	}

	details := map[string]any{
		"count":      count,
		"window":     config.BurstWindow.String(),
		"rate":       float64(count) / config.BurstWindow.Minutes(),
		"volume":     volume,
		"uniformity": uniformity,
	}
	a := d.formatAnomaly(AnomalyTransactionBurst, severity, details,
		stats.Clamp(float64(count)/float64(2*config.BurstMinCount)+uniformity/4, 0, 1),
		fmt.Sprintf("%d transactions within %s (amount uniformity %.2f)", count, config.BurstWindow, uniformity))
	return &a
}

// Configure replaces the detector configuration.
func (d *VelocityDetector) Configure(config json.RawMessage) error {
	var newConfig VelocityConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.SpikeMultiplier <= 1 {
		return fmt.Errorf("spike_multiplier must exceed 1")
	}
	if newConfig.SustainedBucket <= 0 {
		return fmt.Errorf("sustained_bucket must be positive")
	}
	if newConfig.BurstWindow <= 0 || newConfig.BurstMinCount < 2 {
		return fmt.Errorf("burst window and count must be positive")
	}
	if newConfig.RegressionSamples < 2 {
		return fmt.Errorf("regression_samples must be at least 2")
	}

	d.cfgMu.Lock()
	d.config = newConfig
	d.cfgMu.Unlock()
	return nil
}

// Config returns the current configuration.
func (d *VelocityDetector) Config() VelocityConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}
