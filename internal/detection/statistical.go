// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/whalesentry/whalesentry/internal/pattern"
	"github.com/whalesentry/whalesentry/internal/stats"
)

// StatisticalConfig configures the statistical detector.
type StatisticalConfig struct {
	// ZScoreThreshold is the amount-outlier trigger in standard deviations.
	ZScoreThreshold float64 `json:"z_score_threshold"`

	// MinStdDev is the floor below which z-score tests are skipped entirely,
	// since ZScore degenerates to 0 at zero spread.
	MinStdDev float64 `json:"min_std_dev"`

	// MinHistory is the minimum amount-history length for outlier checks.
	MinHistory int `json:"min_history"`

	// VolumeZThreshold is the daily-volume anomaly trigger.
	VolumeZThreshold float64 `json:"volume_z_threshold"`

	// HourlyFreqMultiplier fires FREQUENCY_ANOMALY at HIGH when the last
	// hour's count exceeds this multiple of the historical hourly average.
	HourlyFreqMultiplier float64 `json:"hourly_freq_multiplier"`

	// DailyFreqMultiplier fires FREQUENCY_ANOMALY at MEDIUM when the last
	// day's count exceeds this multiple of the historical daily average.
	DailyFreqMultiplier float64 `json:"daily_freq_multiplier"`

	// TrendPeriods is the moving-average window length for trend deviation.
	TrendPeriods int `json:"trend_periods"`

	// TrendBandFactor widens the expected band around the projected trend.
	TrendBandFactor float64 `json:"trend_band_factor"`
}

// DefaultStatisticalConfig returns sensible defaults.
func DefaultStatisticalConfig() StatisticalConfig {
	return StatisticalConfig{
		ZScoreThreshold:      3.0,
		MinStdDev:            1e-6,
		MinHistory:           10,
		VolumeZThreshold:     3.0,
		HourlyFreqMultiplier: 10,
		DailyFreqMultiplier:  5,
		TrendPeriods:         10,
		TrendBandFactor:      2.0,
	}
}

// StatisticalDetector flags transfers that deviate from the address's learned
// amount, volume, frequency and trend statistics.
type StatisticalDetector struct {
	baseDetector
	cfgMu  sync.RWMutex
	config StatisticalConfig
}

// NewStatisticalDetector creates a statistical detector with defaults.
func NewStatisticalDetector() *StatisticalDetector {
	return &StatisticalDetector{
		baseDetector: newBaseDetector(DetectorStatistical),
		config:       DefaultStatisticalConfig(),
	}
}

// Detect evaluates the activity against the statistical baseline.
func (d *StatisticalDetector) Detect(_ context.Context, dctx *Context) ([]Anomaly, error) {
	if !d.Enabled() || dctx.Pattern == nil {
		return nil, nil
	}
	config := d.Config()

	var anomalies []Anomaly
	if a := d.checkAmountOutlier(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkVolumeAnomaly(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkFrequency(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkTrendDeviation(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies, nil
}

// checkAmountOutlier z-scores the current amount against the rolling history.
// Skips when history is thin or the spread is below MinStdDev, even for
// extreme raw deviation.
func (d *StatisticalDetector) checkAmountOutlier(config StatisticalConfig, dctx *Context) *Anomaly {
	amounts := dctx.Pattern.Statistical.Amounts
	if len(amounts.History) < config.MinHistory {
		return nil
	}
	if amounts.StdDev < config.MinStdDev {
		return nil
	}

	z := stats.ZScore(dctx.Activity.Amount, amounts.Mean, amounts.StdDev)
	if z < config.ZScoreThreshold {
		return nil
	}

	// Severity blends the normalized z-score with an absolute-amount term
	// capped at 10x the historical mean.
	zTerm := stats.Clamp(z/10, 0, 1)
	amountTerm := 0.0
	if amounts.Mean > 0 {
		amountTerm = stats.Clamp(dctx.Activity.Amount/(10*amounts.Mean), 0, 1)
	}
	blend := 0.7*zTerm + 0.3*amountTerm

	severity := SeverityLow
	switch {
	case blend >= 0.8:
		severity = SeverityCritical
	case blend >= 0.6:
		severity = SeverityHigh
	case blend >= 0.4:
		severity = SeverityMedium
	}

	historyFactor := math.Min(1, float64(len(amounts.History))/float64(pattern.MaxAmountHistory))
	confidence := stats.Clamp(z/(2*config.ZScoreThreshold), 0, 1) * historyFactor

	details := map[string]any{
		"amount":     dctx.Activity.Amount,
		"mean":       amounts.Mean,
		"std_dev":    amounts.StdDev,
		"z_score":    z,
		"history":    len(amounts.History),
		"percentile": stats.Percentile(dctx.Activity.Amount, amounts.History),
	}
	a := d.formatAnomaly(AnomalyAmountOutlier, severity, details, confidence,
		fmt.Sprintf("transfer of %.2f is %.1f standard deviations from the mean of %.2f", dctx.Activity.Amount, z, amounts.Mean))
	return &a
}

// checkVolumeAnomaly z-scores today's aggregated volume against the
// historical daily-volume statistics.
func (d *StatisticalDetector) checkVolumeAnomaly(config StatisticalConfig, dctx *Context) *Anomaly {
	volume := dctx.Pattern.Statistical.DailyVolume
	if len(volume.History) < config.MinHistory || volume.StdDev < config.MinStdDev {
		return nil
	}

	today := dctx.Activity.Amount
	dayStart := dctx.Activity.Timestamp.UTC().Truncate(24 * time.Hour)
	for _, tr := range dctx.RecentTransfers {
		if !tr.Timestamp.UTC().Before(dayStart) {
			today += tr.Amount
		}
	}

	z := stats.ZScore(today, volume.Mean, volume.StdDev)
	if z < config.VolumeZThreshold {
		return nil
	}

	severity := SeverityMedium
	if z >= 2*config.VolumeZThreshold {
		severity = SeverityHigh
	}
	confidence := stats.Clamp(z/(2*config.VolumeZThreshold), 0, 1)

	details := map[string]any{
		"daily_volume": today,
		"mean":         volume.Mean,
		"std_dev":      volume.StdDev,
		"z_score":      z,
	}
	a := d.formatAnomaly(AnomalyVolumeAnomaly, severity, details, confidence,
		fmt.Sprintf("daily volume %.2f is %.1f standard deviations above the historical mean", today, z))
	return &a
}

// checkFrequency compares observed hourly and daily counts against the
// smoothed historical rates. Hourly is checked first; first match wins.
func (d *StatisticalDetector) checkFrequency(config StatisticalConfig, dctx *Context) *Anomaly {
	dailyAvg := dctx.Pattern.Behavioral.TxRates.Daily
	if dailyAvg <= 0 {
		return nil
	}
	hourlyAvg := dailyAvg / 24

	now := dctx.Activity.Timestamp
	hourCount, dayCount := 1, 1 // the triggering activity itself
	for _, tr := range dctx.RecentTransfers {
		age := now.Sub(tr.Timestamp)
		if age < 0 {
			continue
		}
		if age <= time.Hour {
			hourCount++
		}
		if age <= 24*time.Hour {
			dayCount++
		}
	}

	if hourlyAvg > 0 && float64(hourCount) > config.HourlyFreqMultiplier*hourlyAvg {
		mult := float64(hourCount) / hourlyAvg
		details := map[string]any{
			"window":     "hour",
			"count":      hourCount,
			"average":    hourlyAvg,
			"multiplier": mult,
		}
		a := d.formatAnomaly(AnomalyFrequencyAnomaly, SeverityHigh, details,
			stats.Clamp(mult/(2*config.HourlyFreqMultiplier), 0, 1),
			fmt.Sprintf("%d transactions in the last hour, %.0fx the historical hourly average", hourCount, mult))
		return &a
	}

	if float64(dayCount) > config.DailyFreqMultiplier*dailyAvg {
		mult := float64(dayCount) / dailyAvg
		details := map[string]any{
			"window":     "day",
			"count":      dayCount,
			"average":    dailyAvg,
			"multiplier": mult,
		}
		a := d.formatAnomaly(AnomalyFrequencyAnomaly, SeverityMedium, details,
			stats.Clamp(mult/(2*config.DailyFreqMultiplier), 0, 1),
			fmt.Sprintf("%d transactions in the last day, %.0fx the historical daily average", dayCount, mult))
		return &a
	}
	return nil
}

// checkTrendDeviation compares the recent moving average against the prior
// window and flags activity outside the band projected from the trend.
func (d *StatisticalDetector) checkTrendDeviation(config StatisticalConfig, dctx *Context) *Anomaly {
	history := dctx.Pattern.Statistical.Amounts.History
	n := config.TrendPeriods
	if n < 2 || len(history) < 2*n {
		return nil
	}

	recent := history[len(history)-n:]
	prior := history[len(history)-2*n : len(history)-n]
	recentMA := stats.Mean(recent)
	priorMA := stats.Mean(prior)

	trend := recentMA - priorMA
	expected := recentMA + trend
	band := config.TrendBandFactor * math.Max(stats.StdDev(recent), math.Abs(trend))
	if band < config.MinStdDev {
		return nil
	}

	deviation := math.Abs(dctx.Activity.Amount - expected)
	if deviation <= band {
		return nil
	}

	severity := SeverityMedium
	if deviation > 2*band {
		severity = SeverityHigh
	}
	direction := "upward"
	if trend < 0 {
		direction = "downward"
	}

	details := map[string]any{
		"recent_ma": recentMA,
		"prior_ma":  priorMA,
		"trend":     trend,
		"expected":  expected,
		"band":      band,
		"deviation": deviation,
	}
	a := d.formatAnomaly(AnomalyTrendDeviation, severity, details,
		stats.Clamp(deviation/(2*band)-0.5, 0, 1)+0.3,
		fmt.Sprintf("amount %.2f breaks the %s trend (expected around %.2f)", dctx.Activity.Amount, direction, expected))
	return &a
}

// Configure replaces the detector configuration.
func (d *StatisticalDetector) Configure(config json.RawMessage) error {
	var newConfig StatisticalConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.ZScoreThreshold <= 0 {
		return fmt.Errorf("z_score_threshold must be positive")
	}
	if newConfig.MinStdDev < 0 {
		return fmt.Errorf("min_std_dev cannot be negative")
	}
	if newConfig.TrendPeriods < 2 {
		return fmt.Errorf("trend_periods must be at least 2")
	}

	d.cfgMu.Lock()
	d.config = newConfig
	d.cfgMu.Unlock()
	return nil
}

// Config returns the current configuration.
func (d *StatisticalDetector) Config() StatisticalConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}
