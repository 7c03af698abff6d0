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

	"github.com/whalesentry/whalesentry/internal/pattern"
	"github.com/whalesentry/whalesentry/internal/stats"
)

// TemporalConfig configures the temporal detector.
type TemporalConfig struct {
	// UnusualHourShare is the 24-bin histogram share below which an hour is
	// considered unusual.
	UnusualHourShare float64 `json:"unusual_hour_share"`

	// WeekendDeviation is the absolute difference between the observed and
	// learned weekend-activity ratios that fires.
	WeekendDeviation float64 `json:"weekend_deviation"`

	// TimezoneShiftHours is the inferred-offset change that fires.
	TimezoneShiftHours int `json:"timezone_shift_hours"`

	// PeriodicityFloor is the autocorrelation score required to consider a
	// period established.
	PeriodicityFloor float64 `json:"periodicity_floor"`

	// PeriodicityMinCycles is the minimum observed cycles of a candidate
	// period before it can be trusted.
	PeriodicityMinCycles int `json:"periodicity_min_cycles"`

	// SuspiciousHours are the UTC hours eligible for LATE_NIGHT_BURST.
	SuspiciousHours []int `json:"suspicious_hours"`

	// LateNightMinCount is the transaction count within the suspicious
	// hours over the last day that fires.
	LateNightMinCount int `json:"late_night_min_count"`

	// LateNightNormalShare suppresses the burst when the address's
	// historical late-night share already exceeds it.
	LateNightNormalShare float64 `json:"late_night_normal_share"`

	// CoordinationWindow and CoordinationMinTx define a timing cluster.
	CoordinationWindow time.Duration `json:"coordination_window"`
	CoordinationMinTx  int           `json:"coordination_min_tx"`

	// Holidays lists month-day dates ("01-01") treated as holidays.
	Holidays []string `json:"holidays"`
}

// DefaultTemporalConfig returns sensible defaults.
func DefaultTemporalConfig() TemporalConfig {
	return TemporalConfig{
		UnusualHourShare:     0.05,
		WeekendDeviation:     0.3,
		TimezoneShiftHours:   3,
		PeriodicityFloor:     0.7,
		PeriodicityMinCycles: 3,
		SuspiciousHours:      []int{0, 1, 2, 3, 4, 5},
		LateNightMinCount:    5,
		LateNightNormalShare: 0.3,
		CoordinationWindow:   5 * time.Minute,
		CoordinationMinTx:    3,
		Holidays:             []string{"01-01", "07-04", "12-25", "12-31"},
	}
}

// periodicity candidate lags, in hours, checked in preference order.
var candidatePeriods = []int{24, 168, 12, 48}

// TemporalDetector flags activity at odd hours, weekend-pattern breaks,
// timezone shifts, periodicity breaks and suspicious timing clusters.
type TemporalDetector struct {
	baseDetector
	cfgMu  sync.RWMutex
	config TemporalConfig
}

// NewTemporalDetector creates a temporal detector with defaults.
func NewTemporalDetector() *TemporalDetector {
	return &TemporalDetector{
		baseDetector: newBaseDetector(DetectorTemporal),
		config:       DefaultTemporalConfig(),
	}
}

// Detect evaluates the activity's timing against the learned rhythms.
func (d *TemporalDetector) Detect(_ context.Context, dctx *Context) ([]Anomaly, error) {
	if !d.Enabled() || dctx.Pattern == nil {
		return nil, nil
	}
	config := d.Config()

	var anomalies []Anomaly
	if a := d.checkUnusualHour(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkWeekendBreak(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkTimezoneShift(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkPeriodicityBreak(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkHoliday(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkLateNightBurst(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkCoordinatedTiming(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies, nil
}

// checkUnusualHour fires when the activity hour is historically quiet: its
// histogram share is below the threshold, more than two standard deviations
// below the per-hour average, and it is not a learned preferred hour.
func (d *TemporalDetector) checkUnusualHour(config TemporalConfig, dctx *Context) *Anomaly {
	hourly := dctx.Pattern.Temporal.Hourly
	total := 0.0
	values := make([]float64, 0, 24)
	for _, v := range hourly {
		total += v
		values = append(values, v)
	}
	if total < 24 { // too little evidence for an hourly profile
		return nil
	}

	hour := dctx.Activity.Timestamp.UTC().Hour()
	if dctx.Pattern.PrefersHour(hour) {
		return nil
	}

	share := hourly[hour] / total
	if share >= config.UnusualHourShare {
		return nil
	}

	mean := stats.Mean(values)
	sd := stats.StdDev(values)
	if sd == 0 || hourly[hour] >= mean-2*sd {
		return nil
	}

	details := map[string]any{
		"hour":       hour,
		"share":      share,
		"hour_count": hourly[hour],
		"hour_mean":  mean,
	}
	a := d.formatAnomaly(AnomalyUnusualHour, SeverityMedium, details,
		stats.Clamp(1-share/config.UnusualHourShare, 0, 1)*0.8,
		fmt.Sprintf("activity at hour %02d:00 UTC, historically %.1f%% of this address's activity", hour, share*100))
	return &a
}

// checkWeekendBreak compares the observed weekend-activity ratio against the
// learned ratio and the uniform 2/7 expectation.
func (d *TemporalDetector) checkWeekendBreak(config TemporalConfig, dctx *Context) *Anomaly {
	weekly := dctx.Pattern.Temporal.Weekly
	total := 0.0
	for _, v := range weekly {
		total += v
	}
	if total < 14 {
		return nil
	}
	historical := (weekly[time.Saturday] + weekly[time.Sunday]) / total

	// Observed ratio over the recent transfer set plus the activity itself.
	weekend, count := 0, 0
	observe := func(ts time.Time) {
		count++
		switch ts.UTC().Weekday() {
		case time.Saturday, time.Sunday:
			weekend++
		}
	}
	for _, tr := range dctx.RecentTransfers {
		observe(tr.Timestamp)
	}
	observe(dctx.Activity.Timestamp)

	observed := float64(weekend) / float64(count)
	deviation := math.Abs(observed - historical)
	if deviation < config.WeekendDeviation {
		return nil
	}

	// Direction relative to the uniform baseline sharpens the message.
	baseline := 2.0 / 7.0
	direction := "weekend activity appeared"
	if observed < historical {
		direction = "weekend activity vanished"
	}

	severity := SeverityLow
	if deviation >= 2*config.WeekendDeviation {
		severity = SeverityMedium
	}

	details := map[string]any{
		"observed_ratio":   observed,
		"historical_ratio": historical,
		"baseline_ratio":   baseline,
		"deviation":        deviation,
	}
	a := d.formatAnomaly(AnomalyWeekendPatternBreak, severity, details,
		stats.Clamp(deviation/(2*config.WeekendDeviation)+0.2, 0, 1),
		fmt.Sprintf("%s: observed weekend ratio %.2f vs learned %.2f", direction, observed, historical))
	return &a
}

// minTimezoneEvidence is the hourly-histogram mass required before a
// timezone inference is persisted to the pattern.
const minTimezoneEvidence = 24

// learnTimezone persists the inferred timezone once enough observations
// exist, and afterwards reinforces the stored confidence only while the
// re-inferred offset stays put. A drifting offset is deliberately not
// followed: the stored value is the reference the shift check compares
// recent activity against.
func learnTimezone(p *pattern.Pattern) {
	total := 0.0
	for _, v := range p.Temporal.Hourly {
		total += v
	}
	if total < minTimezoneEvidence {
		return
	}

	offset, confidence := inferTimezone(p.Temporal.Hourly)
	if confidence <= 0 {
		return
	}

	switch {
	case p.Temporal.TimezoneConfidence == 0:
		p.Temporal.TimezoneOffset = offset
		p.Temporal.TimezoneConfidence = confidence
	case offset == p.Temporal.TimezoneOffset && confidence > p.Temporal.TimezoneConfidence:
		p.Temporal.TimezoneConfidence = confidence
	}
}

// inferTimezone scores the 25 candidate UTC offsets (-12..+12) against an
// hourly histogram: business-hours concentration weighted 0.7, absence of
// sleep-hours activity weighted 0.3. Returns the best offset and its score.
func inferTimezone(hourly [24]float64) (int, float64) {
	total := 0.0
	for _, v := range hourly {
		total += v
	}
	if total == 0 {
		return 0, 0
	}

	bestOffset, bestScore := 0, -1.0
	for offset := -12; offset <= 12; offset++ {
		business, sleep := 0.0, 0.0
		for h, v := range hourly {
			local := ((h+offset)%24 + 24) % 24
			if local >= 9 && local < 17 {
				business += v
			}
			if local < 6 {
				sleep += v
			}
		}
		score := (business/total)*0.7 + (1-sleep/total)*0.3
		if score > bestScore {
			bestOffset, bestScore = offset, score
		}
	}
	return bestOffset, bestScore
}

// checkTimezoneShift compares the timezone inferred from recent activity
// against the stored inference and fires on a shift of at least the
// configured hours, classified sudden or gradual by a first/second-half split.
func (d *TemporalDetector) checkTimezoneShift(config TemporalConfig, dctx *Context) *Anomaly {
	p := dctx.Pattern
	if p.Temporal.TimezoneConfidence <= 0 || len(dctx.RecentTransfers) < 12 {
		return nil
	}

	// Recent histogram from the transfer timestamps.
	var recent [24]float64
	sorted := make([]time.Time, 0, len(dctx.RecentTransfers))
	for _, tr := range dctx.RecentTransfers {
		recent[tr.Timestamp.UTC().Hour()]++
		sorted = append(sorted, tr.Timestamp)
	}
	currentOffset, currentScore := inferTimezone(recent)

	shift := currentOffset - p.Temporal.TimezoneOffset
	if shift > 12 {
		shift -= 24
	}
	if shift < -12 {
		shift += 24
	}
	if shift < 0 {
		shift = -shift
	}
	if shift < config.TimezoneShiftHours {
		return nil
	}

	// Sudden if the two halves of the recent window disagree on the offset.
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	var firstHalf, secondHalf [24]float64
	mid := len(sorted) / 2
	for i, ts := range sorted {
		if i < mid {
			firstHalf[ts.UTC().Hour()]++
		} else {
			secondHalf[ts.UTC().Hour()]++
		}
	}
	firstOffset, _ := inferTimezone(firstHalf)
	secondOffset, _ := inferTimezone(secondHalf)

	kind := "gradual"
	severity := SeverityMedium
	if firstOffset != secondOffset {
		kind = "sudden"
		severity = SeverityHigh
	}

	details := map[string]any{
		"stored_offset":  p.Temporal.TimezoneOffset,
		"current_offset": currentOffset,
		"shift_hours":    shift,
		"kind":           kind,
	}
	a := d.formatAnomaly(AnomalyTimezoneShift, severity, details,
		stats.Clamp(currentScore*p.Temporal.TimezoneConfidence, 0, 1),
		fmt.Sprintf("%s timezone shift of %d hours (UTC%+d to UTC%+d)", kind, shift, p.Temporal.TimezoneOffset, currentOffset))
	return &a
}

// checkPeriodicityBreak autocorrelates the recent hourly activity series at
// the candidate periods; when a period is established and the current
// activity falls in a historically quiet phase, it fires.
func (d *TemporalDetector) checkPeriodicityBreak(config TemporalConfig, dctx *Context) *Anomaly {
	series, start := hourlySeries(dctx)
	if len(series) == 0 {
		return nil
	}

	bestPeriod, bestScore := 0, 0.0
	for _, period := range candidatePeriods {
		if len(series) < config.PeriodicityMinCycles*period {
			continue
		}
		if score := autocorrelation(series, period); score > bestScore {
			bestPeriod, bestScore = period, score
		}
	}
	if bestPeriod == 0 || bestScore < config.PeriodicityFloor {
		return nil
	}

	// Phase profile: activity per position within the period.
	phase := make([]float64, bestPeriod)
	for i, v := range series {
		phase[i%bestPeriod] += v
	}
	phaseMean := stats.Mean(phase)
	if phaseMean == 0 {
		return nil
	}

	currentPhase := int(dctx.Activity.Timestamp.Sub(start).Hours()) % bestPeriod
	if currentPhase < 0 {
		currentPhase += bestPeriod
	}
	if phase[currentPhase] >= 0.25*phaseMean { // inside the expected window
		return nil
	}

	details := map[string]any{
		"period_hours":  bestPeriod,
		"autocorr":      bestScore,
		"current_phase": currentPhase,
	}
	a := d.formatAnomaly(AnomalyPeriodicityBreak, SeverityMedium, details,
		stats.Clamp(bestScore, 0, 1)*0.9,
		fmt.Sprintf("activity outside the established %dh cycle (autocorrelation %.2f)", bestPeriod, bestScore))
	return &a
}

// checkHoliday fires when a sizable transfer lands on a configured holiday.
func (d *TemporalDetector) checkHoliday(config TemporalConfig, dctx *Context) *Anomaly {
	date := dctx.Activity.Timestamp.UTC().Format("01-02")
	holiday := false
	for _, h := range config.Holidays {
		if h == date {
			holiday = true
			break
		}
	}
	if !holiday {
		return nil
	}

	mean := dctx.Pattern.Statistical.Amounts.Mean
	if mean <= 0 || dctx.Activity.Amount <= mean {
		return nil
	}

	details := map[string]any{
		"date":   date,
		"amount": dctx.Activity.Amount,
		"mean":   mean,
	}
	a := d.formatAnomaly(AnomalyHolidayActivity, SeverityLow, details,
		stats.Clamp(dctx.Activity.Amount/(5*mean), 0, 1)*0.7+0.3,
		fmt.Sprintf("above-average transfer of %.2f on holiday %s", dctx.Activity.Amount, date))
	return &a
}

// checkLateNightBurst counts last-day activity inside the suspicious hours,
// suppressed when late-night activity is already historically normal for
// this address.
func (d *TemporalDetector) checkLateNightBurst(config TemporalConfig, dctx *Context) *Anomaly {
	suspicious := make(map[int]bool, len(config.SuspiciousHours))
	for _, h := range config.SuspiciousHours {
		suspicious[h] = true
	}
	if !suspicious[dctx.Activity.Timestamp.UTC().Hour()] {
		return nil
	}

	// Historical late-night share.
	hourly := dctx.Pattern.Temporal.Hourly
	total, lateNight := 0.0, 0.0
	for h, v := range hourly {
		total += v
		if suspicious[h] {
			lateNight += v
		}
	}
	if total > 0 && lateNight/total > config.LateNightNormalShare {
		return nil
	}

	now := dctx.Activity.Timestamp
	count := 1
	for _, tr := range dctx.RecentTransfers {
		age := now.Sub(tr.Timestamp)
		if age < 0 || age > 24*time.Hour {
			continue
		}
		if suspicious[tr.Timestamp.UTC().Hour()] {
			count++
		}
	}
	if count < config.LateNightMinCount {
		return nil
	}

	severity := SeverityMedium
	if count >= 2*config.LateNightMinCount {
		severity = SeverityHigh
	}

	details := map[string]any{
		"count":            count,
		"suspicious_hours": config.SuspiciousHours,
		"historical_share": 0.0,
	}
	if total > 0 {
		details["historical_share"] = lateNight / total
	}
	a := d.formatAnomaly(AnomalyLateNightBurst, severity, details,
		stats.Clamp(float64(count)/float64(2*config.LateNightMinCount), 0, 1),
		fmt.Sprintf("%d transactions during suspicious hours in the last day", count))
	return &a
}

// checkCoordinatedTiming looks for tight timestamp clusters in the recent
// transfer set, classified isolated, repeated or systematic by cluster count.
func (d *TemporalDetector) checkCoordinatedTiming(config TemporalConfig, dctx *Context) *Anomaly {
	if len(dctx.RecentTransfers) < config.CoordinationMinTx {
		return nil
	}

	times := make([]time.Time, 0, len(dctx.RecentTransfers)+1)
	for _, tr := range dctx.RecentTransfers {
		times = append(times, tr.Timestamp)
	}
	times = append(times, dctx.Activity.Timestamp)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// Sweep for disjoint clusters of at least CoordinationMinTx inside the
	// coordination window.
	clusters, largest := 0, 0
	for i := 0; i < len(times); {
		j := i
		for j+1 < len(times) && times[j+1].Sub(times[i]) <= config.CoordinationWindow {
			j++
		}
		size := j - i + 1
		if size >= config.CoordinationMinTx {
			clusters++
			if size > largest {
				largest = size
			}
		}
		i = j + 1
	}
	if clusters == 0 {
		return nil
	}

	kind := "isolated"
	severity := SeverityLow
	switch {
	case clusters >= 4:
		kind = "systematic"
		severity = SeverityHigh
	case clusters >= 2:
		kind = "repeated"
		severity = SeverityMedium
	}

	details := map[string]any{
		"clusters":        clusters,
		"largest_cluster": largest,
		"window":          config.CoordinationWindow.String(),
		"classification":  kind,
	}
	a := d.formatAnomaly(AnomalyCoordinatedTiming, severity, details,
		stats.Clamp(0.3+0.15*float64(clusters), 0, 1),
		fmt.Sprintf("%s timing coordination: %d clusters of near-simultaneous transfers", kind, clusters))
	return &a
}

// Configure replaces the detector configuration.
func (d *TemporalDetector) Configure(config json.RawMessage) error {
	var newConfig TemporalConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.UnusualHourShare <= 0 || newConfig.UnusualHourShare >= 1 {
		return fmt.Errorf("unusual_hour_share must be in (0,1)")
	}
	if newConfig.PeriodicityFloor <= 0 || newConfig.PeriodicityFloor > 1 {
		return fmt.Errorf("periodicity_floor must be in (0,1]")
	}
	if newConfig.PeriodicityMinCycles < 2 {
		return fmt.Errorf("periodicity_min_cycles must be at least 2")
	}
	for _, h := range newConfig.SuspiciousHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("suspicious hour out of range: %d", h)
		}
	}

	d.cfgMu.Lock()
	d.config = newConfig
	d.cfgMu.Unlock()
	return nil
}

// Config returns the current configuration.
func (d *TemporalDetector) Config() TemporalConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}

// hourlySeries buckets the recent transfers into consecutive hourly counts
// from the earliest to the latest timestamp, returning the series and its
// start hour.
func hourlySeries(dctx *Context) ([]float64, time.Time) {
	if len(dctx.RecentTransfers) == 0 {
		return nil, time.Time{}
	}

	earliest, latest := dctx.RecentTransfers[0].Timestamp, dctx.RecentTransfers[0].Timestamp
	for _, tr := range dctx.RecentTransfers[1:] {
		if tr.Timestamp.Before(earliest) {
			earliest = tr.Timestamp
		}
		if tr.Timestamp.After(latest) {
			latest = tr.Timestamp
		}
	}

	start := earliest.UTC().Truncate(time.Hour)
	hours := int(latest.Sub(start).Hours()) + 1
	if hours < 1 || hours > 24*365 {
		return nil, time.Time{}
	}

	series := make([]float64, hours)
	for _, tr := range dctx.RecentTransfers {
		idx := int(tr.Timestamp.Sub(start).Hours())
		if idx >= 0 && idx < hours {
			series[idx]++
		}
	}
	return series, start
}

// autocorrelation returns the normalized autocorrelation of the series at the
// given lag, in [-1,1].
func autocorrelation(series []float64, lag int) float64 {
	if lag <= 0 || len(series) <= lag {
		return 0
	}
	mean := stats.Mean(series)

	num, den := 0.0, 0.0
	for i := range series {
		d := series[i] - mean
		den += d * d
		if i+lag < len(series) {
			num += d * (series[i+lag] - mean)
		}
	}
	if den == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, num/den))
}
