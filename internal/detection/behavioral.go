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

// BehavioralConfig configures the behavioral detector.
type BehavioralConfig struct {
	// DormantThresholdDays is the inactivity span, in days, at or beyond
	// which an awakening fires.
	DormantThresholdDays float64 `json:"dormant_threshold_days"`

	// DormantAmountEscalation bumps the awakening severity one level when
	// the triggering amount exceeds it.
	DormantAmountEscalation float64 `json:"dormant_amount_escalation"`

	// RoleMatchThreshold is the weighted profile-match score required to
	// classify an address into a role.
	RoleMatchThreshold float64 `json:"role_match_threshold"`

	// RoleSimilarityThreshold: a role transition with pairwise similarity
	// below it fires ROLE_CHANGE.
	RoleSimilarityThreshold float64 `json:"role_similarity_threshold"`

	// ActivityJumpLevels is the ordinal activity-level jump that fires.
	ActivityJumpLevels int `json:"activity_jump_levels"`

	// PatternBreakMin is how many simultaneous breaks (temporal, network,
	// amount) are required to fire PATTERN_BREAK.
	PatternBreakMin int `json:"pattern_break_min"`
}

// DefaultBehavioralConfig returns sensible defaults.
func DefaultBehavioralConfig() BehavioralConfig {
	return BehavioralConfig{
		DormantThresholdDays:    30,
		DormantAmountEscalation: 100000,
		RoleMatchThreshold:      0.6,
		RoleSimilarityThreshold: 0.7,
		ActivityJumpLevels:      2,
		PatternBreakMin:         2,
	}
}

// Per-break weights for the PATTERN_BREAK combination.
const (
	breakWeightTemporal = 0.3
	breakWeightNetwork  = 0.4
	breakWeightAmount   = 0.5
)

// roleProfile is a reference behavior profile used for role classification.
// Three full-weight range checks (tx/day, average amount, unique
// counterparties) plus one half-weight time-distribution compatibility check.
type roleProfile struct {
	role              pattern.Role
	txPerDayMin       float64
	txPerDayMax       float64
	avgAmountMin      float64
	avgAmountMax      float64
	counterpartiesMin int
	counterpartiesMax int
	distribution      string
}

var roleProfiles = []roleProfile{
	{pattern.RoleHolder, 0, 0.5, 1000, math.Inf(1), 0, 10, "sparse"},
	{pattern.RoleTrader, 5, 1000, 10, 100000, 10, 500, "business"},
	{pattern.RoleValidator, 20, math.MaxInt32, 0, 100, 0, 20, "uniform"},
	{pattern.RoleExchange, 100, math.MaxInt32, 10, math.Inf(1), 200, math.MaxInt32, "uniform"},
}

// roleSimilarity is the fixed pairwise similarity between roles. Symmetric;
// identical roles score 1.
var roleSimilarity = map[pattern.Role]map[pattern.Role]float64{
	pattern.RoleHolder: {
		pattern.RoleTrader:    0.6,
		pattern.RoleValidator: 0.4,
		pattern.RoleExchange:  0.2,
	},
	pattern.RoleTrader: {
		pattern.RoleValidator: 0.3,
		pattern.RoleExchange:  0.7,
	},
	pattern.RoleValidator: {
		pattern.RoleExchange: 0.2,
	},
}

// concerningTransitions are escalated to HIGH regardless of similarity score.
var concerningTransitions = map[[2]pattern.Role]bool{
	{pattern.RoleHolder, pattern.RoleExchange}:    true,
	{pattern.RoleValidator, pattern.RoleExchange}: true,
	{pattern.RoleHolder, pattern.RoleTrader}:      true,
}

// BehavioralDetector flags departures from the address's learned behavior:
// dormant awakenings, role changes, activity-level jumps and multi-facet
// pattern breaks.
type BehavioralDetector struct {
	baseDetector
	cfgMu  sync.RWMutex
	config BehavioralConfig
}

// NewBehavioralDetector creates a behavioral detector with defaults.
func NewBehavioralDetector() *BehavioralDetector {
	return &BehavioralDetector{
		baseDetector: newBaseDetector(DetectorBehavioral),
		config:       DefaultBehavioralConfig(),
	}
}

// Detect evaluates the activity against the behavioral baseline.
func (d *BehavioralDetector) Detect(_ context.Context, dctx *Context) ([]Anomaly, error) {
	if !d.Enabled() || dctx.Pattern == nil {
		return nil, nil
	}
	config := d.Config()

	var anomalies []Anomaly
	if a := d.checkDormantAwakening(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkRoleChange(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkActivityLevelChange(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkPatternBreak(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies, nil
}

// checkDormantAwakening fires when the gap since last activity reaches the
// dormancy threshold. A zero LastActivity means a first-ever transfer, which
// never fires.
func (d *BehavioralDetector) checkDormantAwakening(config BehavioralConfig, dctx *Context) *Anomaly {
	last := dctx.Pattern.Behavioral.LastActivity
	if last.IsZero() {
		return nil
	}

	days := dctx.Activity.Timestamp.Sub(last).Hours() / 24
	if days < config.DormantThresholdDays {
		return nil
	}

	severity := SeverityLow
	switch {
	case days >= 180:
		severity = SeverityCritical
	case days >= 90:
		severity = SeverityHigh
	case days >= 60:
		severity = SeverityMedium
	}
	if dctx.Activity.Amount > config.DormantAmountEscalation {
		severity = severity.Escalate()
	}

	confidence := math.Min(0.99, 0.5+days/365)

	details := map[string]any{
		"dormant_days":  days,
		"last_activity": last,
		"amount":        dctx.Activity.Amount,
	}
	a := d.formatAnomaly(AnomalyDormantAwakening, severity, details, confidence,
		fmt.Sprintf("address active again after %.0f days dormant, moving %.2f", days, dctx.Activity.Amount))
	return &a
}

// checkRoleChange classifies the address from current metrics and compares
// against the stored role via the pairwise similarity table.
func (d *BehavioralDetector) checkRoleChange(config BehavioralConfig, dctx *Context) *Anomaly {
	stored := dctx.Pattern.Behavioral.Role
	if stored == pattern.RoleUnknown || stored == "" {
		return nil
	}

	current, matchScore := ClassifyRole(dctx.Pattern, config.RoleMatchThreshold)
	if current == pattern.RoleUnknown || current == stored {
		return nil
	}

	similarity := rolePairSimilarity(stored, current)
	if similarity >= config.RoleSimilarityThreshold {
		return nil
	}

	severity := SeverityMedium
	if concerningTransitions[[2]pattern.Role{stored, current}] {
		severity = SeverityHigh
	}

	details := map[string]any{
		"previous_role": stored,
		"current_role":  current,
		"similarity":    similarity,
		"match_score":   matchScore,
	}
	a := d.formatAnomaly(AnomalyRoleChange, severity, details,
		stats.Clamp((1-similarity)*matchScore+0.2, 0, 1),
		fmt.Sprintf("address behavior shifted from %s to %s", stored, current))
	return &a
}

// checkActivityLevelChange fires on ordinal jumps between the stored and the
// currently observed activity level.
func (d *BehavioralDetector) checkActivityLevelChange(config BehavioralConfig, dctx *Context) *Anomaly {
	stored := dctx.Pattern.Behavioral.ActivityLevel
	if stored.Rank() < 0 {
		return nil
	}

	observed := ClassifyActivityLevel(observedDailyRate(dctx))
	if observed.Rank() < 0 {
		return nil
	}

	jump := observed.Rank() - stored.Rank()
	if jump < 0 {
		jump = -jump
	}
	if jump < config.ActivityJumpLevels {
		return nil
	}

	severity := SeverityMedium
	if jump >= 3 {
		severity = SeverityHigh
	}

	details := map[string]any{
		"previous_level": stored,
		"current_level":  observed,
		"jump":           jump,
	}
	a := d.formatAnomaly(AnomalyActivityLevelChange, severity, details,
		stats.Clamp(0.4+0.2*float64(jump), 0, 1),
		fmt.Sprintf("activity level moved from %s to %s", stored, observed))
	return &a
}

// checkPatternBreak independently checks temporal, network and amount breaks
// and fires when at least PatternBreakMin occur together.
func (d *BehavioralDetector) checkPatternBreak(config BehavioralConfig, dctx *Context) *Anomaly {
	p := dctx.Pattern

	var breaks []string
	weight := 0.0

	hour := dctx.Activity.Timestamp.UTC().Hour()
	if len(p.Temporal.PreferredHours) > 0 && !p.PrefersHour(hour) {
		breaks = append(breaks, "temporal")
		weight += breakWeightTemporal
	}

	if dctx.Activity.Counterparty != "" &&
		(len(p.Network.CoreNetwork) > 0 || len(p.Network.RecentConnections) > 0) &&
		!p.KnowsCounterparty(dctx.Activity.Counterparty) {
		breaks = append(breaks, "network")
		weight += breakWeightNetwork
	}

	mean := p.Statistical.Amounts.Mean
	if mean > 0 && (dctx.Activity.Amount > 10*mean || dctx.Activity.Amount < 0.1*mean) {
		breaks = append(breaks, "amount")
		weight += breakWeightAmount
	}

	if len(breaks) < config.PatternBreakMin {
		return nil
	}

	severity := SeverityLow
	switch {
	case weight >= 1.2:
		severity = SeverityHigh
	case weight >= 0.9:
		severity = SeverityMedium
	}

	details := map[string]any{
		"breaks": breaks,
		"weight": weight,
	}
	a := d.formatAnomaly(AnomalyPatternBreak, severity, details,
		stats.Clamp(weight/1.2, 0, 1),
		fmt.Sprintf("%d simultaneous behavior breaks: %v", len(breaks), breaks))
	return &a
}

// Configure replaces the detector configuration.
func (d *BehavioralDetector) Configure(config json.RawMessage) error {
	var newConfig BehavioralConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.DormantThresholdDays <= 0 {
		return fmt.Errorf("dormant_threshold_days must be positive")
	}
	if newConfig.RoleSimilarityThreshold < 0 || newConfig.RoleSimilarityThreshold > 1 {
		return fmt.Errorf("role_similarity_threshold must be in [0,1]")
	}
	if newConfig.PatternBreakMin < 1 {
		return fmt.Errorf("pattern_break_min must be at least 1")
	}

	d.cfgMu.Lock()
	d.config = newConfig
	d.cfgMu.Unlock()
	return nil
}

// Config returns the current configuration.
func (d *BehavioralDetector) Config() BehavioralConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}

// ClassifyRole scores the pattern against the four reference profiles and
// returns the best role whose weighted match reaches the threshold, with its
// score. Three range checks carry full weight, the time-distribution check
// half weight.
func ClassifyRole(p *pattern.Pattern, threshold float64) (pattern.Role, float64) {
	txPerDay := p.Behavioral.TxRates.Daily
	avgAmount := p.Statistical.Amounts.Mean
	counterparties := p.Network.TotalUniqueAddresses
	dist := classifyDistribution(p.Temporal.Hourly)

	best := pattern.RoleUnknown
	bestScore := 0.0
	for _, prof := range roleProfiles {
		score := 0.0
		if txPerDay >= prof.txPerDayMin && txPerDay <= prof.txPerDayMax {
			score += 1
		}
		if avgAmount >= prof.avgAmountMin && avgAmount <= prof.avgAmountMax {
			score += 1
		}
		if counterparties >= prof.counterpartiesMin && counterparties <= prof.counterpartiesMax {
			score += 1
		}
		if dist == prof.distribution {
			score += 0.5
		}
		score /= 3.5

		if score > bestScore {
			best, bestScore = prof.role, score
		}
	}

	if bestScore < threshold {
		return pattern.RoleUnknown, bestScore
	}
	return best, bestScore
}

// ClassifyActivityLevel buckets a daily transaction rate into the ordinal
// activity levels.
func ClassifyActivityLevel(txPerDay float64) pattern.ActivityLevel {
	switch {
	case txPerDay <= 0.01:
		return pattern.ActivityDormant
	case txPerDay < 1:
		return pattern.ActivityLow
	case txPerDay < 10:
		return pattern.ActivityMedium
	default:
		return pattern.ActivityHigh
	}
}

// classifyDistribution labels the hourly histogram shape: "uniform" for
// activity spread evenly around the clock, "sparse" for a handful of active
// hours, "business" otherwise.
func classifyDistribution(hourly [24]float64) string {
	active := 0
	values := make([]float64, 0, 24)
	for _, v := range hourly {
		values = append(values, v)
		if v > 0 {
			active++
		}
	}
	if active < 6 {
		return "sparse"
	}

	mean := stats.Mean(values)
	if mean > 0 && stats.StdDev(values)/mean < 0.5 && active >= 18 {
		return "uniform"
	}
	return "business"
}

// observedDailyRate derives the current daily transaction rate from the
// recent transfer history, counting the triggering activity itself.
func observedDailyRate(dctx *Context) float64 {
	count := 1
	now := dctx.Activity.Timestamp
	for _, tr := range dctx.RecentTransfers {
		age := now.Sub(tr.Timestamp)
		if age >= 0 && age <= 24*time.Hour {
			count++
		}
	}
	return float64(count)
}

// rolePairSimilarity looks up the symmetric similarity between two roles.
func rolePairSimilarity(a, b pattern.Role) float64 {
	if a == b {
		return 1
	}
	if m, ok := roleSimilarity[a]; ok {
		if s, ok := m[b]; ok {
			return s
		}
	}
	if m, ok := roleSimilarity[b]; ok {
		if s, ok := m[a]; ok {
			return s
		}
	}
	// A pair the table does not know is treated as dissimilar so an
	// unlisted transition still surfaces as a role change.
	return 0.2
}
