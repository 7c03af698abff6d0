// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/whalesentry/whalesentry/internal/pattern"
)

// Detector names, also the keys of the engine's weight table.
const (
	DetectorStatistical = "statistical"
	DetectorBehavioral  = "behavioral"
	DetectorVelocity    = "velocity"
	DetectorNetwork     = "network"
	DetectorTemporal    = "temporal"
)

// AnomalyType identifies the kind of anomaly a detector reports.
type AnomalyType string

const (
	// Statistical detector.
	AnomalyAmountOutlier    AnomalyType = "AMOUNT_OUTLIER"
	AnomalyVolumeAnomaly    AnomalyType = "VOLUME_ANOMALY"
	AnomalyFrequencyAnomaly AnomalyType = "FREQUENCY_ANOMALY"
	AnomalyTrendDeviation   AnomalyType = "TREND_DEVIATION"

	// Behavioral detector.
	AnomalyDormantAwakening    AnomalyType = "DORMANT_AWAKENING"
	AnomalyRoleChange          AnomalyType = "ROLE_CHANGE"
	AnomalyActivityLevelChange AnomalyType = "ACTIVITY_LEVEL_CHANGE"
	AnomalyPatternBreak        AnomalyType = "PATTERN_BREAK"

	// Velocity detector.
	AnomalyVelocitySpike       AnomalyType = "VELOCITY_SPIKE"
	AnomalySustainedActivity   AnomalyType = "SUSTAINED_ACTIVITY"
	AnomalyAccelerationAnomaly AnomalyType = "ACCELERATION_ANOMALY"
	AnomalyTransactionBurst    AnomalyType = "TRANSACTION_BURST"

	// Network detector.
	AnomalyNetworkExpansion    AnomalyType = "NETWORK_EXPANSION"
	AnomalyNetworkClustering   AnomalyType = "NETWORK_CLUSTERING"
	AnomalyCoordinatedActivity AnomalyType = "COORDINATED_ACTIVITY"
	AnomalyBridgeActivity      AnomalyType = "BRIDGE_ACTIVITY"
	AnomalyExchangeInteraction AnomalyType = "EXCHANGE_INTERACTION"

	// Temporal detector.
	AnomalyUnusualHour         AnomalyType = "UNUSUAL_HOUR"
	AnomalyWeekendPatternBreak AnomalyType = "WEEKEND_PATTERN_BREAK"
	AnomalyTimezoneShift       AnomalyType = "TIMEZONE_SHIFT"
	AnomalyPeriodicityBreak    AnomalyType = "PERIODICITY_BREAK"
	AnomalyHolidayActivity     AnomalyType = "HOLIDAY_ACTIVITY"
	AnomalyLateNightBurst      AnomalyType = "LATE_NIGHT_BURST"
	AnomalyCoordinatedTiming   AnomalyType = "COORDINATED_TIMING"
)

// Severity indicates the ordinal strength of an anomaly.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Weight returns the fusion weight of a severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.3
	default:
		return 0
	}
}

// Rank returns the ordinal position: LOW < MEDIUM < HIGH < CRITICAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Escalate returns the next severity up, saturating at CRITICAL.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// RiskLevel is the thresholded bucket derived from the fused risk score.
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
	RiskUnknown  RiskLevel = "UNKNOWN"
)

// Activity is a single observed action on the monitored address.
type Activity struct {
	Type         string    `json:"type"`
	Amount       float64   `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
	Counterparty string    `json:"counterparty,omitempty"`
}

// Transfer is one entry of the recent-transfer history supplied by the
// graph collaborators.
type Transfer struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Context carries everything a detector may read for one analysis. Detectors
// treat it as immutable.
type Context struct {
	Address          string
	Activity         Activity
	Pattern          *pattern.Pattern
	RecentTransfers  []Transfer
	RelatedAddresses []string
}

// Anomaly is the standard detection result envelope.
type Anomaly struct {
	ID         string          `json:"id"`
	Type       AnomalyType     `json:"type"`
	Severity   Severity        `json:"severity"`
	Confidence float64         `json:"confidence"`
	Details    json.RawMessage `json:"details,omitempty"`
	Message    string          `json:"message"`
	DetectedBy string          `json:"detected_by"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RiskFactor summarizes one detector's contribution to the fused score.
type RiskFactor struct {
	Score float64       `json:"score"`
	Count int           `json:"count"`
	Types []AnomalyType `json:"types"`
}

// RiskAssessment is the fused verdict over all surviving anomalies.
type RiskAssessment struct {
	Score            float64               `json:"score"`
	Level            RiskLevel             `json:"level"`
	Factors          map[string]RiskFactor `json:"factors"`
	CorrelationBonus float64               `json:"correlation_bonus"`
}

// AnalysisResult is the engine's answer for one activity.
type AnalysisResult struct {
	Address          string                `json:"address"`
	Timestamp        time.Time             `json:"timestamp"`
	RiskScore        float64               `json:"risk_score"`
	RiskLevel        RiskLevel             `json:"risk_level"`
	AnomalyCount     int                   `json:"anomaly_count"`
	Anomalies        []Anomaly             `json:"anomalies"`
	Summary          string                `json:"summary"`
	RiskFactors      map[string]RiskFactor `json:"risk_factors,omitempty"`
	CorrelationBonus float64               `json:"correlation_bonus"`
	Recommendations  []string              `json:"recommendations,omitempty"`

	Error        bool   `json:"error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Detector is the contract every anomaly detector implements. A nil or empty
// anomaly slice means the detector cannot decide; that is not an error.
type Detector interface {
	// Name returns the detector name used in weights and risk factors.
	Name() string

	// Detect evaluates one activity against the shared context.
	Detect(ctx context.Context, dctx *Context) ([]Anomaly, error)

	// Configure replaces the detector configuration.
	Configure(config json.RawMessage) error

	// Enabled returns whether this detector is currently enabled.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)
}

// PatternSource is the slice of the pattern store the engine depends on.
type PatternSource interface {
	GetPattern(ctx context.Context, address string) (*pattern.Pattern, error)
	UpdatePattern(ctx context.Context, address string, apply func(*pattern.Pattern)) error
}

// Weights holds the per-detector fusion weights. They are renormalized to
// sum to 1 on any update.
type Weights struct {
	Statistical float64 `json:"statistical" koanf:"statistical"`
	Behavioral  float64 `json:"behavioral" koanf:"behavioral"`
	Velocity    float64 `json:"velocity" koanf:"velocity"`
	Network     float64 `json:"network" koanf:"network"`
	Temporal    float64 `json:"temporal" koanf:"temporal"`
}

// Get returns the weight for a detector name, 0 for unknown names.
func (w Weights) Get(name string) float64 {
	switch name {
	case DetectorStatistical:
		return w.Statistical
	case DetectorBehavioral:
		return w.Behavioral
	case DetectorVelocity:
		return w.Velocity
	case DetectorNetwork:
		return w.Network
	case DetectorTemporal:
		return w.Temporal
	default:
		return 0
	}
}

// set assigns the weight for a detector name.
func (w *Weights) set(name string, v float64) error {
	switch name {
	case DetectorStatistical:
		w.Statistical = v
	case DetectorBehavioral:
		w.Behavioral = v
	case DetectorVelocity:
		w.Velocity = v
	case DetectorNetwork:
		w.Network = v
	case DetectorTemporal:
		w.Temporal = v
	default:
		return fmt.Errorf("unknown detector: %s", name)
	}
	return nil
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Statistical + w.Behavioral + w.Velocity + w.Network + w.Temporal
}

// Normalize scales the weights so they sum to 1. A zero sum resets to the
// default even split.
func (w *Weights) Normalize() {
	sum := w.Sum()
	if sum <= 0 {
		*w = DefaultEngineConfig().Weights
		return
	}
	w.Statistical /= sum
	w.Behavioral /= sum
	w.Velocity /= sum
	w.Network /= sum
	w.Temporal /= sum
}

// RiskThresholds are the fused-score cutoffs for each risk level. They must
// be strictly increasing.
type RiskThresholds struct {
	Low      float64 `json:"low" koanf:"low"`
	Medium   float64 `json:"medium" koanf:"medium"`
	High     float64 `json:"high" koanf:"high"`
	Critical float64 `json:"critical" koanf:"critical"`
}

// Level buckets a fused score.
func (t RiskThresholds) Level(score float64) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskCritical
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	case score >= t.Low:
		return RiskLow
	default:
		return RiskNone
	}
}

// EngineConfig configures the anomaly engine.
type EngineConfig struct {
	// Enabled controls whether the engine analyzes activity at all.
	Enabled bool `json:"enabled" koanf:"enabled"`

	// UpdatePatternsEnabled gates all pattern-store writes after analysis.
	UpdatePatternsEnabled bool `json:"update_patterns_enabled" koanf:"update_patterns_enabled"`

	// LearningEnabled gates the rolling-statistics learning update.
	LearningEnabled bool `json:"learning_enabled" koanf:"learning_enabled"`

	Weights        Weights        `json:"weights" koanf:"weights"`
	RiskThresholds RiskThresholds `json:"risk_thresholds" koanf:"risk_thresholds"`

	// MinConfidence filters detector output before fusion.
	MinConfidence float64 `json:"min_confidence" koanf:"min_confidence"`

	// MaxAnomaliesPerAddress bounds the anomalies kept in one result.
	MaxAnomaliesPerAddress int `json:"max_anomalies_per_address" koanf:"max_anomalies_per_address"`

	// CorrelationWindow is the timestamp proximity that counts as
	// temporal correlation between anomalies.
	CorrelationWindow time.Duration `json:"correlation_window" koanf:"correlation_window"`

	// PatternUpdateThreshold: if any anomaly reaches this confidence the
	// learning update is withheld so the anomaly does not poison the baseline.
	PatternUpdateThreshold float64 `json:"pattern_update_threshold" koanf:"pattern_update_threshold"`

	// MinDataPointsForUpdate is the evidence floor a pattern must reach
	// before the rolling-statistics learning update runs.
	MinDataPointsForUpdate uint64 `json:"min_data_points_for_update" koanf:"min_data_points_for_update"`

	// ConcurrentDetections is the batch chunk size for AnalyzeBatch.
	ConcurrentDetections int `json:"concurrent_detections" koanf:"concurrent_detections"`

	CacheResults   bool          `json:"cache_results" koanf:"cache_results"`
	ResultCacheTTL time.Duration `json:"result_cache_ttl" koanf:"result_cache_ttl"`

	// KnownExchanges seeds the network detector's exchange list; when empty
	// the detector falls back to a behavioral heuristic.
	KnownExchanges []string `json:"known_exchanges,omitempty" koanf:"known_exchanges"`
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enabled:               true,
		UpdatePatternsEnabled: true,
		LearningEnabled:       true,
		Weights: Weights{
			Statistical: 0.25,
			Behavioral:  0.25,
			Velocity:    0.20,
			Network:     0.15,
			Temporal:    0.15,
		},
		RiskThresholds: RiskThresholds{
			Low:      0.3,
			Medium:   0.5,
			High:     0.7,
			Critical: 0.9,
		},
		MinConfidence:          0.3,
		MaxAnomaliesPerAddress: 10,
		CorrelationWindow:      time.Hour,
		PatternUpdateThreshold: 0.8,
		MinDataPointsForUpdate: 10,
		ConcurrentDetections:   10,
		CacheResults:           true,
		ResultCacheTTL:         5 * time.Minute,
	}
}

// Validate rejects malformed engine configuration up front.
func (c EngineConfig) Validate() error {
	for name, w := range map[string]float64{
		DetectorStatistical: c.Weights.Statistical,
		DetectorBehavioral:  c.Weights.Behavioral,
		DetectorVelocity:    c.Weights.Velocity,
		DetectorNetwork:     c.Weights.Network,
		DetectorTemporal:    c.Weights.Temporal,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("weight %s must be in [0,1], got %v", name, w)
		}
	}
	if c.Weights.Sum() <= 0 {
		return fmt.Errorf("detector weights must not all be zero")
	}

	t := c.RiskThresholds
	if !(t.Low > 0 && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("risk thresholds must be strictly increasing in (0,1]: %+v", t)
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %v", c.MinConfidence)
	}
	if c.PatternUpdateThreshold < 0 || c.PatternUpdateThreshold > 1 {
		return fmt.Errorf("pattern_update_threshold must be in [0,1], got %v", c.PatternUpdateThreshold)
	}
	if c.MaxAnomaliesPerAddress < 1 {
		return fmt.Errorf("max_anomalies_per_address must be positive, got %d", c.MaxAnomaliesPerAddress)
	}
	if c.ConcurrentDetections < 1 {
		return fmt.Errorf("concurrent_detections must be positive, got %d", c.ConcurrentDetections)
	}
	if c.CorrelationWindow <= 0 {
		return fmt.Errorf("correlation_window must be positive, got %v", c.CorrelationWindow)
	}
	if c.CacheResults && c.ResultCacheTTL <= 0 {
		return fmt.Errorf("result_cache_ttl must be positive when cache_results is set, got %v", c.ResultCacheTTL)
	}
	return nil
}
