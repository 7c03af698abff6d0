// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"math"
	"time"
)

// maxCorrelationBonus caps the total fusion uplift from corroboration.
const maxCorrelationBonus = 0.3

// maxTemporalBonus caps the share of the bonus earned from timestamp
// proximity alone.
const maxTemporalBonus = 0.1

// correlatedGroups are the anomaly-type sets whose joint presence indicates a
// known attack shape rather than coincidence.
var correlatedGroups = []struct {
	name  string
	types []AnomalyType
}{
	{"wash_trading", []AnomalyType{
		AnomalyNetworkClustering, AnomalyCoordinatedActivity,
		AnomalyTransactionBurst, AnomalyCoordinatedTiming,
	}},
	{"account_takeover", []AnomalyType{
		AnomalyDormantAwakening, AnomalyUnusualHour,
		AnomalyTimezoneShift, AnomalyPatternBreak,
	}},
	{"liquidation", []AnomalyType{
		AnomalyAmountOutlier, AnomalyVelocitySpike,
		AnomalyExchangeInteraction, AnomalyVolumeAnomaly,
	}},
	{"automation", []AnomalyType{
		AnomalyFrequencyAnomaly, AnomalySustainedActivity,
		AnomalyPeriodicityBreak, AnomalyLateNightBurst,
	}},
}

// fuseRisk folds the surviving anomalies into a single risk assessment.
//
// Per detector: score = (max severity weight among its anomalies) x (average
// confidence of its anomalies). The fused base is the weight-normalized sum
// over detectors that contributed anomalies; the correlation bonus then
// scales it, capped so the final score stays in [0,1].
func fuseRisk(anomalies []Anomaly, weights Weights, thresholds RiskThresholds, correlationWindow time.Duration) RiskAssessment {
	assessment := RiskAssessment{
		Level:   RiskNone,
		Factors: make(map[string]RiskFactor),
	}
	if len(anomalies) == 0 {
		return assessment
	}

	byDetector := make(map[string][]Anomaly)
	for _, a := range anomalies {
		byDetector[a.DetectedBy] = append(byDetector[a.DetectedBy], a)
	}

	weightedSum, activeWeight := 0.0, 0.0
	for name, group := range byDetector {
		maxSeverity := 0.0
		confidenceSum := 0.0
		types := make([]AnomalyType, 0, len(group))
		for _, a := range group {
			if w := a.Severity.Weight(); w > maxSeverity {
				maxSeverity = w
			}
			confidenceSum += a.Confidence
			types = append(types, a.Type)
		}
		score := maxSeverity * (confidenceSum / float64(len(group)))

		assessment.Factors[name] = RiskFactor{
			Score: score,
			Count: len(group),
			Types: types,
		}

		w := weights.Get(name)
		weightedSum += score * w
		activeWeight += w
	}
	if activeWeight == 0 {
		return assessment
	}

	base := weightedSum / activeWeight
	bonus := correlationBonus(anomalies, correlationWindow)

	assessment.CorrelationBonus = bonus
	assessment.Score = math.Min(1, base*(1+bonus))
	assessment.Level = thresholds.Level(assessment.Score)
	return assessment
}

// correlationBonus computes the fusion uplift in [0, maxCorrelationBonus]
// from (a) multiple anomaly types landing in one correlated group, scaled
// (matches-1) x 0.1, and (b) anomaly timestamps within the correlation
// window of each other, scaled pairs x 0.05 and capped at maxTemporalBonus.
func correlationBonus(anomalies []Anomaly, window time.Duration) float64 {
	present := make(map[AnomalyType]bool, len(anomalies))
	for _, a := range anomalies {
		present[a.Type] = true
	}

	groupBonus := 0.0
	for _, g := range correlatedGroups {
		matches := 0
		for _, t := range g.types {
			if present[t] {
				matches++
			}
		}
		if matches >= 2 {
			if b := float64(matches-1) * 0.1; b > groupBonus {
				groupBonus = b
			}
		}
	}

	temporalBonus := 0.0
	if window > 0 {
		pairs := 0
		for i := 0; i < len(anomalies); i++ {
			for j := i + 1; j < len(anomalies); j++ {
				delta := anomalies[i].Timestamp.Sub(anomalies[j].Timestamp)
				if delta < 0 {
					delta = -delta
				}
				if delta <= window {
					pairs++
				}
			}
		}
		temporalBonus = math.Min(maxTemporalBonus, float64(pairs)*0.05)
	}

	return math.Min(maxCorrelationBonus, groupBonus+temporalBonus)
}
