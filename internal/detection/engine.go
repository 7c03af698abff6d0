// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/whalesentry/whalesentry/internal/cache"
	"github.com/whalesentry/whalesentry/internal/logging"
	"github.com/whalesentry/whalesentry/internal/metrics"
	"github.com/whalesentry/whalesentry/internal/pattern"
)

// janitorInterval is how often the engine sweeps expired result-cache entries.
const janitorInterval = time.Minute

// resultCacheCapacity bounds the result cache independently of its TTL.
const resultCacheCapacity = 10000

// Engine orchestrates the five detectors: it fans an activity out to all of
// them concurrently, fuses the surviving anomalies into a risk assessment,
// applies the learning update to the pattern store and caches recent results.
type Engine struct {
	cfgMu  sync.RWMutex
	config EngineConfig

	// detectors is the closed, ordered set; the engine never dispatches
	// through a name map.
	detectors []Detector

	patterns    PatternSource
	resultCache *cache.LRU[*AnalysisResult]

	stats engineCounters
}

// engineCounters tracks engine-level tallies behind one mutex.
type engineCounters struct {
	mu                  sync.Mutex
	totalAnalyses       int64
	totalAnomalies      int64
	anomaliesByType     map[AnomalyType]int64
	anomaliesBySeverity map[Severity]int64
	detectorErrors      map[string]int64
	falsePositives      int64
	totalDuration       time.Duration
}

// EngineStats is a point-in-time snapshot of the engine tallies.
type EngineStats struct {
	TotalAnalyses       int64                 `json:"total_analyses"`
	TotalAnomalies      int64                 `json:"total_anomalies"`
	AnomaliesByType     map[AnomalyType]int64 `json:"anomalies_by_type"`
	AnomaliesBySeverity map[Severity]int64    `json:"anomalies_by_severity"`
	DetectorErrors      map[string]int64      `json:"detector_errors"`
	FalsePositives      int64                 `json:"false_positives"`
	AvgDetectionTime    time.Duration         `json:"avg_detection_time"`
	CacheSize           int                   `json:"cache_size"`
}

// BatchItem is one unit of work for AnalyzeBatch.
type BatchItem struct {
	Address          string
	Activity         Activity
	RecentTransfers  []Transfer
	RelatedAddresses []string
}

// NewEngine creates the anomaly engine with the five detectors in their
// fixed order. The configuration is validated up front.
func NewEngine(config EngineConfig, patterns PatternSource) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if patterns == nil {
		return nil, fmt.Errorf("pattern source is required")
	}

	e := &Engine{
		config: config,
		detectors: []Detector{
			NewStatisticalDetector(),
			NewBehavioralDetector(),
			NewVelocityDetector(),
			NewNetworkDetector(config.KnownExchanges),
			NewTemporalDetector(),
		},
		patterns:    patterns,
		resultCache: cache.NewLRU[*AnalysisResult](resultCacheCapacity, config.ResultCacheTTL),
		stats: engineCounters{
			anomaliesByType:     make(map[AnomalyType]int64),
			anomaliesBySeverity: make(map[Severity]int64),
			detectorErrors:      make(map[string]int64),
		},
	}

	for _, d := range e.detectors {
		logging.Info().Str("detector", d.Name()).Msg("registered detector")
	}
	return e, nil
}

// AnalyzeActivity evaluates one activity for an address. It never returns an
// error: internal failures degrade to an error-shaped result.
func (e *Engine) AnalyzeActivity(ctx context.Context, address string, activity Activity, recentTransfers []Transfer, relatedAddresses []string) (result *AnalysisResult) {
	config := e.Config()

	if !config.Enabled {
		return &AnalysisResult{
			Address:   address,
			Timestamp: time.Now().UTC(),
			RiskLevel: RiskNone,
			Anomalies: []Anomaly{},
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("address", address).Interface("panic", r).Msg("analysis panicked")
			metrics.AnalysisErrors.Inc()
			result = &AnalysisResult{
				Address:      address,
				Timestamp:    time.Now().UTC(),
				RiskLevel:    RiskUnknown,
				Anomalies:    []Anomaly{},
				Error:        true,
				ErrorMessage: fmt.Sprintf("analysis failed: %v", r),
			}
		}
	}()

	cacheKey := resultCacheKey(address, activity)
	if config.CacheResults {
		if cached, ok := e.resultCache.Get(cacheKey); ok {
			metrics.ResultCacheHits.Inc()
			return cached
		}
	}

	start := time.Now()
	metrics.AnalysesTotal.Inc()

	// A load failure degrades to a fresh baseline, never to a failed call.
	p, err := e.patterns.GetPattern(ctx, address)
	if err != nil || p == nil {
		if err != nil {
			logging.Warn().Err(err).Str("address", address).Msg("pattern load failed, using fresh baseline")
		}
		p = pattern.New(address)
	}

	dctx := &Context{
		Address:          address,
		Activity:         activity,
		Pattern:          p,
		RecentTransfers:  recentTransfers,
		RelatedAddresses: relatedAddresses,
	}

	anomalies := e.runDetectors(ctx, dctx)

	// Confidence filter before fusion.
	filtered := anomalies[:0]
	for _, a := range anomalies {
		if a.Confidence >= config.MinConfidence {
			filtered = append(filtered, a)
		}
	}
	anomalies = filtered

	assessment := fuseRisk(anomalies, config.Weights, config.RiskThresholds, config.CorrelationWindow)

	// Learning happens strictly after all detectors completed.
	if config.UpdatePatternsEnabled {
		e.learn(ctx, config, dctx, anomalies)
	}

	result = e.shapeResult(config, address, anomalies, assessment)

	elapsed := time.Since(start)
	metrics.AnalysisDuration.Observe(elapsed.Seconds())
	e.recordAnalysis(result, elapsed)

	if config.CacheResults {
		e.resultCache.Add(cacheKey, result)
	}
	return result
}

// runDetectors fans the context out to every enabled detector concurrently
// and joins their output. A detector error or panic is logged and contributes
// nothing; it never aborts the others.
func (e *Engine) runDetectors(ctx context.Context, dctx *Context) []Anomaly {
	results := make([][]Anomaly, len(e.detectors))

	var wg sync.WaitGroup
	for i, d := range e.detectors {
		if !d.Enabled() {
			continue
		}
		wg.Add(1)
		go func(slot int, det Detector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Str("detector", det.Name()).Interface("panic", r).Msg("detector panicked")
					metrics.DetectorErrors.WithLabelValues(det.Name()).Inc()
					e.recordDetectorError(det.Name())
				}
			}()

			found, err := det.Detect(ctx, dctx)
			if err != nil {
				logging.Warn().Err(err).Str("detector", det.Name()).Msg("detector failed")
				metrics.DetectorErrors.WithLabelValues(det.Name()).Inc()
				e.recordDetectorError(det.Name())
				return
			}
			results[slot] = found
		}(i, d)
	}
	wg.Wait()

	var anomalies []Anomaly
	for _, r := range results {
		anomalies = append(anomalies, r...)
	}
	return anomalies
}

// learn applies the continuous learning update: detected anomalies are always
// recorded and the observation counter always advances, while the rolling
// statistics only absorb the activity when no anomaly was confident enough to
// poison the baseline and the pattern has enough evidence.
func (e *Engine) learn(ctx context.Context, config EngineConfig, dctx *Context, anomalies []Anomaly) {
	confident := false
	for _, a := range anomalies {
		if a.Confidence >= config.PatternUpdateThreshold {
			confident = true
			break
		}
	}

	rates := currentRates(dctx)

	err := e.patterns.UpdatePattern(ctx, dctx.Address, func(p *pattern.Pattern) {
		// The pre-update activity stamp bounds any dormancy span recorded
		// below.
		prevActivity := p.Behavioral.LastActivity

		if config.LearningEnabled && !confident && p.Learning.DataPoints >= config.MinDataPointsForUpdate {
			p.ApplyTransfer(dctx.Activity.Amount, dctx.Activity.Timestamp)
			p.AccumulateDailyVolume(dctx.Activity.Amount, dctx.Activity.Timestamp)
			if cp := dctx.Activity.Counterparty; cp != "" {
				p.RecordConnection(cp, dctx.Activity.Amount, dctx.Activity.Timestamp)
			}

			// Fold the observed window rates into the velocity profile.
			for name, rate := range rates {
				p.RecordVelocitySample(name, rate)
			}
			updateWindowRates(&p.Velocity.Hourly, rates["hour"])
			updateWindowRates(&p.Velocity.Daily, rates["day"])
			updateWindowRates(&p.Velocity.Weekly, rates["week"])

			p.SetActivityLevel(ClassifyActivityLevel(p.Behavioral.TxRates.Daily))
			if role, _ := ClassifyRole(p, DefaultBehavioralConfig().RoleMatchThreshold); role != pattern.RoleUnknown {
				p.SetRole(role)
			}

			// Re-derive the baselines the detectors read back: preferred
			// hours, the promoted core network and the timezone inference.
			p.PromoteCoreConnections()
			p.RefreshPreferredHours()
			learnTimezone(p)
		} else if ts := dctx.Activity.Timestamp; ts.After(p.Behavioral.LastActivity) {
			p.Behavioral.LastActivity = ts
		}

		for _, a := range anomalies {
			p.RecordAnomaly(pattern.AnomalyRecord{
				Type:       string(a.Type),
				Severity:   string(a.Severity),
				Confidence: a.Confidence,
				Timestamp:  a.Timestamp,
			})
			recordAnomalyEvent(p, a, prevActivity, dctx.Activity.Timestamp)
		}
		p.IncrementDataPoints()
	})
	if err != nil {
		logging.Warn().Err(err).Str("address", dctx.Address).Msg("pattern update failed")
	}
}

// recordAnomalyEvent folds event-shaped anomalies into the pattern's typed
// histories: dormancy spans, velocity spikes and sustained-activity periods.
func recordAnomalyEvent(p *pattern.Pattern, a Anomaly, prevActivity, observed time.Time) {
	switch a.Type {
	case AnomalyDormantAwakening:
		if !prevActivity.IsZero() && observed.After(prevActivity) {
			p.RecordDormantPeriod(prevActivity, observed)
		}

	case AnomalyVelocitySpike:
		var details struct {
			Window     string  `json:"window"`
			Multiplier float64 `json:"multiplier"`
		}
		if err := json.Unmarshal(a.Details, &details); err == nil && details.Window != "" {
			p.RecordSpike(details.Window, details.Multiplier, observed)
		}

	case AnomalySustainedActivity:
		var details struct {
			Buckets       int     `json:"buckets"`
			BucketSize    string  `json:"bucket_size"`
			AvgMultiplier float64 `json:"avg_multiplier"`
		}
		if err := json.Unmarshal(a.Details, &details); err == nil && details.Buckets > 0 {
			size, err := time.ParseDuration(details.BucketSize)
			if err != nil {
				return
			}
			start := observed.Add(-time.Duration(details.Buckets) * size)
			p.RecordSustainedPeriod(start, observed, details.AvgMultiplier)
		}
	}
}

// updateWindowRates folds one observed rate into a window's running figures.
func updateWindowRates(w *pattern.WindowRates, rate float64) {
	w.Current = rate
	if w.Average == 0 {
		w.Average = rate
	} else {
		w.Average = w.Average*0.95 + rate*0.05
	}
	if rate > w.Max {
		w.Max = rate
	}
}

// shapeResult sorts, caps and summarizes the anomalies into the caller-facing
// result.
func (e *Engine) shapeResult(config EngineConfig, address string, anomalies []Anomaly, assessment RiskAssessment) *AnalysisResult {
	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].Severity.Rank() != anomalies[j].Severity.Rank() {
			return anomalies[i].Severity.Rank() > anomalies[j].Severity.Rank()
		}
		return anomalies[i].Confidence > anomalies[j].Confidence
	})
	if len(anomalies) > config.MaxAnomaliesPerAddress {
		anomalies = anomalies[:config.MaxAnomaliesPerAddress]
	}
	if anomalies == nil {
		anomalies = []Anomaly{}
	}

	return &AnalysisResult{
		Address:          address,
		Timestamp:        time.Now().UTC(),
		RiskScore:        assessment.Score,
		RiskLevel:        assessment.Level,
		AnomalyCount:     len(anomalies),
		Anomalies:        anomalies,
		Summary:          summarize(anomalies, assessment),
		RiskFactors:      assessment.Factors,
		CorrelationBonus: assessment.CorrelationBonus,
		Recommendations:  recommend(anomalies, assessment.Level),
	}
}

// summarize builds the human summary from the top anomaly and a tail count.
func summarize(anomalies []Anomaly, assessment RiskAssessment) string {
	if len(anomalies) == 0 {
		return "no anomalies detected"
	}
	top := anomalies[0]
	s := fmt.Sprintf("%s risk (score %.2f): %s", assessment.Level, assessment.Score, top.Message)
	if rest := len(anomalies) - 1; rest > 0 {
		s += fmt.Sprintf(" (+%d more anomalies)", rest)
	}
	return s
}

// recommend derives follow-up actions from the risk level and the anomaly
// types present.
func recommend(anomalies []Anomaly, level RiskLevel) []string {
	present := make(map[AnomalyType]bool, len(anomalies))
	for _, a := range anomalies {
		present[a.Type] = true
	}

	var recs []string
	if present[AnomalyDormantAwakening] {
		recs = append(recs, "verify account ownership: long-dormant address became active")
	}
	if present[AnomalyCoordinatedActivity] || present[AnomalyNetworkClustering] {
		recs = append(recs, "investigate potential wash trading across the related addresses")
	}
	if present[AnomalyExchangeInteraction] && (present[AnomalyAmountOutlier] || present[AnomalyVelocitySpike]) {
		recs = append(recs, "monitor for liquidation: unusual volume moving toward exchanges")
	}
	if present[AnomalyTimezoneShift] || present[AnomalyUnusualHour] {
		recs = append(recs, "review access patterns: activity outside the established schedule")
	}

	switch level {
	case RiskCritical:
		recs = append(recs, "escalate for immediate review")
	case RiskHigh:
		recs = append(recs, "flag address for close monitoring")
	}
	return recs
}

// AnalyzeBatch analyzes many items, bounding outstanding work by processing
// fixed-size chunks. Per-item failures are isolated; every input yields a
// result in input order.
func (e *Engine) AnalyzeBatch(ctx context.Context, items []BatchItem) []*AnalysisResult {
	results := make([]*AnalysisResult, len(items))
	chunk := e.Config().ConcurrentDetections

	for lo := 0; lo < len(items); lo += chunk {
		hi := lo + chunk
		if hi > len(items) {
			hi = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				// AnalyzeActivity converts all failures into error-shaped
				// results, so one item can never abort its siblings.
				results[i] = e.AnalyzeActivity(gctx, items[i].Address, items[i].Activity, items[i].RecentTransfers, items[i].RelatedAddresses)
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// SetDetectorWeight clamps the weight into [0,1], assigns it and renormalizes
// all weights to sum to 1.
func (e *Engine) SetDetectorWeight(name string, weight float64) error {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if err := e.config.Weights.set(name, weight); err != nil {
		return err
	}
	e.config.Weights.Normalize()
	return nil
}

// SetDetectorEnabled enables or disables one detector by name.
func (e *Engine) SetDetectorEnabled(name string, enabled bool) error {
	for _, d := range e.detectors {
		if d.Name() == name {
			d.SetEnabled(enabled)
			return nil
		}
	}
	return fmt.Errorf("unknown detector: %s", name)
}

// ConfigureDetector replaces one detector's configuration.
func (e *Engine) ConfigureDetector(name string, config json.RawMessage) error {
	for _, d := range e.detectors {
		if d.Name() == name {
			return d.Configure(config)
		}
	}
	return fmt.Errorf("unknown detector: %s", name)
}

// ReportFalsePositive records caller feedback; it only adjusts statistics.
func (e *Engine) ReportFalsePositive(address string, anomalyID string) {
	e.stats.mu.Lock()
	e.stats.falsePositives++
	e.stats.mu.Unlock()
	metrics.FalsePositives.Inc()
	logging.Info().Str("address", address).Str("anomaly_id", anomalyID).Msg("false positive reported")
}

// ClearCaches drops all cached analysis results.
func (e *Engine) ClearCaches() {
	e.resultCache.Clear()
}

// Config returns a copy of the current engine configuration.
func (e *Engine) Config() EngineConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.config
}

// SetEnabled toggles the whole engine.
func (e *Engine) SetEnabled(enabled bool) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.config.Enabled = enabled
}

// Stats returns a snapshot of the engine tallies.
func (e *Engine) Stats() EngineStats {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	byType := make(map[AnomalyType]int64, len(e.stats.anomaliesByType))
	for k, v := range e.stats.anomaliesByType {
		byType[k] = v
	}
	bySeverity := make(map[Severity]int64, len(e.stats.anomaliesBySeverity))
	for k, v := range e.stats.anomaliesBySeverity {
		bySeverity[k] = v
	}
	detectorErrors := make(map[string]int64, len(e.stats.detectorErrors))
	for k, v := range e.stats.detectorErrors {
		detectorErrors[k] = v
	}

	var avg time.Duration
	if e.stats.totalAnalyses > 0 {
		avg = e.stats.totalDuration / time.Duration(e.stats.totalAnalyses)
	}

	return EngineStats{
		TotalAnalyses:       e.stats.totalAnalyses,
		TotalAnomalies:      e.stats.totalAnomalies,
		AnomaliesByType:     byType,
		AnomaliesBySeverity: bySeverity,
		DetectorErrors:      detectorErrors,
		FalsePositives:      e.stats.falsePositives,
		AvgDetectionTime:    avg,
		CacheSize:           e.resultCache.Len(),
	}
}

// RunWithContext runs the result-cache janitor until the context is canceled.
// Designed for suture supervision.
func (e *Engine) RunWithContext(ctx context.Context) error {
	logging.Info().Msg("anomaly engine started")

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("anomaly engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if n := e.resultCache.CleanupExpired(); n > 0 {
				logging.Debug().Int("expired", n).Msg("result cache swept")
			}
		}
	}
}

// recordAnalysis folds one finished analysis into the tallies.
func (e *Engine) recordAnalysis(result *AnalysisResult, elapsed time.Duration) {
	e.stats.mu.Lock()
	e.stats.totalAnalyses++
	e.stats.totalDuration += elapsed
	e.stats.totalAnomalies += int64(len(result.Anomalies))
	for _, a := range result.Anomalies {
		e.stats.anomaliesByType[a.Type]++
		e.stats.anomaliesBySeverity[a.Severity]++
		metrics.AnomaliesDetected.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
	e.stats.mu.Unlock()
}

func (e *Engine) recordDetectorError(name string) {
	e.stats.mu.Lock()
	e.stats.detectorErrors[name]++
	e.stats.mu.Unlock()
}

// resultCacheKey builds the cache key from the analysis identity.
func resultCacheKey(address string, activity Activity) string {
	return fmt.Sprintf("%s|%s|%.8f|%d", address, activity.Type, activity.Amount, activity.Timestamp.Unix())
}
