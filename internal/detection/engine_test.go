// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/whalesentry/whalesentry/internal/pattern"
)

// memPatterns is an in-memory PatternSource for engine tests.
type memPatterns struct {
	mu          sync.Mutex
	m           map[string]*pattern.Pattern
	getErr      error
	updateCalls int
}

func newMemPatterns() *memPatterns {
	return &memPatterns{m: make(map[string]*pattern.Pattern)}
}

func (s *memPatterns) GetPattern(_ context.Context, address string) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.m[address], nil
}

func (s *memPatterns) UpdatePattern(_ context.Context, address string, apply func(*pattern.Pattern)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	p, ok := s.m[address]
	if !ok {
		p = pattern.New(address)
		s.m[address] = p
	}
	apply(p)
	return nil
}

func (s *memPatterns) get(address string) *pattern.Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[address]
}

// stubDetector returns canned anomalies.
type stubDetector struct {
	baseDetector
	anomalies []Anomaly
	err       error
}

func newStubDetector(name string, anomalies []Anomaly, err error) *stubDetector {
	return &stubDetector{baseDetector: newBaseDetector(name), anomalies: anomalies, err: err}
}

func (d *stubDetector) Detect(context.Context, *Context) ([]Anomaly, error) {
	return d.anomalies, d.err
}

func (d *stubDetector) Configure(json.RawMessage) error { return nil }

// panicDetector always panics inside Detect.
type panicDetector struct {
	baseDetector
}

func (d *panicDetector) Detect(context.Context, *Context) ([]Anomaly, error) {
	panic("detector blew up")
}

func (d *panicDetector) Configure(json.RawMessage) error { return nil }

func newTestEngine(t *testing.T, mutate func(*EngineConfig)) (*Engine, *memPatterns) {
	t.Helper()
	config := DefaultEngineConfig()
	config.CacheResults = false
	if mutate != nil {
		mutate(&config)
	}
	store := newMemPatterns()
	e, err := NewEngine(config, store)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, store
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(DefaultEngineConfig(), nil); err == nil {
		t.Error("expected error for nil pattern source")
	}

	bad := DefaultEngineConfig()
	bad.Weights.Statistical = 2
	if _, err := NewEngine(bad, newMemPatterns()); err == nil {
		t.Error("expected error for weight outside [0,1]")
	}

	bad = DefaultEngineConfig()
	bad.RiskThresholds.High = 0.2 // below medium
	if _, err := NewEngine(bad, newMemPatterns()); err == nil {
		t.Error("expected error for non-increasing thresholds")
	}
}

func TestEngine_FreshAddressIsClean(t *testing.T) {
	e, store := newTestEngine(t, nil)

	result := e.AnalyzeActivity(context.Background(), "0xnew",
		Activity{Type: "transfer", Amount: 100, Timestamp: time.Now()}, nil, nil)

	if result.Error {
		t.Fatalf("unexpected error result: %s", result.ErrorMessage)
	}
	if result.AnomalyCount != 0 {
		t.Errorf("AnomalyCount = %d, want 0 for an address with no baseline", result.AnomalyCount)
	}
	if result.RiskLevel != RiskNone {
		t.Errorf("RiskLevel = %s, want NONE", result.RiskLevel)
	}
	if result.RiskScore != 0 {
		t.Errorf("RiskScore = %v, want 0", result.RiskScore)
	}

	// The observation still counts toward the baseline.
	p := store.get("0xnew")
	if p == nil {
		t.Fatal("expected a pattern to be created")
	}
	if p.Learning.DataPoints != 1 {
		t.Errorf("DataPoints = %d, want 1", p.Learning.DataPoints)
	}
}

func TestEngine_DisabledShortCircuits(t *testing.T) {
	e, store := newTestEngine(t, func(c *EngineConfig) { c.Enabled = false })

	result := e.AnalyzeActivity(context.Background(), "0xwhale",
		Activity{Amount: 1e9, Timestamp: time.Now()}, nil, nil)

	if result.RiskLevel != RiskNone {
		t.Errorf("RiskLevel = %s, want NONE", result.RiskLevel)
	}
	if store.updateCalls != 0 {
		t.Errorf("updateCalls = %d, want 0 when disabled", store.updateCalls)
	}
	if got := e.Stats().TotalAnalyses; got != 0 {
		t.Errorf("TotalAnalyses = %d, want 0", got)
	}
}

func TestEngine_PanickingDetectorIsIsolated(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.detectors = []Detector{
		&panicDetector{baseDetector: newBaseDetector("boom")},
		newStubDetector("steady", []Anomaly{
			mkAnomaly(AnomalyAmountOutlier, SeverityHigh, 0.9, "steady", time.Now()),
		}, nil),
	}

	result := e.AnalyzeActivity(context.Background(), "0xwhale",
		Activity{Amount: 100, Timestamp: time.Now()}, nil, nil)

	if result == nil {
		t.Fatal("expected a result despite the panicking detector")
	}
	if result.Error {
		t.Fatalf("result marked as error: %s", result.ErrorMessage)
	}
	if result.AnomalyCount != 1 {
		t.Errorf("AnomalyCount = %d, want 1 from the surviving detector", result.AnomalyCount)
	}
	if got := e.Stats().DetectorErrors["boom"]; got != 1 {
		t.Errorf("DetectorErrors[boom] = %d, want 1", got)
	}
}

func TestEngine_DetectorErrorIsIsolated(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.detectors = []Detector{
		newStubDetector("flaky", nil, errors.New("upstream timeout")),
		newStubDetector("steady", []Anomaly{
			mkAnomaly(AnomalyVelocitySpike, SeverityMedium, 0.6, "steady", time.Now()),
		}, nil),
	}

	result := e.AnalyzeActivity(context.Background(), "0xwhale",
		Activity{Amount: 100, Timestamp: time.Now()}, nil, nil)

	if result.AnomalyCount != 1 {
		t.Errorf("AnomalyCount = %d, want 1", result.AnomalyCount)
	}
	if got := e.Stats().DetectorErrors["flaky"]; got != 1 {
		t.Errorf("DetectorErrors[flaky] = %d, want 1", got)
	}
}

func TestEngine_MinConfidenceFilter(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.detectors = []Detector{
		newStubDetector("mixed", []Anomaly{
			mkAnomaly(AnomalyAmountOutlier, SeverityHigh, 0.9, "mixed", time.Now()),
			mkAnomaly(AnomalyUnusualHour, SeverityLow, 0.1, "mixed", time.Now()),
		}, nil),
	}

	result := e.AnalyzeActivity(context.Background(), "0xwhale",
		Activity{Amount: 100, Timestamp: time.Now()}, nil, nil)

	if result.AnomalyCount != 1 {
		t.Fatalf("AnomalyCount = %d, want 1 after the confidence filter", result.AnomalyCount)
	}
	if result.Anomalies[0].Type != AnomalyAmountOutlier {
		t.Errorf("kept %s, want AMOUNT_OUTLIER", result.Anomalies[0].Type)
	}
}

func TestEngine_ResultOrderingAndCap(t *testing.T) {
	e, _ := newTestEngine(t, func(c *EngineConfig) { c.MaxAnomaliesPerAddress = 3 })
	ts := time.Now()
	e.detectors = []Detector{
		newStubDetector("many", []Anomaly{
			mkAnomaly(AnomalyUnusualHour, SeverityLow, 0.5, "many", ts),
			mkAnomaly(AnomalyAmountOutlier, SeverityCritical, 0.7, "many", ts),
			mkAnomaly(AnomalyVelocitySpike, SeverityHigh, 0.9, "many", ts),
			mkAnomaly(AnomalyPatternBreak, SeverityHigh, 0.4, "many", ts),
			mkAnomaly(AnomalyBridgeActivity, SeverityMedium, 0.6, "many", ts),
		}, nil),
	}

	result := e.AnalyzeActivity(context.Background(), "0xwhale",
		Activity{Amount: 100, Timestamp: ts}, nil, nil)

	if result.AnomalyCount != 3 {
		t.Fatalf("AnomalyCount = %d, want capped at 3", result.AnomalyCount)
	}
	if result.Anomalies[0].Severity != SeverityCritical {
		t.Errorf("first anomaly severity = %s, want CRITICAL", result.Anomalies[0].Severity)
	}
	// Equal severities are ordered by confidence.
	if result.Anomalies[1].Confidence < result.Anomalies[2].Confidence {
		t.Error("anomalies of equal severity not ordered by confidence")
	}
}

func TestEngine_ResultCache(t *testing.T) {
	e, _ := newTestEngine(t, func(c *EngineConfig) { c.CacheResults = true })
	activity := Activity{Type: "transfer", Amount: 100, Timestamp: time.Now()}

	first := e.AnalyzeActivity(context.Background(), "0xwhale", activity, nil, nil)
	second := e.AnalyzeActivity(context.Background(), "0xwhale", activity, nil, nil)

	if first != second {
		t.Error("identical activity must be served from the result cache")
	}
	if got := e.Stats().TotalAnalyses; got != 1 {
		t.Errorf("TotalAnalyses = %d, want 1 with a cache hit", got)
	}

	e.ClearCaches()
	third := e.AnalyzeActivity(context.Background(), "0xwhale", activity, nil, nil)
	if third == first {
		t.Error("ClearCaches must drop the cached result")
	}
}

func TestEngine_PatternLoadFailureDegrades(t *testing.T) {
	e, store := newTestEngine(t, nil)
	store.getErr = errors.New("badger: closed")

	result := e.AnalyzeActivity(context.Background(), "0xwhale",
		Activity{Amount: 100, Timestamp: time.Now()}, nil, nil)

	if result.Error {
		t.Errorf("load failure must degrade to a fresh baseline, got error result: %s", result.ErrorMessage)
	}
	if result.RiskLevel != RiskNone {
		t.Errorf("RiskLevel = %s, want NONE", result.RiskLevel)
	}
}

func TestEngine_LearningGating(t *testing.T) {
	ts := time.Now().UTC()

	t.Run("thin baseline only counts the observation", func(t *testing.T) {
		e, store := newTestEngine(t, nil)
		e.detectors = []Detector{newStubDetector("quiet", nil, nil)}

		e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 123, Timestamp: ts}, nil, nil)

		p := store.get("0xwhale")
		if p == nil {
			t.Fatal("pattern not created")
		}
		if len(p.Statistical.Amounts.History) != 0 {
			t.Errorf("amount history = %v, want empty below the data-point floor", p.Statistical.Amounts.History)
		}
		if p.Learning.DataPoints != 1 {
			t.Errorf("DataPoints = %d, want 1", p.Learning.DataPoints)
		}
		if !p.Behavioral.LastActivity.Equal(ts) {
			t.Errorf("LastActivity = %v, want %v", p.Behavioral.LastActivity, ts)
		}
	})

	t.Run("mature baseline absorbs the transfer", func(t *testing.T) {
		e, store := newTestEngine(t, nil)
		e.detectors = []Detector{newStubDetector("quiet", nil, nil)}
		seed := pattern.New("0xwhale")
		seed.Learning.DataPoints = 10
		store.m["0xwhale"] = seed

		e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 123, Timestamp: ts}, nil, nil)

		p := store.get("0xwhale")
		if len(p.Statistical.Amounts.History) != 1 || p.Statistical.Amounts.History[0] != 123 {
			t.Errorf("amount history = %v, want [123]", p.Statistical.Amounts.History)
		}
		if p.Learning.DataPoints != 11 {
			t.Errorf("DataPoints = %d, want 11", p.Learning.DataPoints)
		}
	})

	t.Run("confident anomaly withholds the statistics update", func(t *testing.T) {
		e, store := newTestEngine(t, nil)
		e.detectors = []Detector{newStubDetector("loud", []Anomaly{
			mkAnomaly(AnomalyAmountOutlier, SeverityCritical, 0.95, "loud", ts),
		}, nil)}
		seed := pattern.New("0xwhale")
		seed.Learning.DataPoints = 10
		store.m["0xwhale"] = seed

		e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 1e6, Timestamp: ts}, nil, nil)

		p := store.get("0xwhale")
		if len(p.Statistical.Amounts.History) != 0 {
			t.Errorf("amount history = %v, a confident anomaly must not poison the baseline", p.Statistical.Amounts.History)
		}
		// The anomaly itself and the observation are still recorded.
		if len(p.AnomalyHistory) != 1 {
			t.Fatalf("AnomalyHistory = %d entries, want 1", len(p.AnomalyHistory))
		}
		if p.AnomalyHistory[0].Type != string(AnomalyAmountOutlier) {
			t.Errorf("recorded type = %s", p.AnomalyHistory[0].Type)
		}
		if p.Learning.DataPoints != 11 {
			t.Errorf("DataPoints = %d, want 11", p.Learning.DataPoints)
		}
	})

	t.Run("learning disabled still records anomalies", func(t *testing.T) {
		e, store := newTestEngine(t, func(c *EngineConfig) { c.LearningEnabled = false })
		e.detectors = []Detector{newStubDetector("loud", []Anomaly{
			mkAnomaly(AnomalyVelocitySpike, SeverityMedium, 0.6, "loud", ts),
		}, nil)}
		seed := pattern.New("0xwhale")
		seed.Learning.DataPoints = 50
		store.m["0xwhale"] = seed

		e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 123, Timestamp: ts}, nil, nil)

		p := store.get("0xwhale")
		if len(p.Statistical.Amounts.History) != 0 {
			t.Error("statistics must not update with learning disabled")
		}
		if len(p.AnomalyHistory) != 1 {
			t.Errorf("AnomalyHistory = %d entries, want 1", len(p.AnomalyHistory))
		}
	})

	t.Run("pattern updates disabled never touch the store", func(t *testing.T) {
		e, store := newTestEngine(t, func(c *EngineConfig) { c.UpdatePatternsEnabled = false })

		e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 123, Timestamp: ts}, nil, nil)

		if store.updateCalls != 0 {
			t.Errorf("updateCalls = %d, want 0", store.updateCalls)
		}
	})
}

func TestEngine_AnalyzeBatch(t *testing.T) {
	e, _ := newTestEngine(t, func(c *EngineConfig) { c.ConcurrentDetections = 4 })

	items := make([]BatchItem, 25)
	for i := range items {
		items[i] = BatchItem{
			Address:  fmt.Sprintf("0xaddr%02d", i),
			Activity: Activity{Amount: float64(i + 1), Timestamp: time.Now()},
		}
	}

	results := e.AnalyzeBatch(context.Background(), items)
	if len(results) != len(items) {
		t.Fatalf("results = %d, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("result %d is nil", i)
		}
		if r.Address != items[i].Address {
			t.Errorf("result %d address = %s, want %s (input order)", i, r.Address, items[i].Address)
		}
	}
}

func TestEngine_SetDetectorWeight(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if err := e.SetDetectorWeight(DetectorNetwork, 0.9); err != nil {
		t.Fatalf("SetDetectorWeight: %v", err)
	}

	w := e.Config().Weights
	if sum := w.Sum(); sum < 0.999 || sum > 1.001 {
		t.Errorf("weights sum = %v, want 1 after renormalization", sum)
	}
	if w.Network <= w.Statistical {
		t.Error("network weight must dominate after the boost")
	}

	if err := e.SetDetectorWeight("gravity", 0.5); err == nil {
		t.Error("expected error for unknown detector")
	}

	// Out-of-range input is clamped, not rejected.
	if err := e.SetDetectorWeight(DetectorTemporal, 7); err != nil {
		t.Errorf("SetDetectorWeight(7): %v", err)
	}
	if sum := e.Config().Weights.Sum(); sum < 0.999 || sum > 1.001 {
		t.Errorf("weights sum = %v, want 1", sum)
	}
}

func TestEngine_SetDetectorEnabled(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if err := e.SetDetectorEnabled(DetectorTemporal, false); err != nil {
		t.Fatalf("SetDetectorEnabled: %v", err)
	}
	for _, d := range e.detectors {
		if d.Name() == DetectorTemporal && d.Enabled() {
			t.Error("temporal detector still enabled")
		}
	}

	if err := e.SetDetectorEnabled("gravity", true); err == nil {
		t.Error("expected error for unknown detector")
	}
}

func TestEngine_ConfigureDetector(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	raw, _ := json.Marshal(DefaultStatisticalConfig())
	if err := e.ConfigureDetector(DetectorStatistical, raw); err != nil {
		t.Fatalf("ConfigureDetector: %v", err)
	}
	if err := e.ConfigureDetector(DetectorStatistical, []byte(`{"z_score_threshold":-3}`)); err == nil {
		t.Error("expected error for invalid detector config")
	}
	if err := e.ConfigureDetector("gravity", raw); err == nil {
		t.Error("expected error for unknown detector")
	}
}

func TestEngine_ReportFalsePositive(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.ReportFalsePositive("0xwhale", "anomaly-123")
	if got := e.Stats().FalsePositives; got != 1 {
		t.Errorf("FalsePositives = %d, want 1", got)
	}
}

func TestEngine_StatsAccumulate(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ts := time.Now()
	e.detectors = []Detector{newStubDetector("steady", []Anomaly{
		mkAnomaly(AnomalyAmountOutlier, SeverityHigh, 0.9, "steady", ts),
	}, nil)}

	for i := 0; i < 3; i++ {
		e.AnalyzeActivity(context.Background(), "0xwhale",
			Activity{Amount: float64(i), Timestamp: ts.Add(time.Duration(i) * time.Second)}, nil, nil)
	}

	stats := e.Stats()
	if stats.TotalAnalyses != 3 {
		t.Errorf("TotalAnalyses = %d, want 3", stats.TotalAnalyses)
	}
	if stats.TotalAnomalies != 3 {
		t.Errorf("TotalAnomalies = %d, want 3", stats.TotalAnomalies)
	}
	if stats.AnomaliesByType[AnomalyAmountOutlier] != 3 {
		t.Errorf("AnomaliesByType = %v", stats.AnomaliesByType)
	}
	if stats.AnomaliesBySeverity[SeverityHigh] != 3 {
		t.Errorf("AnomaliesBySeverity = %v", stats.AnomaliesBySeverity)
	}
}

func TestEngine_LearningDerivesBaselines(t *testing.T) {
	e, store := newTestEngine(t, nil)
	e.detectors = []Detector{newStubDetector("quiet", nil, nil)}

	seed := pattern.New("0xwhale")
	seed.Learning.DataPoints = 10
	for h := 9; h < 17; h++ {
		seed.Temporal.Hourly[h] = 10
	}
	for i := 0; i < 5; i++ {
		seed.RecordConnection("0xregular", 10, time.Now().UTC().Add(-time.Duration(i)*time.Hour))
	}
	store.m["0xwhale"] = seed

	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 100, Timestamp: ts}, nil, nil)

	p := store.get("0xwhale")
	if p.Statistical.DailyVolume.CurrentDay == "" || p.Statistical.DailyVolume.CurrentDayVolume != 100 {
		t.Errorf("daily volume bucket = %q/%v, want the absorbed transfer",
			p.Statistical.DailyVolume.CurrentDay, p.Statistical.DailyVolume.CurrentDayVolume)
	}
	if p.Temporal.TimezoneConfidence <= 0 {
		t.Fatal("timezone inference was never persisted")
	}
	if p.Temporal.TimezoneOffset != 0 {
		t.Errorf("TimezoneOffset = %d, want 0 for business-hours UTC activity", p.Temporal.TimezoneOffset)
	}
	if len(p.Temporal.PreferredHours) == 0 || !p.PrefersHour(12) {
		t.Errorf("PreferredHours = %v, want the business hours", p.Temporal.PreferredHours)
	}
	if len(p.Network.CoreNetwork) != 1 || p.Network.CoreNetwork[0].Address != "0xregular" {
		t.Errorf("CoreNetwork = %+v, want the frequent counterparty promoted", p.Network.CoreNetwork)
	}

	// A second day's transfer folds the finished day into the history.
	e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 50, Timestamp: ts.Add(24 * time.Hour)}, nil, nil)
	p = store.get("0xwhale")
	if len(p.Statistical.DailyVolume.History) != 1 || p.Statistical.DailyVolume.History[0] != 100 {
		t.Errorf("DailyVolume.History = %v, want [100] after rollover", p.Statistical.DailyVolume.History)
	}
}

func TestRecordAnomalyEvent(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	prev := ts.Add(-40 * 24 * time.Hour)

	t.Run("dormancy span", func(t *testing.T) {
		p := pattern.New("0xwhale")
		a := mkAnomaly(AnomalyDormantAwakening, SeverityCritical, 0.9, "behavioral", ts)
		recordAnomalyEvent(p, a, prev, ts)
		if len(p.Behavioral.DormantPeriods) != 1 {
			t.Fatalf("DormantPeriods = %d, want 1", len(p.Behavioral.DormantPeriods))
		}
		if !p.Behavioral.DormantPeriods[0].Start.Equal(prev) || !p.Behavioral.DormantPeriods[0].End.Equal(ts) {
			t.Errorf("span = %+v, want %v..%v", p.Behavioral.DormantPeriods[0], prev, ts)
		}
	})

	t.Run("first transfer records no span", func(t *testing.T) {
		p := pattern.New("0xwhale")
		a := mkAnomaly(AnomalyDormantAwakening, SeverityCritical, 0.9, "behavioral", ts)
		recordAnomalyEvent(p, a, time.Time{}, ts)
		if len(p.Behavioral.DormantPeriods) != 0 {
			t.Errorf("DormantPeriods = %d, want none without a prior activity stamp", len(p.Behavioral.DormantPeriods))
		}
	})

	t.Run("velocity spike", func(t *testing.T) {
		p := pattern.New("0xwhale")
		a := mkAnomaly(AnomalyVelocitySpike, SeverityHigh, 0.8, "velocity", ts)
		a.Details, _ = json.Marshal(map[string]any{"window": "hour", "multiplier": 12.5})
		recordAnomalyEvent(p, a, prev, ts)
		if len(p.Velocity.Spikes) != 1 {
			t.Fatalf("Spikes = %d, want 1", len(p.Velocity.Spikes))
		}
		if s := p.Velocity.Spikes[0]; s.Window != "hour" || s.Multiplier != 12.5 || !s.Timestamp.Equal(ts) {
			t.Errorf("spike = %+v", s)
		}
	})

	t.Run("sustained period", func(t *testing.T) {
		p := pattern.New("0xwhale")
		a := mkAnomaly(AnomalySustainedActivity, SeverityMedium, 0.6, "velocity", ts)
		a.Details, _ = json.Marshal(map[string]any{"buckets": 3, "bucket_size": "10m0s", "avg_multiplier": 4.0})
		recordAnomalyEvent(p, a, prev, ts)
		if len(p.Velocity.SustainedPeriods) != 1 {
			t.Fatalf("SustainedPeriods = %d, want 1", len(p.Velocity.SustainedPeriods))
		}
		sp := p.Velocity.SustainedPeriods[0]
		if !sp.End.Equal(ts) || !sp.Start.Equal(ts.Add(-30*time.Minute)) || sp.AvgMultiplier != 4.0 {
			t.Errorf("sustained period = %+v", sp)
		}
	})

	t.Run("malformed details are skipped", func(t *testing.T) {
		p := pattern.New("0xwhale")
		a := mkAnomaly(AnomalyVelocitySpike, SeverityHigh, 0.8, "velocity", ts)
		a.Details = json.RawMessage(`{broken`)
		recordAnomalyEvent(p, a, prev, ts)
		if len(p.Velocity.Spikes) != 0 {
			t.Errorf("Spikes = %d, want none from malformed details", len(p.Velocity.Spikes))
		}
	})
}

func TestEngine_ConfidentDormancyStillRecordsSpan(t *testing.T) {
	ts := time.Now().UTC()
	e, store := newTestEngine(t, nil)
	e.detectors = []Detector{newStubDetector("loud", []Anomaly{
		mkAnomaly(AnomalyDormantAwakening, SeverityCritical, 0.95, "loud", ts),
	}, nil)}

	seed := pattern.New("0xwhale")
	seed.Learning.DataPoints = 10
	seed.Behavioral.LastActivity = ts.Add(-200 * 24 * time.Hour)
	store.m["0xwhale"] = seed

	e.AnalyzeActivity(context.Background(), "0xwhale", Activity{Amount: 500000, Timestamp: ts}, nil, nil)

	p := store.get("0xwhale")
	if len(p.Statistical.Amounts.History) != 0 {
		t.Error("a confident anomaly must still withhold the statistics update")
	}
	if len(p.Behavioral.DormantPeriods) != 1 {
		t.Fatalf("DormantPeriods = %d, want the awakening span recorded", len(p.Behavioral.DormantPeriods))
	}
	span := p.Behavioral.DormantPeriods[0]
	if !span.Start.Equal(ts.Add(-200 * 24 * time.Hour)) || !span.End.Equal(ts) {
		t.Errorf("span = %+v, want the 200-day gap", span)
	}
}
