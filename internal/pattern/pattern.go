// Whalesentry - Blockchain Whale Activity Monitoring and Anomaly Detection
// Copyright 2026 The Whalesentry Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/whalesentry/whalesentry

// Package pattern maintains the learned per-address behavioral baseline and
// its tiered persistence (memory LRU, badger cache, sharded compressed disk).
package pattern

import (
	"sort"
	"time"

	"github.com/whalesentry/whalesentry/internal/stats"
)

// MaxAmountHistory bounds the rolling transfer-amount history per address.
const MaxAmountHistory = 100

// MaxAnomalyHistory bounds the ring of recent anomalies per address.
const MaxAnomalyHistory = 100

// maxRecentConnections bounds the recent-counterparty list.
const maxRecentConnections = 50

// maxRateSamples bounds the historical rate samples kept per velocity window.
const maxRateSamples = 50

// maxRecordedEvents bounds the dormant-period, spike and sustained-period
// event histories.
const maxRecordedEvents = 50

// maxCoreNetwork bounds the promoted core-counterparty list.
const maxCoreNetwork = 20

// corePromotionCount is the sighting count at which a recent connection is
// promoted into the core network.
const corePromotionCount = 5

// txRateSmoothing is the exponential smoothing factor for transaction rates:
// new = old*(1-txRateSmoothing) + observation*txRateSmoothing.
const txRateSmoothing = 0.05

// Role classifies an address by its dominant behavior.
type Role string

const (
	RoleUnknown   Role = "unknown"
	RoleHolder    Role = "holder"
	RoleTrader    Role = "trader"
	RoleValidator Role = "validator"
	RoleExchange  Role = "exchange"
)

// ActivityLevel is the ordinal activity classification of an address.
type ActivityLevel string

const (
	ActivityUnknown ActivityLevel = "unknown"
	ActivityDormant ActivityLevel = "dormant"
	ActivityLow     ActivityLevel = "low"
	ActivityMedium  ActivityLevel = "medium"
	ActivityHigh    ActivityLevel = "high"
)

// Rank returns the ordinal position of the level: dormant < low < medium < high.
// Unknown ranks -1 so level-change checks skip unclassified addresses.
func (l ActivityLevel) Rank() int {
	switch l {
	case ActivityDormant:
		return 0
	case ActivityLow:
		return 1
	case ActivityMedium:
		return 2
	case ActivityHigh:
		return 3
	default:
		return -1
	}
}

// AmountStats holds the rolling transfer-amount statistics.
type AmountStats struct {
	Mean    float64   `json:"mean"`
	StdDev  float64   `json:"std_dev"`
	Median  float64   `json:"median"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	P25     float64   `json:"p25"`
	P75     float64   `json:"p75"`
	P95     float64   `json:"p95"`
	History []float64 `json:"history"`
}

// VolumeStats holds aggregated daily-volume statistics. CurrentDay and
// CurrentDayVolume accumulate the in-progress day; the day folds into
// History on rollover.
type VolumeStats struct {
	Mean             float64   `json:"mean"`
	StdDev           float64   `json:"std_dev"`
	History          []float64 `json:"history"`
	CurrentDay       string    `json:"current_day,omitempty"`
	CurrentDayVolume float64   `json:"current_day_volume,omitempty"`
}

// StatisticalProfile is the statistical section of a pattern.
type StatisticalProfile struct {
	Amounts     AmountStats `json:"amounts"`
	DailyVolume VolumeStats `json:"daily_volume"`
}

// TransactionRates are exponentially smoothed transaction counts.
type TransactionRates struct {
	Daily   float64 `json:"daily"`
	Weekly  float64 `json:"weekly"`
	Monthly float64 `json:"monthly"`
}

// DormantPeriod records an observed span of inactivity.
type DormantPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BehavioralProfile is the behavioral section of a pattern.
type BehavioralProfile struct {
	Role           Role             `json:"role"`
	ActivityLevel  ActivityLevel    `json:"activity_level"`
	LastActivity   time.Time        `json:"last_activity"`
	DormantPeriods []DormantPeriod  `json:"dormant_periods,omitempty"`
	TxRates        TransactionRates `json:"tx_rates"`
}

// WindowRates tracks hourly-normalized rates for one velocity window.
type WindowRates struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
}

// RateSpike records a historical velocity spike.
type RateSpike struct {
	Window     string    `json:"window"`
	Multiplier float64   `json:"multiplier"`
	Timestamp  time.Time `json:"timestamp"`
}

// SustainedPeriod records a span of sustained elevated activity.
type SustainedPeriod struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AvgMultiplier float64   `json:"avg_multiplier"`
}

// VelocityProfile is the velocity section of a pattern.
type VelocityProfile struct {
	Hourly WindowRates `json:"hourly"`
	Daily  WindowRates `json:"daily"`
	Weekly WindowRates `json:"weekly"`

	// RateSamples holds recent hourly-normalized rate samples per window
	// name ("hour", "day", "week"), newest last, bounded.
	RateSamples map[string][]float64 `json:"rate_samples,omitempty"`

	Spikes           []RateSpike       `json:"spikes,omitempty"`
	SustainedPeriods []SustainedPeriod `json:"sustained_periods,omitempty"`
}

// Counterparty summarizes observed traffic with one counterparty address.
type Counterparty struct {
	Address   string    `json:"address"`
	Count     int       `json:"count"`
	Volume    float64   `json:"volume"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NetworkProfile is the network section of a pattern.
type NetworkProfile struct {
	TotalUniqueAddresses int            `json:"total_unique_addresses"`
	CoreNetwork          []Counterparty `json:"core_network,omitempty"`
	RecentConnections    []Counterparty `json:"recent_connections,omitempty"`
	GrowthRate           float64        `json:"growth_rate"`
}

// TemporalProfile is the temporal section of a pattern.
type TemporalProfile struct {
	Hourly  [24]float64 `json:"hourly"`
	Weekly  [7]float64  `json:"weekly"`
	Monthly [31]float64 `json:"monthly"`

	// TimezoneOffset is the inferred UTC offset in hours, valid only when
	// TimezoneConfidence > 0.
	TimezoneOffset     int     `json:"timezone_offset"`
	TimezoneConfidence float64 `json:"timezone_confidence"`

	PreferredHours []int `json:"preferred_hours,omitempty"`
}

// AnomalyRecord is a compact entry in the pattern's anomaly history ring.
type AnomalyRecord struct {
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// LearningState tracks how much the baseline can be trusted.
type LearningState struct {
	Confidence  float64   `json:"confidence"`
	Reliability float64   `json:"reliability"`
	Version     uint64    `json:"version"`
	DataPoints  uint64    `json:"data_points"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Pattern is the learned baseline for one address.
//
// Invariants: len(AnomalyHistory) <= MaxAnomalyHistory with oldest entries
// dropped first; Learning.Version strictly increases on every persisted
// mutation; Learning.DataPoints never decreases.
type Pattern struct {
	Address     string             `json:"address"`
	Statistical StatisticalProfile `json:"statistical"`
	Behavioral  BehavioralProfile  `json:"behavioral"`
	Velocity    VelocityProfile    `json:"velocity"`
	Network     NetworkProfile     `json:"network"`
	Temporal    TemporalProfile    `json:"temporal"`

	AnomalyHistory []AnomalyRecord `json:"anomaly_history,omitempty"`
	Learning       LearningState   `json:"learning"`
}

// New returns an empty pattern for an address, ready to learn.
func New(address string) *Pattern {
	now := time.Now().UTC()
	return &Pattern{
		Address: address,
		Behavioral: BehavioralProfile{
			Role:          RoleUnknown,
			ActivityLevel: ActivityUnknown,
		},
		Velocity: VelocityProfile{
			RateSamples: make(map[string][]float64),
		},
		Learning: LearningState{
			CreatedAt:   now,
			LastUpdated: now,
		},
	}
}

// Bump increments the version and stamps the update time. Every persisted
// mutation goes through here.
func (p *Pattern) Bump() {
	p.Learning.Version++
	p.Learning.LastUpdated = time.Now().UTC()
}

// Clone returns a deep copy. The store hands out clones so cached patterns
// stay immutable snapshots: one goroutine mutating a pattern can never race
// another reading the cached copy.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p

	c.Statistical.Amounts.History = append([]float64(nil), p.Statistical.Amounts.History...)
	c.Statistical.DailyVolume.History = append([]float64(nil), p.Statistical.DailyVolume.History...)
	c.Behavioral.DormantPeriods = append([]DormantPeriod(nil), p.Behavioral.DormantPeriods...)
	c.Velocity.Spikes = append([]RateSpike(nil), p.Velocity.Spikes...)
	c.Velocity.SustainedPeriods = append([]SustainedPeriod(nil), p.Velocity.SustainedPeriods...)
	c.Network.CoreNetwork = append([]Counterparty(nil), p.Network.CoreNetwork...)
	c.Network.RecentConnections = append([]Counterparty(nil), p.Network.RecentConnections...)
	c.Temporal.PreferredHours = append([]int(nil), p.Temporal.PreferredHours...)
	c.AnomalyHistory = append([]AnomalyRecord(nil), p.AnomalyHistory...)

	if p.Velocity.RateSamples != nil {
		c.Velocity.RateSamples = make(map[string][]float64, len(p.Velocity.RateSamples))
		for window, samples := range p.Velocity.RateSamples {
			c.Velocity.RateSamples[window] = append([]float64(nil), samples...)
		}
	}
	return &c
}

// ApplyTransfer folds one observed transfer into the rolling statistics:
// the amount history (bounded), recomputed amount stats, smoothed transaction
// rates, the temporal histograms and the last-activity stamp.
func (p *Pattern) ApplyTransfer(amount float64, ts time.Time) {
	p.UpdateStatistical(amount)
	p.UpdateTemporal(ts)

	// Count-per-observation smoothing: each transfer nudges the rates.
	r := &p.Behavioral.TxRates
	r.Daily = r.Daily*(1-txRateSmoothing) + txRateSmoothing
	r.Weekly = r.Weekly*(1-txRateSmoothing) + txRateSmoothing
	r.Monthly = r.Monthly*(1-txRateSmoothing) + txRateSmoothing

	if ts.After(p.Behavioral.LastActivity) {
		p.Behavioral.LastActivity = ts
	}
}

// UpdateStatistical appends an amount to the bounded history and recomputes
// the derived amount statistics.
func (p *Pattern) UpdateStatistical(amount float64) {
	a := &p.Statistical.Amounts
	a.History = append(a.History, amount)
	if len(a.History) > MaxAmountHistory {
		a.History = a.History[len(a.History)-MaxAmountHistory:]
	}

	a.Mean = stats.Mean(a.History)
	a.StdDev = stats.StdDev(a.History)
	a.Median = stats.Median(a.History)
	a.Min, a.Max = stats.MinMax(a.History)
	a.P25 = nearestRank(a.History, 0.25)
	a.P75 = nearestRank(a.History, 0.75)
	a.P95 = nearestRank(a.History, 0.95)
}

// UpdateDailyVolume folds one aggregated daily volume into the history.
func (p *Pattern) UpdateDailyVolume(volume float64) {
	v := &p.Statistical.DailyVolume
	v.History = append(v.History, volume)
	if len(v.History) > MaxAmountHistory {
		v.History = v.History[len(v.History)-MaxAmountHistory:]
	}
	v.Mean = stats.Mean(v.History)
	v.StdDev = stats.StdDev(v.History)
}

// AccumulateDailyVolume folds an amount into the running day bucket and, on
// day rollover, folds the finished day into the volume history. Timestamps
// from days already rolled past only grow the current bucket.
func (p *Pattern) AccumulateDailyVolume(amount float64, ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	v := &p.Statistical.DailyVolume
	if v.CurrentDay == "" {
		v.CurrentDay = day
	}
	if day > v.CurrentDay {
		p.UpdateDailyVolume(v.CurrentDayVolume)
		v.CurrentDay = day
		v.CurrentDayVolume = 0
	}
	v.CurrentDayVolume += amount
}

// RefreshPreferredHours re-derives the preferred hours from the hourly
// histogram: hours whose count sits above mean plus one standard deviation.
func (p *Pattern) RefreshPreferredHours() {
	hourly := p.Temporal.Hourly[:]
	mean := stats.Mean(hourly)
	floor := mean + stats.StdDev(hourly)

	var preferred []int
	for hour, count := range p.Temporal.Hourly {
		if count > 0 && count > floor {
			preferred = append(preferred, hour)
		}
	}
	p.Temporal.PreferredHours = preferred
}

// PromoteCoreConnections moves recent counterparties seen at least
// corePromotionCount times into the core network, merging repeat sightings
// of an address already promoted. The core list is bounded; the
// least-transacted entry is evicted first.
func (p *Pattern) PromoteCoreConnections() {
	kept := p.Network.RecentConnections[:0]
	for _, c := range p.Network.RecentConnections {
		if c.Count < corePromotionCount {
			kept = append(kept, c)
			continue
		}

		merged := false
		for i := range p.Network.CoreNetwork {
			core := &p.Network.CoreNetwork[i]
			if core.Address == c.Address {
				core.Count += c.Count
				core.Volume += c.Volume
				if c.LastSeen.After(core.LastSeen) {
					core.LastSeen = c.LastSeen
				}
				merged = true
				break
			}
		}
		if !merged {
			p.Network.CoreNetwork = append(p.Network.CoreNetwork, c)
		}
	}
	p.Network.RecentConnections = kept

	if len(p.Network.CoreNetwork) > maxCoreNetwork {
		sort.SliceStable(p.Network.CoreNetwork, func(i, j int) bool {
			return p.Network.CoreNetwork[i].Count > p.Network.CoreNetwork[j].Count
		})
		p.Network.CoreNetwork = p.Network.CoreNetwork[:maxCoreNetwork]
	}
}

// UpdateTemporal increments the activity histograms for a timestamp.
func (p *Pattern) UpdateTemporal(ts time.Time) {
	utc := ts.UTC()
	p.Temporal.Hourly[utc.Hour()]++
	p.Temporal.Weekly[int(utc.Weekday())]++
	if day := utc.Day() - 1; day >= 0 && day < 31 {
		p.Temporal.Monthly[day]++
	}
}

// SetRole records a role classification.
func (p *Pattern) SetRole(role Role) {
	p.Behavioral.Role = role
}

// SetActivityLevel records an activity-level classification.
func (p *Pattern) SetActivityLevel(level ActivityLevel) {
	p.Behavioral.ActivityLevel = level
}

// RecordDormantPeriod appends an observed dormancy span, bounded with the
// oldest dropped first.
func (p *Pattern) RecordDormantPeriod(start, end time.Time) {
	p.Behavioral.DormantPeriods = append(p.Behavioral.DormantPeriods, DormantPeriod{
		Start: start,
		End:   end,
	})
	if len(p.Behavioral.DormantPeriods) > maxRecordedEvents {
		p.Behavioral.DormantPeriods = p.Behavioral.DormantPeriods[len(p.Behavioral.DormantPeriods)-maxRecordedEvents:]
	}
}

// RecordSpike appends a velocity spike to the bounded history.
func (p *Pattern) RecordSpike(window string, multiplier float64, ts time.Time) {
	p.Velocity.Spikes = append(p.Velocity.Spikes, RateSpike{
		Window:     window,
		Multiplier: multiplier,
		Timestamp:  ts,
	})
	if len(p.Velocity.Spikes) > maxRecordedEvents {
		p.Velocity.Spikes = p.Velocity.Spikes[len(p.Velocity.Spikes)-maxRecordedEvents:]
	}
}

// RecordSustainedPeriod appends a sustained-activity span to the bounded
// history.
func (p *Pattern) RecordSustainedPeriod(start, end time.Time, avgMultiplier float64) {
	p.Velocity.SustainedPeriods = append(p.Velocity.SustainedPeriods, SustainedPeriod{
		Start:         start,
		End:           end,
		AvgMultiplier: avgMultiplier,
	})
	if len(p.Velocity.SustainedPeriods) > maxRecordedEvents {
		p.Velocity.SustainedPeriods = p.Velocity.SustainedPeriods[len(p.Velocity.SustainedPeriods)-maxRecordedEvents:]
	}
}

// RecordAnomaly appends an anomaly to the bounded history ring,
// dropping the oldest entries first.
func (p *Pattern) RecordAnomaly(rec AnomalyRecord) {
	p.AnomalyHistory = append(p.AnomalyHistory, rec)
	if len(p.AnomalyHistory) > MaxAnomalyHistory {
		p.AnomalyHistory = p.AnomalyHistory[len(p.AnomalyHistory)-MaxAnomalyHistory:]
	}
}

// RecordVelocitySample appends a rate sample for a window, bounded.
func (p *Pattern) RecordVelocitySample(window string, rate float64) {
	if p.Velocity.RateSamples == nil {
		p.Velocity.RateSamples = make(map[string][]float64)
	}
	samples := append(p.Velocity.RateSamples[window], rate)
	if len(samples) > maxRateSamples {
		samples = samples[len(samples)-maxRateSamples:]
	}
	p.Velocity.RateSamples[window] = samples
}

// RecordConnection folds a counterparty sighting into the core network when
// the address was already promoted, otherwise into the recent-connection
// list, bounded with oldest dropped first.
func (p *Pattern) RecordConnection(address string, amount float64, ts time.Time) {
	for i := range p.Network.CoreNetwork {
		c := &p.Network.CoreNetwork[i]
		if c.Address == address {
			c.Count++
			c.Volume += amount
			if ts.After(c.LastSeen) {
				c.LastSeen = ts
			}
			return
		}
	}
	for i := range p.Network.RecentConnections {
		c := &p.Network.RecentConnections[i]
		if c.Address == address {
			c.Count++
			c.Volume += amount
			if ts.After(c.LastSeen) {
				c.LastSeen = ts
			}
			return
		}
	}

	p.Network.RecentConnections = append(p.Network.RecentConnections, Counterparty{
		Address:   address,
		Count:     1,
		Volume:    amount,
		FirstSeen: ts,
		LastSeen:  ts,
	})
	if len(p.Network.RecentConnections) > maxRecentConnections {
		p.Network.RecentConnections = p.Network.RecentConnections[len(p.Network.RecentConnections)-maxRecentConnections:]
	}
	p.Network.TotalUniqueAddresses++
}

// IncrementDataPoints bumps the observation counter and nudges confidence
// toward 1 as evidence accumulates.
func (p *Pattern) IncrementDataPoints() {
	p.Learning.DataPoints++
	p.Learning.Confidence = stats.Clamp(float64(p.Learning.DataPoints)/float64(MaxAmountHistory), 0, 1)
}

// KnowsCounterparty reports whether an address appears in the core network
// or the recent connections.
func (p *Pattern) KnowsCounterparty(address string) bool {
	for _, c := range p.Network.CoreNetwork {
		if c.Address == address {
			return true
		}
	}
	for _, c := range p.Network.RecentConnections {
		if c.Address == address {
			return true
		}
	}
	return false
}

// PrefersHour reports whether the hour is in the learned preferred set.
func (p *Pattern) PrefersHour(hour int) bool {
	for _, h := range p.Temporal.PreferredHours {
		if h == hour {
			return true
		}
	}
	return false
}

// nearestRank returns the nearest-rank percentile of values for q in (0,1).
func nearestRank(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(q*float64(n)+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}
