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

// NetworkConfig configures the network detector.
type NetworkConfig struct {
	// NewCounterpartyThreshold is the number of previously unseen
	// counterparties that fires NETWORK_EXPANSION.
	NewCounterpartyThreshold int `json:"new_counterparty_threshold"`

	// MassiveExpansionThreshold escalates expansion severity.
	MassiveExpansionThreshold int `json:"massive_expansion_threshold"`

	// ExpansionRiskThreshold escalates expansion when the volume-concentration
	// heuristic over new counterparties exceeds it.
	ExpansionRiskThreshold float64 `json:"expansion_risk_threshold"`

	// MinClusterSize is the smallest connected component reported as a cluster.
	MinClusterSize int `json:"min_cluster_size"`

	// ClusterSimilarityThreshold is the pairwise volume-similarity needed
	// for a non-direct graph edge.
	ClusterSimilarityThreshold float64 `json:"cluster_similarity_threshold"`

	// CoordinationWindow is the timestamp proximity that counts two
	// transfers as coordinated.
	CoordinationWindow time.Duration `json:"coordination_window"`

	// CoordinationMatchRatio is the average pairwise match ratio that fires.
	CoordinationMatchRatio float64 `json:"coordination_match_ratio"`

	// BridgeCentralityThreshold is the bidirectional-counterparty ratio
	// above which bridge behavior fires.
	BridgeCentralityThreshold float64 `json:"bridge_centrality_threshold"`

	// KnownExchanges is the seeded exchange address list; when empty the
	// detector falls back to a behavioral heuristic.
	KnownExchanges []string `json:"known_exchanges,omitempty"`
}

// DefaultNetworkConfig returns sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NewCounterpartyThreshold:   5,
		MassiveExpansionThreshold:  20,
		ExpansionRiskThreshold:     0.8,
		MinClusterSize:             3,
		ClusterSimilarityThreshold: 0.5,
		CoordinationWindow:         5 * time.Minute,
		CoordinationMatchRatio:     0.8,
		BridgeCentralityThreshold:  0.5,
	}
}

// connection accumulates observed traffic with one counterparty.
type connection struct {
	address   string
	inCount   int
	outCount  int
	volume    float64
	amounts   []float64
	firstSeen time.Time
	lastSeen  time.Time
}

// NetworkDetector flags structural changes and suspicious topologies in the
// address's counterparty graph.
type NetworkDetector struct {
	baseDetector
	cfgMu  sync.RWMutex
	config NetworkConfig

	exchangeMu sync.RWMutex
	exchanges  map[string]bool
}

// NewNetworkDetector creates a network detector. knownExchanges seeds the
// exchange list; nil falls back to the behavioral heuristic.
func NewNetworkDetector(knownExchanges []string) *NetworkDetector {
	d := &NetworkDetector{
		baseDetector: newBaseDetector(DetectorNetwork),
		config:       DefaultNetworkConfig(),
	}
	d.setExchanges(knownExchanges)
	return d
}

func (d *NetworkDetector) setExchanges(addrs []string) {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[a] = true
	}
	d.exchangeMu.Lock()
	d.exchanges = set
	d.exchangeMu.Unlock()
}

func (d *NetworkDetector) isKnownExchange(addr string) bool {
	d.exchangeMu.RLock()
	defer d.exchangeMu.RUnlock()
	return d.exchanges[addr]
}

func (d *NetworkDetector) hasExchangeList() bool {
	d.exchangeMu.RLock()
	defer d.exchangeMu.RUnlock()
	return len(d.exchanges) > 0
}

// Detect evaluates the counterparty graph built from recent transfers.
func (d *NetworkDetector) Detect(_ context.Context, dctx *Context) ([]Anomaly, error) {
	if !d.Enabled() || dctx.Pattern == nil {
		return nil, nil
	}
	config := d.Config()

	conns := buildConnections(dctx)

	var anomalies []Anomaly
	if a := d.checkExpansion(config, dctx, conns); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkClustering(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkCoordinated(config, dctx); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkBridge(config, dctx, conns); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.checkExchange(config, dctx, conns); a != nil {
		anomalies = append(anomalies, *a)
	}
	return anomalies, nil
}

// buildConnections folds the recent transfers into a per-counterparty map
// from the monitored address's perspective.
func buildConnections(dctx *Context) map[string]*connection {
	conns := make(map[string]*connection)
	observe := func(addr string, amount float64, ts time.Time, outgoing bool) {
		if addr == "" || addr == dctx.Address {
			return
		}
		c, ok := conns[addr]
		if !ok {
			c = &connection{address: addr, firstSeen: ts, lastSeen: ts}
			conns[addr] = c
		}
		if outgoing {
			c.outCount++
		} else {
			c.inCount++
		}
		c.volume += amount
		c.amounts = append(c.amounts, amount)
		if ts.Before(c.firstSeen) {
			c.firstSeen = ts
		}
		if ts.After(c.lastSeen) {
			c.lastSeen = ts
		}
	}

	for _, tr := range dctx.RecentTransfers {
		switch dctx.Address {
		case tr.From:
			observe(tr.To, tr.Amount, tr.Timestamp, true)
		case tr.To:
			observe(tr.From, tr.Amount, tr.Timestamp, false)
		}
	}
	if cp := dctx.Activity.Counterparty; cp != "" {
		observe(cp, dctx.Activity.Amount, dctx.Activity.Timestamp, true)
	}
	return conns
}

// checkExpansion fires when enough counterparties are absent from both the
// core network and the recent-connection list.
func (d *NetworkDetector) checkExpansion(config NetworkConfig, dctx *Context, conns map[string]*connection) *Anomaly {
	var fresh []*connection
	freshVolume, totalVolume := 0.0, 0.0
	for _, c := range conns {
		totalVolume += c.volume
		if !dctx.Pattern.KnowsCounterparty(c.address) {
			fresh = append(fresh, c)
			freshVolume += c.volume
		}
	}
	if len(fresh) < config.NewCounterpartyThreshold {
		return nil
	}

	// Concentration heuristic: the share of observed volume flowing to the
	// unseen counterparties, weighted by how top-heavy that flow is.
	risk := 0.0
	if totalVolume > 0 {
		share := freshVolume / totalVolume
		topShare := 0.0
		for _, c := range fresh {
			if c.volume > topShare {
				topShare = c.volume
			}
		}
		risk = share * (0.5 + 0.5*topShare/math.Max(freshVolume, 1e-9))
	}

	severity := SeverityMedium
	if len(fresh) >= config.MassiveExpansionThreshold || risk > config.ExpansionRiskThreshold {
		severity = SeverityHigh
	}

	details := map[string]any{
		"new_counterparties": len(fresh),
		"known_total":        dctx.Pattern.Network.TotalUniqueAddresses,
		"fresh_volume":       freshVolume,
		"risk":               risk,
	}
	a := d.formatAnomaly(AnomalyNetworkExpansion, severity, details,
		stats.Clamp(float64(len(fresh))/float64(config.MassiveExpansionThreshold)+risk/4, 0, 1),
		fmt.Sprintf("%d previously unseen counterparties in recent activity", len(fresh)))
	return &a
}

// checkClustering builds an undirected similarity graph over the addresses in
// the transfer set and classifies large connected components.
func (d *NetworkDetector) checkClustering(config NetworkConfig, dctx *Context) *Anomaly {
	// Node volumes and direct links.
	volumes := make(map[string]float64)
	amounts := make(map[string][]float64)
	adj := make(map[string]map[string]bool)
	link := func(a, b string) {
		if adj[a] == nil {
			adj[a] = make(map[string]bool)
		}
		if adj[b] == nil {
			adj[b] = make(map[string]bool)
		}
		adj[a][b] = true
		adj[b][a] = true
	}

	for _, tr := range dctx.RecentTransfers {
		if tr.From == "" || tr.To == "" {
			continue
		}
		volumes[tr.From] += tr.Amount
		volumes[tr.To] += tr.Amount
		amounts[tr.From] = append(amounts[tr.From], tr.Amount)
		amounts[tr.To] = append(amounts[tr.To], tr.Amount)
		link(tr.From, tr.To)
	}
	if len(volumes) < config.MinClusterSize {
		return nil
	}

	// Volume-similarity edges between indirectly related nodes.
	nodes := make([]string, 0, len(volumes))
	for n := range volumes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			a, b := nodes[i], nodes[j]
			if adj[a][b] {
				continue
			}
			va, vb := volumes[a], volumes[b]
			if va == 0 || vb == 0 {
				continue
			}
			if math.Min(va, vb)/math.Max(va, vb) >= config.ClusterSimilarityThreshold {
				link(a, b)
			}
		}
	}

	// Depth-first connected components.
	visited := make(map[string]bool)
	var best []string
	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var component []string
		stack := []string{start}
		visited[start] = true
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, n)
			for m := range adj[n] {
				if !visited[m] {
					visited[m] = true
					stack = append(stack, m)
				}
			}
		}
		if len(component) > len(best) {
			best = component
		}
	}
	if len(best) < config.MinClusterSize {
		return nil
	}

	// Classify the dominant cluster.
	n := len(best)
	edges := 0
	var clusterAmounts []float64
	for _, a := range best {
		edges += len(adj[a])
		clusterAmounts = append(clusterAmounts, amounts[a]...)
	}
	density := float64(edges) / float64(n*(n-1)) // each edge counted twice

	uniformity := 0.0
	meanAmount := stats.Mean(clusterAmounts)
	if meanAmount > 0 {
		uniformity = stats.Clamp(1-stats.StdDev(clusterAmounts)/meanAmount, 0, 1)
	}

	classification := "cluster"
	severity := SeverityMedium
	switch {
	case density >= 0.6 && uniformity >= 0.8:
		classification = "wash_trading"
		severity = SeverityHigh
	case n >= 2*config.MinClusterSize && meanAmount > 0 && meanAmount < 0.2*dctx.Pattern.Statistical.Amounts.Mean:
		classification = "sybil"
		severity = SeverityHigh
	}

	details := map[string]any{
		"cluster_size":   n,
		"density":        density,
		"uniformity":     uniformity,
		"classification": classification,
	}
	a := d.formatAnomaly(AnomalyNetworkClustering, severity, details,
		stats.Clamp(density*0.5+uniformity*0.3+float64(n)/50, 0, 1),
		fmt.Sprintf("connected cluster of %d addresses (density %.2f, classified %s)", n, density, classification))
	return &a
}

// checkCoordinated measures pairwise timestamp proximity across the related
// addresses and fires when the average match ratio clears the threshold.
func (d *NetworkDetector) checkCoordinated(config NetworkConfig, dctx *Context) *Anomaly {
	if len(dctx.RelatedAddresses) < 2 {
		return nil
	}

	// Timestamps and volumes per related address, from the transfer set.
	times := make(map[string][]time.Time)
	volumes := make(map[string]float64)
	for _, tr := range dctx.RecentTransfers {
		for _, addr := range dctx.RelatedAddresses {
			if tr.From == addr || tr.To == addr {
				times[addr] = append(times[addr], tr.Timestamp)
				volumes[addr] += tr.Amount
			}
		}
	}

	pairs, ratioSum := 0, 0.0
	for i := 0; i < len(dctx.RelatedAddresses); i++ {
		for j := i + 1; j < len(dctx.RelatedAddresses); j++ {
			ta := times[dctx.RelatedAddresses[i]]
			tb := times[dctx.RelatedAddresses[j]]
			if len(ta) == 0 || len(tb) == 0 {
				continue
			}
			matches := 0
			for _, x := range ta {
				for _, y := range tb {
					delta := x.Sub(y)
					if delta < 0 {
						delta = -delta
					}
					if delta <= config.CoordinationWindow {
						matches++
						break
					}
				}
			}
			ratioSum += float64(matches) / float64(len(ta))
			pairs++
		}
	}
	if pairs == 0 {
		return nil
	}

	avgRatio := ratioSum / float64(pairs)
	if avgRatio < config.CoordinationMatchRatio {
		return nil
	}

	// Near-identical pair volumes raise severity further.
	severity := SeverityHigh
	vols := make([]float64, 0, len(volumes))
	for _, v := range volumes {
		vols = append(vols, v)
	}
	if mean := stats.Mean(vols); mean > 0 && stats.StdDev(vols)/mean < 0.1 {
		severity = SeverityCritical
	}

	details := map[string]any{
		"related_addresses": len(dctx.RelatedAddresses),
		"avg_match_ratio":   avgRatio,
		"window":            config.CoordinationWindow.String(),
	}
	a := d.formatAnomaly(AnomalyCoordinatedActivity, severity, details,
		stats.Clamp(avgRatio, 0, 1),
		fmt.Sprintf("%d related addresses transact in lockstep (match ratio %.2f)", len(dctx.RelatedAddresses), avgRatio))
	return &a
}

// checkBridge approximates betweenness via the bidirectional-counterparty
// ratio and fires when the address routes balanced two-way flow.
func (d *NetworkDetector) checkBridge(config NetworkConfig, dctx *Context, conns map[string]*connection) *Anomaly {
	if len(conns) < 2 {
		return nil
	}

	bidirectional := 0
	inTotal, outTotal := 0, 0
	for _, c := range conns {
		if c.inCount > 0 && c.outCount > 0 {
			bidirectional++
		}
		inTotal += c.inCount
		outTotal += c.outCount
	}

	centrality := float64(bidirectional) / float64(len(conns))
	if centrality <= config.BridgeCentralityThreshold {
		return nil
	}

	total := inTotal + outTotal
	if total == 0 {
		return nil
	}
	inRatio := float64(inTotal) / float64(total)
	if inRatio < 0.4 || inRatio > 0.6 {
		return nil
	}

	details := map[string]any{
		"counterparties": len(conns),
		"bidirectional":  bidirectional,
		"centrality":     centrality,
		"in_ratio":       inRatio,
	}
	a := d.formatAnomaly(AnomalyBridgeActivity, SeverityMedium, details,
		stats.Clamp(centrality, 0, 1),
		fmt.Sprintf("address routes balanced two-way flow across %d counterparties (centrality %.2f)", len(conns), centrality))
	return &a
}

// checkExchange matches the current counterparty against the known-exchange
// list, or falls back to a behavioral heuristic (high transfer count with a
// strong deposit/withdraw skew) when no list is configured.
func (d *NetworkDetector) checkExchange(config NetworkConfig, dctx *Context, conns map[string]*connection) *Anomaly {
	cp := dctx.Activity.Counterparty
	if cp == "" {
		return nil
	}

	var matched bool
	var via string
	if d.hasExchangeList() {
		matched = d.isKnownExchange(cp)
		via = "known_list"
	} else if c, ok := conns[cp]; ok {
		// Behavioral proxy: busy counterparty with one-sided flow.
		total := c.inCount + c.outCount
		if total >= 10 {
			skew := math.Abs(float64(c.inCount-c.outCount)) / float64(total)
			matched = skew >= 0.8
			via = "heuristic"
		}
	}
	if !matched {
		return nil
	}

	severity := SeverityLow
	mean := dctx.Pattern.Statistical.Amounts.Mean
	if mean > 0 && dctx.Activity.Amount > 5*mean {
		severity = SeverityMedium
	}

	details := map[string]any{
		"counterparty": cp,
		"matched_via":  via,
		"amount":       dctx.Activity.Amount,
	}
	a := d.formatAnomaly(AnomalyExchangeInteraction, severity, details,
		0.6,
		fmt.Sprintf("transfer of %.2f to exchange-like counterparty %s", dctx.Activity.Amount, cp))
	return &a
}

// Configure replaces the detector configuration.
func (d *NetworkDetector) Configure(config json.RawMessage) error {
	var newConfig NetworkConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.NewCounterpartyThreshold < 1 {
		return fmt.Errorf("new_counterparty_threshold must be positive")
	}
	if newConfig.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be at least 2")
	}
	if newConfig.CoordinationWindow <= 0 {
		return fmt.Errorf("coordination_window must be positive")
	}
	if newConfig.CoordinationMatchRatio <= 0 || newConfig.CoordinationMatchRatio > 1 {
		return fmt.Errorf("coordination_match_ratio must be in (0,1]")
	}

	d.cfgMu.Lock()
	d.config = newConfig
	d.cfgMu.Unlock()
	d.setExchanges(newConfig.KnownExchanges)
	return nil
}

// Config returns the current configuration.
func (d *NetworkDetector) Config() NetworkConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}
