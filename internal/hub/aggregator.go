// Package hub aggregates ranging records from all units into per-pair
// state and serves snapshots of it. The Aggregator is the single owner
// of pair state: ingestion and snapshot generation both go through its
// lock, and snapshots are copies, so readers never see partial updates.
package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/ranging"
	"github.com/banshee-data/proximity.report/internal/record"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Recorder persists the measurement history. The aggregator calls it
// inline for every record, accepted or rejected; implementations that
// cannot keep up should buffer internally.
type Recorder interface {
	RecordMeasurement(rec record.Distance, receivedAt time.Time, accepted bool) error
}

// Stats counts what the aggregator has seen since startup.
type Stats struct {
	MeasurementsReceived uint64  `json:"measurements_received"`
	MeasurementsRejected uint64  `json:"measurements_rejected"`
	HeartbeatsReceived   uint64  `json:"heartbeats_received"`
	StatusReceived       uint64  `json:"status_received"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// pairEntry is the live state for one unit pair.
type pairEntry struct {
	distance  float64
	quality   float64
	updatedAt time.Time // local receipt time, not the sender's clock
}

// AggregatorConfig bundles the aggregator's tunables.
type AggregatorConfig struct {
	Model            ProximityModel
	QualityThreshold float64
	StaleAfter       time.Duration
	Clock            timeutil.Clock
	Recorder         Recorder
}

// Aggregator ingests distance records and heartbeats and answers
// snapshot queries.
type Aggregator struct {
	model      ProximityModel
	threshold  float64
	staleAfter time.Duration
	clock      timeutil.Clock
	recorder   Recorder

	startedAt time.Time

	mu    sync.Mutex
	pairs map[ranging.Pair]*pairEntry
	nodes map[ranging.UnitID]time.Time // identity -> last seen
	stats Stats
}

// NewAggregator builds an aggregator from the given configuration.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.Model == (ProximityModel{}) {
		cfg.Model = DefaultProximityModel()
	}
	return &Aggregator{
		model:      cfg.Model,
		threshold:  cfg.QualityThreshold,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		recorder:   cfg.Recorder,
		startedAt:  cfg.Clock.Now(),
		pairs:      make(map[ranging.Pair]*pairEntry),
		nodes:      make(map[ranging.UnitID]time.Time),
	}
}

// Ingest applies one distance record. Records below the quality
// threshold are counted and persisted to history but do not overwrite
// pair state. Unknown identities create new entries; the deployment is
// open to late joiners.
func (a *Aggregator) Ingest(rec record.Distance) error {
	pair, err := rec.Pair()
	if err != nil {
		return err
	}
	now := a.clock.Now()

	a.mu.Lock()
	a.stats.MeasurementsReceived++
	a.nodes[pair.A] = now
	a.nodes[pair.B] = now

	accepted := rec.Quality >= a.threshold
	if accepted {
		entry, ok := a.pairs[pair]
		if !ok {
			entry = &pairEntry{}
			a.pairs[pair] = entry
		}
		entry.distance = rec.Distance
		entry.quality = rec.Quality
		entry.updatedAt = now
	} else {
		a.stats.MeasurementsRejected++
	}
	a.mu.Unlock()

	if !accepted {
		monitoring.Logf("hub: rejected %s-%s %.2fm (quality %.2f below %.2f)",
			rec.Node, rec.Peer, rec.Distance, rec.Quality, a.threshold)
	}
	if a.recorder != nil {
		if err := a.recorder.RecordMeasurement(rec, now, accepted); err != nil {
			monitoring.Logf("hub: record measurement: %v", err)
		}
	}
	return nil
}

// Heartbeat marks a unit as alive.
func (a *Aggregator) Heartbeat(rec record.Heartbeat) {
	id, err := ranging.ParseUnitID(rec.Node)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.stats.HeartbeatsReceived++
	a.nodes[id] = a.clock.Now()
	a.mu.Unlock()
}

// Status logs a diagnostic message from a unit.
func (a *Aggregator) Status(rec record.Status) {
	a.mu.Lock()
	a.stats.StatusReceived++
	a.mu.Unlock()
	monitoring.Logf("hub: status from %s: %s", rec.Node, rec.Message)
}

// PairSnapshot is one pair's state as served to viewers.
type PairSnapshot struct {
	NodeA      string  `json:"node_a"`
	NodeB      string  `json:"node_b"`
	DistanceM  float64 `json:"distance_m"`
	Quality    float64 `json:"quality"`
	Proximity  float64 `json:"proximity"`
	AgeSeconds float64 `json:"age_seconds"`
	Stale      bool    `json:"stale"`
}

// NodeSnapshot is one unit's liveness as served to viewers.
type NodeSnapshot struct {
	ID           string  `json:"id"`
	LastSeenSecs float64 `json:"last_seen_seconds"`
}

// Snapshot is a point-in-time copy of the aggregator's state.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Nodes       []NodeSnapshot `json:"nodes"`
	Pairs       []PairSnapshot `json:"pairs"`
	Stats       Stats          `json:"stats"`
}

// Snapshot copies the current state. Stale pairs are flagged by age,
// never removed; retention is somebody else's policy.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		GeneratedAt: now,
		Nodes:       make([]NodeSnapshot, 0, len(a.nodes)),
		Pairs:       make([]PairSnapshot, 0, len(a.pairs)),
		Stats:       a.statsCopy(now),
	}
	for id, seen := range a.nodes {
		snap.Nodes = append(snap.Nodes, NodeSnapshot{
			ID:           id.String(),
			LastSeenSecs: now.Sub(seen).Seconds(),
		})
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	for pair, entry := range a.pairs {
		age := now.Sub(entry.updatedAt)
		snap.Pairs = append(snap.Pairs, PairSnapshot{
			NodeA:      pair.A.String(),
			NodeB:      pair.B.String(),
			DistanceM:  entry.distance,
			Quality:    entry.quality,
			Proximity:  a.model.Proximity(entry.distance),
			AgeSeconds: age.Seconds(),
			Stale:      age > a.staleAfter,
		})
	}
	sort.Slice(snap.Pairs, func(i, j int) bool {
		if snap.Pairs[i].NodeA != snap.Pairs[j].NodeA {
			return snap.Pairs[i].NodeA < snap.Pairs[j].NodeA
		}
		return snap.Pairs[i].NodeB < snap.Pairs[j].NodeB
	})
	return snap
}

// Counters returns a copy of the ingest counters.
func (a *Aggregator) Counters() Stats {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsCopy(now)
}

// statsCopy must be called with the lock held.
func (a *Aggregator) statsCopy(now time.Time) Stats {
	s := a.stats
	s.UptimeSeconds = now.Sub(a.startedAt).Seconds()
	return s
}
