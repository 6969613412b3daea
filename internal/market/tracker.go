// Package market owns the per-market lifecycle state machine: discovery,
// periodic odds snapshotting while a race is still far out, promotion into
// the pre-off processing window, and terminal expiry/skip handling.
//
// A Tracker is a plain struct, not a goroutine. The scheduler in
// internal/engine is the sole owner and mutator of every Tracker in a
// Registry; nothing in this package takes a lock, because nothing in this
// package is ever touched concurrently.
package market

import (
	"sort"
	"time"

	"layengine/pkg/types"
)

const (
	maxSnapshots          = 20
	snapshotInterval      = 5 * time.Minute
	snapshotMinutesDelta  = 5.0
)

// Tracker holds the lifecycle state for one market_id across a trading day.
type Tracker struct {
	MarketID     string
	Market       types.Market
	State        types.TrackerState
	SkipReason   string
	DiscoveredAt time.Time
	ProcessedAt  time.Time
	Snapshots    []types.OddsSnapshot

	lastSnapshotAt   time.Time
	lastMinutesToOff float64
}

// NewTracker creates a freshly DISCOVERED tracker.
func NewTracker(m types.Market, now time.Time) *Tracker {
	return &Tracker{
		MarketID:         m.MarketID,
		Market:           m,
		State:            types.StateDiscovered,
		DiscoveredAt:     now,
		lastMinutesToOff: MinutesToOff(m, now),
	}
}

// MinutesToOff returns (race_time - now) in minutes; negative once off.
func MinutesToOff(m types.Market, now time.Time) float64 {
	return m.MarketStartTime.Sub(now).Seconds() / 60
}

// UpdateMarket refreshes runner metadata from a later catalogue read.
// Callers must not invoke this on a PROCESSED or EXPIRED tracker (spec
// §4.4 step 2: universe refresh never overwrites those).
func (t *Tracker) UpdateMarket(m types.Market) { t.Market = m }

// DueForSnapshot reports whether MONITORING should capture a new
// OddsSnapshot now (spec §4.3 cadence: ≥5 min elapsed OR minutes_to_off
// dropped by ≥5 since the last snapshot).
func (t *Tracker) DueForSnapshot(now time.Time) bool {
	if t.lastSnapshotAt.IsZero() {
		return true
	}
	if now.Sub(t.lastSnapshotAt) >= snapshotInterval {
		return true
	}
	return t.lastMinutesToOff-MinutesToOff(t.Market, now) >= snapshotMinutesDelta
}

// AddSnapshot appends to the bounded FIFO, dropping the oldest entry past
// 20 (spec §3/§4.3).
func (t *Tracker) AddSnapshot(snap types.OddsSnapshot) {
	t.Snapshots = append(t.Snapshots, snap)
	if len(t.Snapshots) > maxSnapshots {
		t.Snapshots = t.Snapshots[len(t.Snapshots)-maxSnapshots:]
	}
	t.lastSnapshotAt = snap.TakenAt
	t.lastMinutesToOff = MinutesToOff(t.Market, snap.TakenAt)
	t.PromoteToMonitoring()
}

// PromoteToMonitoring transitions DISCOVERED → MONITORING on the first
// snapshot (spec §4.3 diagram).
func (t *Tracker) PromoteToMonitoring() {
	if t.State == types.StateDiscovered {
		t.State = types.StateMonitoring
	}
}

// EnterWindow transitions {DISCOVERED,MONITORING} → IN_WINDOW. Called by
// the scheduler the moment a tracker is partitioned into the in-window
// cohort, before rule evaluation (spec §4.3 diagram).
func (t *Tracker) EnterWindow() {
	if t.State == types.StateDiscovered || t.State == types.StateMonitoring {
		t.State = types.StateInWindow
	}
}

// MarkProcessed transitions IN_WINDOW → PROCESSED. Terminal for the
// trading day regardless of later re-scans (spec §4.3).
func (t *Tracker) MarkProcessed(now time.Time) {
	t.State = types.StateProcessed
	t.ProcessedAt = now
}

// Expire transitions any non-EXPIRED tracker to EXPIRED once its race
// time has passed (spec §4.3/§4.4 step 6).
func (t *Tracker) Expire() {
	t.State = types.StateExpired
}

// Skip transitions any state to SKIPPED: in_play reached before
// IN_WINDOW, or the favourite's odds breach max_lay_odds at first book
// fetch (spec §4.3 "Additional transitions").
func (t *Tracker) Skip(reason string) {
	t.State = types.StateSkipped
	t.SkipReason = reason
}

// Registry owns every Tracker for the current trading day.
type Registry struct {
	trackers map[string]*Tracker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// Merge folds a fresh listWinMarkets result into the registry: new
// market_ids are inserted DISCOVERED, existing PROCESSED/EXPIRED trackers
// are left untouched, and everything else gets its runner metadata
// refreshed (spec §4.4 step 2).
func (r *Registry) Merge(markets []types.Market, now time.Time) int {
	discovered := 0
	for _, m := range markets {
		existing, ok := r.trackers[m.MarketID]
		if !ok {
			r.trackers[m.MarketID] = NewTracker(m, now)
			discovered++
			continue
		}
		if existing.State == types.StateProcessed || existing.State == types.StateExpired {
			continue
		}
		existing.UpdateMarket(m)
	}
	return discovered
}

// Put inserts or replaces a tracker directly, keyed by its MarketID.
// Used when restoring trackers from a persisted state document.
func (r *Registry) Put(t *Tracker) {
	r.trackers[t.MarketID] = t
}

// Get returns the tracker for market_id, if any.
func (r *Registry) Get(marketID string) (*Tracker, bool) {
	t, ok := r.trackers[marketID]
	return t, ok
}

// All returns every tracker, in no particular order.
func (r *Registry) All() []*Tracker {
	out := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t)
	}
	return out
}

// Len reports how many trackers the registry currently holds.
func (r *Registry) Len() int { return len(r.trackers) }

// Reset discards every tracker (day rollover, or reset_bets()).
func (r *Registry) Reset() {
	r.trackers = make(map[string]*Tracker)
}

// Cohorts is the three-way partition the scheduler computes each tick
// (spec §4.4 step 3).
type Cohorts struct {
	InWindow   []*Tracker
	Monitoring []*Tracker
	Expiry     []*Tracker
}

// Partition buckets every tracker into InWindow/Monitoring/Expiry per the
// exact predicates of spec §4.4 step 3, sorted ascending by race_time
// then market_id (spec §4.4/§5 ordering guarantee).
func (r *Registry) Partition(now time.Time, processWindowMinutes int) Cohorts {
	var c Cohorts
	for _, t := range r.trackers {
		minutesToOff := MinutesToOff(t.Market, now)
		switch {
		case minutesToOff <= 0 && t.State != types.StateExpired:
			c.Expiry = append(c.Expiry, t)
		case minutesToOff > 0 && minutesToOff <= float64(processWindowMinutes) && !t.State.IsTerminal():
			c.InWindow = append(c.InWindow, t)
		case minutesToOff > float64(processWindowMinutes) &&
			(t.State == types.StateDiscovered || t.State == types.StateMonitoring) &&
			t.DueForSnapshot(now):
			c.Monitoring = append(c.Monitoring, t)
		}
	}
	sortByRaceTimeThenMarketID(c.InWindow)
	sortByRaceTimeThenMarketID(c.Monitoring)
	sortByRaceTimeThenMarketID(c.Expiry)
	return c
}

func sortByRaceTimeThenMarketID(trackers []*Tracker) {
	sort.Slice(trackers, func(i, j int) bool {
		ti, tj := trackers[i].Market.MarketStartTime, trackers[j].Market.MarketStartTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return trackers[i].MarketID < trackers[j].MarketID
	})
}
