package replica

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bookd/model"
)

// Side selects one of the two level maps of a replica.
type Side uint8

const (
	Yes Side = iota
	No
)

func (s Side) String() string {
	if s == Yes {
		return "yes"
	}
	return "no"
}

// ParseSide maps the wire side value. Anything but "yes"/"no" is rejected so
// a malformed delta can be skipped by the caller instead of landing on the
// wrong side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "yes":
		return Yes, nil
	case "no":
		return No, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// UpdateType records how a price level was last touched.
type UpdateType uint8

const (
	UpdateSnapshot UpdateType = iota
	UpdateDeltaAdd
	UpdateDeltaModify
	UpdateDeltaRemove
)

func (t UpdateType) String() string {
	switch t {
	case UpdateSnapshot:
		return "SNAPSHOT"
	case UpdateDeltaAdd:
		return "DELTA_ADD"
	case UpdateDeltaModify:
		return "DELTA_MODIFY"
	case UpdateDeltaRemove:
		return "DELTA_REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Level is one reconstructed price level with provenance. A level with
// quantity <= 0 never exists in a state's maps; it is deleted, not zeroed.
type Level struct {
	Qty        int64
	LastUpdate time.Time
	UpdateType UpdateType
}

// State reconstructs one market's book purely from an ordered (but not
// gap-free, not duplicate-free) stream of snapshot and delta events.
//
// The state's own lock is the per-market monitor: live ingestion and
// bootstrap seeding both serialize through it, so a late-finishing bootstrap
// can never interleave partial state with a racing live update.
type State struct {
	mu sync.RWMutex

	marketTicker string
	lastSeq      *int64
	lastUpdate   time.Time
	yesLevels    map[int]Level
	noLevels     map[int]Level
}

// NewState creates an empty replica for a market.
func NewState(ticker string) *State {
	return &State{
		marketTicker: ticker,
		yesLevels:    make(map[int]Level),
		noLevels:     make(map[int]Level),
	}
}

// MarketTicker returns the market this replica tracks.
func (s *State) MarketTicker() string { return s.marketTicker }

// ApplySnapshot unconditionally replaces both side maps with the snapshot's
// levels. Entries with quantity <= 0 are dropped during parse, never stored.
func (s *State) ApplySnapshot(data *model.SnapshotData, seq *int64) {
	now := time.Now()
	yes := parseSide(data.Yes, now)
	no := parseSide(data.No, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.yesLevels = yes
	s.noLevels = no
	s.lastSeq = cloneSeq(seq)
	s.lastUpdate = now
}

// ApplyDelta applies a single (side, price) quantity change. A sequence at
// or below the last applied one is a duplicate or stale replay: it is
// silently dropped without mutation. The sequence and timestamp only advance
// when the delta actually changed the state, so a no-op delta (removing
// quantity from an absent level) never masks a later message.
func (s *State) ApplyDelta(side Side, price int, delta int64, seq *int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != nil && s.lastSeq != nil && *seq <= *s.lastSeq {
		return false
	}

	levels := s.yesLevels
	if side == No {
		levels = s.noLevels
	}

	cur, exists := levels[price]
	newQty := cur.Qty + delta

	changed := false
	if newQty <= 0 {
		if exists {
			delete(levels, price)
			changed = true
		}
	} else if newQty != cur.Qty {
		updateType := UpdateDeltaModify
		if !exists {
			updateType = UpdateDeltaAdd
		} else if delta < 0 {
			updateType = UpdateDeltaRemove
		}
		levels[price] = Level{Qty: newQty, LastUpdate: time.Now(), UpdateType: updateType}
		changed = true
	}

	if changed {
		if seq != nil {
			s.lastSeq = cloneSeq(seq)
		}
		s.lastUpdate = time.Now()
	}
	return changed
}

// IsSnapshotIdentical reports whether the candidate's parsed levels are
// value-equal to the current state on both sides, including both empty.
func (s *State) IsSnapshotIdentical(data *model.SnapshotData) bool {
	now := time.Now()
	yes := parseSide(data.Yes, now)
	no := parseSide(data.No, now)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return sidesEqual(s.yesLevels, yes) && sidesEqual(s.noLevels, no)
}

// Copy produces an independent deep clone so a reader can hold a stable view
// while ingestion keeps mutating the live instance.
func (s *State) Copy() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &State{
		marketTicker: s.marketTicker,
		lastSeq:      cloneSeq(s.lastSeq),
		lastUpdate:   s.lastUpdate,
		yesLevels:    make(map[int]Level, len(s.yesLevels)),
		noLevels:     make(map[int]Level, len(s.noLevels)),
	}
	for price, lvl := range s.yesLevels {
		clone.yesLevels[price] = lvl
	}
	for price, lvl := range s.noLevels {
		clone.noLevels[price] = lvl
	}
	return clone
}

// ReplaceWith overwrites this state with the contents of other, under this
// state's lock. Bootstrap seeding goes through here so it serializes against
// live updates on the same monitor.
func (s *State) ReplaceWith(other *State) {
	snap := other.Copy()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = snap.lastSeq
	s.lastUpdate = snap.lastUpdate
	s.yesLevels = snap.yesLevels
	s.noLevels = snap.noLevels
}

// LastSequence returns the last applied sequence number.
func (s *State) LastSequence() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSeq == nil {
		return 0, false
	}
	return *s.lastSeq, true
}

// RecordSequence advances the sequence bookkeeping without touching content
// or timestamp. Used when an identical snapshot is absorbed.
func (s *State) RecordSequence(seq *int64) {
	if seq == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = cloneSeq(seq)
}

// LastUpdate returns when the state content last changed.
func (s *State) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// IsEmpty reports whether both sides hold no levels.
func (s *State) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.yesLevels) == 0 && len(s.noLevels) == 0
}

// Level returns the level at (side, price), if present.
func (s *State) Level(side Side, price int) (Level, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	levels := s.yesLevels
	if side == No {
		levels = s.noLevels
	}
	lvl, ok := levels[price]
	return lvl, ok
}

// Best returns the highest-priced level on a side, if any.
func (s *State) Best(side Side) (int, Level, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	levels := s.yesLevels
	if side == No {
		levels = s.noLevels
	}
	bestPrice := -1
	var best Level
	for price, lvl := range levels {
		if price > bestPrice {
			bestPrice = price
			best = lvl
		}
	}
	if bestPrice < 0 {
		return 0, Level{}, false
	}
	return bestPrice, best, true
}

// SnapshotData exports the current levels in wire shape: yes sorted high to
// low, no sorted low to high.
func (s *State) SnapshotData() *model.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &model.SnapshotData{
		Yes: exportSide(s.yesLevels, true),
		No:  exportSide(s.noLevels, false),
	}
}

// MostRecentLevelUpdate returns the newest per-level timestamp, falling back
// to the state's own timestamp when no levels exist.
func (s *State) MostRecentLevelUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	newest := s.lastUpdate
	for _, lvl := range s.yesLevels {
		if lvl.LastUpdate.After(newest) {
			newest = lvl.LastUpdate
		}
	}
	for _, lvl := range s.noLevels {
		if lvl.LastUpdate.After(newest) {
			newest = lvl.LastUpdate
		}
	}
	return newest
}

// IsStale reports whether the state has not changed within threshold.
// Staleness is the only externally observable failure signal of the
// ingestion path.
func (s *State) IsStale(threshold time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastUpdate.IsZero() {
		return true
	}
	return time.Since(s.lastUpdate) > threshold
}

func parseSide(pairs [][]int64, now time.Time) map[int]Level {
	levels := make(map[int]Level, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		price, qty := int(pair[0]), pair[1]
		if qty <= 0 {
			continue
		}
		levels[price] = Level{Qty: qty, LastUpdate: now, UpdateType: UpdateSnapshot}
	}
	return levels
}

func sidesEqual(a, b map[int]Level) bool {
	if len(a) != len(b) {
		return false
	}
	for price, lvl := range a {
		other, ok := b[price]
		if !ok || other.Qty != lvl.Qty {
			return false
		}
	}
	return true
}

func exportSide(levels map[int]Level, descending bool) [][]int64 {
	prices := make([]int, 0, len(levels))
	for price := range levels {
		prices = append(prices, price)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.IntSlice(prices)))
	} else {
		sort.Ints(prices)
	}
	out := make([][]int64, 0, len(prices))
	for _, price := range prices {
		out = append(out, []int64{int64(price), levels[price].Qty})
	}
	return out
}

func cloneSeq(seq *int64) *int64 {
	if seq == nil {
		return nil
	}
	v := *seq
	return &v
}
