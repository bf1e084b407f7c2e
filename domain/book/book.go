package book

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// CrossKind classifies a detected cross condition.
type CrossKind uint8

const (
	// SelfCross: an incoming order would execute immediately against the
	// best resting level on the opposite normalized side.
	SelfCross CrossKind = iota
	// ExternalCross: best normalized bid + best resting buy-NO original
	// price exceeds 100, an arbitrage condition across the two contracts.
	ExternalCross
)

func (k CrossKind) String() string {
	if k == SelfCross {
		return "self_cross"
	}
	return "external_cross"
}

// CrossEvent notifies listeners that a cross condition exists. The book only
// detects and notifies; it never matches or removes the crossing liquidity.
type CrossEvent struct {
	MarketTicker    string
	OrderID         string
	Kind            CrossKind
	NormalizedPrice int
}

// LevelQty is one aggregated price level of a book snapshot.
type LevelQty struct {
	Price int
	Qty   int64
}

// Snapshot is the aggregated book state, de-normalized back into the two
// original contract sides.
type Snapshot struct {
	Yes []LevelQty // sorted high to low
	No  []LevelQty // sorted low to high
}

// Delta is a single per-side, per-price quantity change.
type Delta struct {
	Price int
	Qty   int64 // signed change
	Side  Side
}

// Book is the authoritative order book for one market, expressed on a single
// normalized side-pair. All mutations go through the book's lock; contention
// on one market never blocks another.
type Book struct {
	ticker string
	log    *zap.Logger

	mu     sync.RWMutex
	bids   *rbTree // normalized buys, best = max
	asks   *rbTree // normalized sells, best = min
	orders map[string]*Order

	listeners []chan CrossEvent

	// Baseline for delta generation, keyed by original-side price.
	prevYes map[int]int64
	prevNo  map[int]int64
}

// New creates an empty book for the given market.
func New(ticker string, log *zap.Logger) *Book {
	return &Book{
		ticker:  ticker,
		log:     log,
		bids:    newRBTree(),
		asks:    newRBTree(),
		orders:  make(map[string]*Order),
		prevYes: make(map[int]int64),
		prevNo:  make(map[int]int64),
	}
}

// AddOrder admits a resting order. A duplicate order ID is rejected with
// false; cross conditions are detected before insertion and notified without
// blocking it.
func (b *Book) AddOrder(o *Order) bool {
	b.mu.Lock()
	if _, exists := b.orders[o.ID]; exists {
		b.mu.Unlock()
		return false
	}

	var events []CrossEvent
	if b.selfCrossLocked(o) {
		events = append(events, CrossEvent{
			MarketTicker:    b.ticker,
			OrderID:         o.ID,
			Kind:            SelfCross,
			NormalizedPrice: o.NormalizedPrice,
		})
	}

	side := b.asks
	if o.NormalizedBuy {
		side = b.bids
	}
	side.UpsertLevel(o.NormalizedPrice).enqueue(o)
	b.orders[o.ID] = o

	if b.externalCrossLocked() {
		events = append(events, CrossEvent{
			MarketTicker:    b.ticker,
			OrderID:         o.ID,
			Kind:            ExternalCross,
			NormalizedPrice: o.NormalizedPrice,
		})
	}
	b.mu.Unlock()

	for _, ev := range events {
		b.emit(ev)
	}
	return true
}

// CancelOrder removes a resting order; empty levels are deleted. Returns
// false for an unknown ID.
func (b *Book) CancelOrder(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return false
	}
	delete(b.orders, id)

	side := b.asks
	if o.NormalizedBuy {
		side = b.bids
	}
	if lvl := side.FindLevel(o.NormalizedPrice); lvl != nil {
		lvl.unlink(o)
		if lvl.empty() {
			side.DeleteLevel(o.NormalizedPrice)
		}
	}
	return true
}

// BestBid returns the highest normalized bid level.
func (b *Book) BestBid() (LevelQty, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lvl := b.bids.MaxLevel()
	if lvl == nil {
		return LevelQty{}, false
	}
	return LevelQty{Price: lvl.Price, Qty: lvl.TotalQty}, true
}

// BestAsk returns the lowest normalized ask level.
func (b *Book) BestAsk() (LevelQty, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lvl := b.asks.MinLevel()
	if lvl == nil {
		return LevelQty{}, false
	}
	return LevelQty{Price: lvl.Price, Qty: lvl.TotalQty}, true
}

// Order returns the live order for an ID, if resting.
func (b *Book) Order(id string) (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	return o, ok
}

// Orders returns the number of resting orders.
func (b *Book) Orders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// RemoveZeroQuantityOrders sweeps both sides after a fill pass, dropping
// orders with no remaining quantity, levels left empty, and their index
// entries.
func (b *Book) RemoveZeroQuantityOrders() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.bids)
	b.sweepLocked(b.asks)
}

func (b *Book) sweepLocked(t *rbTree) {
	var emptied []int
	t.ForEachAscending(func(lvl *PriceLevel) bool {
		for o := lvl.head; o != nil; {
			next := o.next
			if o.Quantity == 0 {
				lvl.unlink(o)
				delete(b.orders, o.ID)
			}
			o = next
		}
		if lvl.empty() {
			emptied = append(emptied, lvl.Price)
		}
		return true
	})
	for _, price := range emptied {
		t.DeleteLevel(price)
	}
}

// Snapshot aggregates the top depth levels per original side. A depth < 0
// means unlimited.
func (b *Book) Snapshot(depth int) Snapshot {
	b.mu.RLock()
	yes, no := b.aggregateLocked()
	b.mu.RUnlock()

	snap := Snapshot{
		Yes: sortLevels(yes, true),
		No:  sortLevels(no, false),
	}
	if depth >= 0 {
		if len(snap.Yes) > depth {
			snap.Yes = snap.Yes[:depth]
		}
		if len(snap.No) > depth {
			snap.No = snap.No[:depth]
		}
	}
	return snap
}

// CalculateDeltas diffs the current aggregated state against the previous
// call's baseline and replaces the baseline with the current state. The
// first call after ResetDeltaTracking reports every live level as new.
func (b *Book) CalculateDeltas() []Delta {
	b.mu.Lock()
	defer b.mu.Unlock()

	yes, no := b.aggregateLocked()
	deltas := diffSide(b.prevYes, yes, Yes)
	deltas = append(deltas, diffSide(b.prevNo, no, No)...)
	b.prevYes = yes
	b.prevNo = no
	return deltas
}

// ResetDeltaTracking clears the delta baseline.
func (b *Book) ResetDeltaTracking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prevYes = make(map[int]int64)
	b.prevNo = make(map[int]int64)
}

// SubscribeCrosses registers a cross listener with the given buffer. Sends
// never block: when the buffer is full the event is dropped for that
// listener only.
func (b *Book) SubscribeCrosses(buf int) <-chan CrossEvent {
	ch := make(chan CrossEvent, buf)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
	return ch
}

func (b *Book) emit(ev CrossEvent) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
			b.log.Warn("cross listener queue full, event dropped",
				zap.String("market", b.ticker),
				zap.String("kind", ev.Kind.String()))
		}
	}
}

// selfCrossLocked reports whether the incoming order would execute
// immediately against the opposite normalized side.
func (b *Book) selfCrossLocked(o *Order) bool {
	if o.NormalizedBuy {
		if best := b.asks.MinLevel(); best != nil && o.NormalizedPrice >= best.Price {
			return true
		}
		return false
	}
	if best := b.bids.MaxLevel(); best != nil && o.NormalizedPrice <= best.Price {
		return true
	}
	return false
}

// externalCrossLocked reports whether the best normalized bid plus the best
// resting buy-NO original price exceeds 100. Checked after every insert,
// independently of self-cross.
func (b *Book) externalCrossLocked() bool {
	bestBid := b.bids.MaxLevel()
	if bestBid == nil {
		return false
	}
	crossed := false
	b.asks.ForEachAscending(func(lvl *PriceLevel) bool {
		for o := lvl.head; o != nil; o = o.next {
			if o.Side == No && o.Action == Buy {
				crossed = bestBid.Price+o.Price > 100
				return false // best buy-NO found, stop the walk
			}
		}
		return true
	})
	return crossed
}

// aggregateLocked builds the per-original-side quantity maps:
//
//	buy  YES -> yes at original price (resting as normalized bid)
//	buy  NO  -> no at original price (resting as normalized ask at 100-P)
//	sell NO  -> yes at normalized price (resting as normalized bid)
//
// Sell-YES liquidity stays on the normalized ask side and is not reported.
// Replicas rebuild from exactly this mapping; changing it desynchronizes
// every downstream consumer.
func (b *Book) aggregateLocked() (yes, no map[int]int64) {
	yes = make(map[int]int64)
	no = make(map[int]int64)

	b.bids.ForEachDescending(func(lvl *PriceLevel) bool {
		for o := lvl.head; o != nil; o = o.next {
			switch {
			case o.Side == Yes && o.Action == Buy:
				yes[o.Price] += o.Quantity
			case o.Side == No && o.Action == Sell:
				yes[o.NormalizedPrice] += o.Quantity
			}
		}
		return true
	})
	b.asks.ForEachAscending(func(lvl *PriceLevel) bool {
		for o := lvl.head; o != nil; o = o.next {
			if o.Side == No && o.Action == Buy {
				no[o.Price] += o.Quantity
			}
		}
		return true
	})
	return yes, no
}

func diffSide(prev, cur map[int]int64, side Side) []Delta {
	var deltas []Delta
	for price, qty := range cur {
		if qty != prev[price] {
			deltas = append(deltas, Delta{Price: price, Qty: qty - prev[price], Side: side})
		}
	}
	for price, qty := range prev {
		if _, still := cur[price]; !still {
			deltas = append(deltas, Delta{Price: price, Qty: -qty, Side: side})
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Price < deltas[j].Price })
	return deltas
}

func sortLevels(levels map[int]int64, descending bool) []LevelQty {
	out := make([]LevelQty, 0, len(levels))
	for price, qty := range levels {
		out = append(out, LevelQty{Price: price, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
