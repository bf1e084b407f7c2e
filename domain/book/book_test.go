package book

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	return New("TEST-MKT", zap.NewNop())
}

func mustOrder(t *testing.T, id string, side Side, action Action, price int, qty int64) *Order {
	t.Helper()
	o, err := NewOrder(id, side, action, price, qty)
	require.NoError(t, err)
	return o
}

func TestOrderNormalization(t *testing.T) {
	cases := []struct {
		side      Side
		action    Action
		price     int
		wantPrice int
		wantBuy   bool
	}{
		{Yes, Buy, 30, 30, true},
		{Yes, Sell, 70, 70, false},
		{No, Buy, 40, 60, false},
		{No, Sell, 35, 65, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s_%d", tc.side, tc.action, tc.price), func(t *testing.T) {
			o, err := NewOrder("o1", tc.side, tc.action, tc.price, 10)
			require.NoError(t, err)
			require.Equal(t, tc.wantPrice, o.NormalizedPrice)
			require.Equal(t, tc.wantBuy, o.NormalizedBuy)
		})
	}
}

func TestOrderValidation(t *testing.T) {
	_, err := NewOrder("o1", Yes, Buy, 0, 10)
	require.Error(t, err)
	_, err = NewOrder("o1", Yes, Buy, 100, 10)
	require.Error(t, err)
	_, err = NewOrder("o1", Yes, Buy, 50, 0)
	require.Error(t, err)
	_, err = NewOrder("o1", Yes, Buy, 50, -5)
	require.Error(t, err)
}

func TestAddOrderRejectsDuplicateID(t *testing.T) {
	b := newTestBook(t)
	require.True(t, b.AddOrder(mustOrder(t, "o1", Yes, Buy, 30, 10)))
	require.False(t, b.AddOrder(mustOrder(t, "o1", Yes, Buy, 40, 20)))
	require.Equal(t, 1, b.Orders())

	// The original order is untouched by the rejected duplicate.
	o, ok := b.Order("o1")
	require.True(t, ok)
	require.Equal(t, 30, o.Price)
}

func TestBestBidAsk(t *testing.T) {
	b := newTestBook(t)
	_, ok := b.BestBid()
	require.False(t, ok)

	b.AddOrder(mustOrder(t, "b1", Yes, Buy, 30, 10))
	b.AddOrder(mustOrder(t, "b2", Yes, Buy, 45, 5))
	b.AddOrder(mustOrder(t, "a1", Yes, Sell, 60, 7))
	b.AddOrder(mustOrder(t, "a2", Yes, Sell, 55, 3))

	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, LevelQty{Price: 45, Qty: 5}, bid)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.Equal(t, LevelQty{Price: 55, Qty: 3}, ask)
}

func TestCancelOrder(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "o1", Yes, Buy, 30, 10))
	b.AddOrder(mustOrder(t, "o2", Yes, Buy, 30, 15))

	require.True(t, b.CancelOrder("o1"))
	require.False(t, b.CancelOrder("o1"))
	require.False(t, b.CancelOrder("nope"))

	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, int64(15), bid.Qty)

	require.True(t, b.CancelOrder("o2"))
	_, ok = b.BestBid()
	require.False(t, ok)
}

func TestSnapshotAggregation(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "y1", Yes, Buy, 30, 100)) // yes@30
	b.AddOrder(mustOrder(t, "y2", Yes, Buy, 45, 50))  // yes@45
	b.AddOrder(mustOrder(t, "n1", No, Buy, 40, 25))   // no@40
	b.AddOrder(mustOrder(t, "n2", No, Sell, 35, 10))  // yes@65 (normalized)
	b.AddOrder(mustOrder(t, "s1", Yes, Sell, 70, 99)) // not reported

	snap := b.Snapshot(-1)
	require.Equal(t, []LevelQty{{65, 10}, {45, 50}, {30, 100}}, snap.Yes)
	require.Equal(t, []LevelQty{{40, 25}}, snap.No)
}

func TestSnapshotDepth(t *testing.T) {
	b := newTestBook(t)
	for i, price := range []int{10, 20, 30, 40} {
		b.AddOrder(mustOrder(t, fmt.Sprintf("o%d", i), Yes, Buy, price, 1))
	}

	snap := b.Snapshot(2)
	require.Equal(t, []LevelQty{{40, 1}, {30, 1}}, snap.Yes)

	snap = b.Snapshot(0)
	require.Empty(t, snap.Yes)
}

func TestSnapshotAggregatesSamePriceAcrossSides(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "y1", Yes, Buy, 65, 100))
	b.AddOrder(mustOrder(t, "n1", No, Sell, 35, 40)) // also yes@65

	snap := b.Snapshot(-1)
	require.Equal(t, []LevelQty{{65, 140}}, snap.Yes)
}

func TestCalculateDeltas(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "y1", Yes, Buy, 30, 100))

	deltas := b.CalculateDeltas()
	require.Equal(t, []Delta{{Price: 30, Qty: 100, Side: Yes}}, deltas)

	// Unchanged book produces no deltas.
	require.Empty(t, b.CalculateDeltas())

	b.AddOrder(mustOrder(t, "y2", Yes, Buy, 30, 20))
	b.AddOrder(mustOrder(t, "n1", No, Buy, 40, 5))
	deltas = b.CalculateDeltas()
	require.ElementsMatch(t, []Delta{
		{Price: 30, Qty: 20, Side: Yes},
		{Price: 40, Qty: 5, Side: No},
	}, deltas)

	b.CancelOrder("y1")
	b.CancelOrder("y2")
	deltas = b.CalculateDeltas()
	require.Equal(t, []Delta{{Price: 30, Qty: -120, Side: Yes}}, deltas)
}

func TestResetDeltaTracking(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "y1", Yes, Buy, 30, 100))
	b.CalculateDeltas()

	b.ResetDeltaTracking()

	// After a reset every live level is reported as new again.
	deltas := b.CalculateDeltas()
	require.Equal(t, []Delta{{Price: 30, Qty: 100, Side: Yes}}, deltas)
}

func TestSelfCrossDetection(t *testing.T) {
	b := newTestBook(t)
	events := b.SubscribeCrosses(8)

	b.AddOrder(mustOrder(t, "a1", Yes, Sell, 60, 10)) // ask@60
	b.AddOrder(mustOrder(t, "b1", Yes, Buy, 60, 5))   // buy@60 crosses

	ev := <-events
	require.Equal(t, SelfCross, ev.Kind)
	require.Equal(t, "b1", ev.OrderID)
	require.Equal(t, 60, ev.NormalizedPrice)

	// Detect-and-notify only: both orders still rest.
	require.Equal(t, 2, b.Orders())
}

func TestSelfCrossSellSide(t *testing.T) {
	b := newTestBook(t)
	events := b.SubscribeCrosses(8)

	b.AddOrder(mustOrder(t, "b1", Yes, Buy, 50, 10)) // bid@50
	b.AddOrder(mustOrder(t, "a1", Yes, Sell, 45, 5)) // sell@45 crosses

	ev := <-events
	require.Equal(t, SelfCross, ev.Kind)
	require.Equal(t, "a1", ev.OrderID)
}

func TestNoSelfCrossWhenSpread(t *testing.T) {
	b := newTestBook(t)
	events := b.SubscribeCrosses(8)

	b.AddOrder(mustOrder(t, "a1", Yes, Sell, 60, 10))
	b.AddOrder(mustOrder(t, "b1", Yes, Buy, 55, 5))

	select {
	case ev := <-events:
		t.Fatalf("unexpected cross event %v", ev)
	default:
	}
}

func TestExternalCrossDetection(t *testing.T) {
	b := newTestBook(t)
	events := b.SubscribeCrosses(8)

	b.AddOrder(mustOrder(t, "b1", Yes, Buy, 65, 10)) // bid@65
	b.AddOrder(mustOrder(t, "n1", No, Buy, 40, 5))   // ask@60, original 40; 65+40 > 100

	// The crossing buy-NO trips the self-cross check too; the external
	// cross condition is reported on top of it.
	ev := <-events
	require.Equal(t, SelfCross, ev.Kind)
	ev = <-events
	require.Equal(t, ExternalCross, ev.Kind)
	require.Equal(t, "n1", ev.OrderID)
}

func TestNoExternalCrossBelowThreshold(t *testing.T) {
	b := newTestBook(t)
	events := b.SubscribeCrosses(8)

	b.AddOrder(mustOrder(t, "b1", Yes, Buy, 60, 10))
	b.AddOrder(mustOrder(t, "n1", No, Buy, 35, 5)) // ask@65, 60+35 < 100

	select {
	case ev := <-events:
		t.Fatalf("unexpected cross event %v", ev)
	default:
	}
}

func TestRemoveZeroQuantityOrders(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "o1", Yes, Buy, 30, 10))
	b.AddOrder(mustOrder(t, "o2", Yes, Buy, 30, 20))
	b.AddOrder(mustOrder(t, "o3", Yes, Buy, 40, 5))

	o1, _ := b.Order("o1")
	o1.Quantity = 0
	o3, _ := b.Order("o3")
	o3.Quantity = 0

	b.RemoveZeroQuantityOrders()

	require.Equal(t, 1, b.Orders())
	_, ok := b.Order("o1")
	require.False(t, ok)
	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, 30, bid.Price)
}

func TestPriceLevelFIFO(t *testing.T) {
	b := newTestBook(t)
	b.AddOrder(mustOrder(t, "o1", Yes, Buy, 30, 10))
	b.AddOrder(mustOrder(t, "o2", Yes, Buy, 30, 20))
	b.AddOrder(mustOrder(t, "o3", Yes, Buy, 30, 30))

	b.mu.RLock()
	lvl := b.bids.FindLevel(30)
	require.NotNil(t, lvl)
	var ids []string
	for o := lvl.Head(); o != nil; o = o.Next() {
		ids = append(ids, o.ID)
	}
	b.mu.RUnlock()
	require.Equal(t, []string{"o1", "o2", "o3"}, ids)
}

func BenchmarkAddOrder(b *testing.B) {
	book := New("BENCH-MKT", zap.NewNop())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o, _ := NewOrder(fmt.Sprintf("o%d", i), Yes, Buy, 1+i%99, 10)
		book.AddOrder(o)
	}
}

func BenchmarkSnapshot(b *testing.B) {
	book := New("BENCH-MKT", zap.NewNop())
	for i := 0; i < 10000; i++ {
		o, _ := NewOrder(fmt.Sprintf("o%d", i), Side(i%2), Action(i%2), 1+i%99, 10)
		book.AddOrder(o)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		book.Snapshot(-1)
	}
}

func BenchmarkCalculateDeltas(b *testing.B) {
	book := New("BENCH-MKT", zap.NewNop())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o, _ := NewOrder(fmt.Sprintf("o%d", i), Yes, Buy, 1+i%99, 10)
		book.AddOrder(o)
		book.CalculateDeltas()
	}
}
