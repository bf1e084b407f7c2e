package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bookd/domain/book"
	"bookd/model"
	"bookd/registry"
)

// Publisher is the outbound log writer the feed publishes through.
type Publisher interface {
	Send(ctx context.Context, key, value []byte) error
}

// Feed is the exchange-side service: it mutates the authoritative books,
// assigns the per-market sequence numbers, and publishes the resulting
// deltas and snapshots to the market data log.
type Feed struct {
	registry  *registry.Registry
	publisher Publisher
	source    string
	depth     int
	log       *zap.Logger

	seqs sync.Map // ticker -> *atomic.Int64
}

// NewFeed creates the feed service. depth bounds published snapshots; a
// negative depth publishes the full book.
func NewFeed(reg *registry.Registry, pub Publisher, source string, depth int, log *zap.Logger) *Feed {
	return &Feed{
		registry:  reg,
		publisher: pub,
		source:    source,
		depth:     depth,
		log:       log,
	}
}

func (f *Feed) seq(ticker string) *atomic.Int64 {
	if s, ok := f.seqs.Load(ticker); ok {
		return s.(*atomic.Int64)
	}
	s, _ := f.seqs.LoadOrStore(ticker, &atomic.Int64{})
	return s.(*atomic.Int64)
}

// SubmitOrder admits an order into a market's book and publishes the
// resulting deltas. Returns false when the order was rejected (duplicate ID).
func (f *Feed) SubmitOrder(ctx context.Context, ticker string, o *book.Order) bool {
	b := f.registry.Book(ticker)
	received := time.Now()
	if !b.AddOrder(o) {
		f.log.Warn("duplicate order rejected",
			zap.String("market", ticker), zap.String("order", o.ID))
		return false
	}
	f.publishDeltas(ctx, ticker, b.CalculateDeltas(), received)
	return true
}

// CancelOrder removes a resting order and publishes the resulting deltas.
func (f *Feed) CancelOrder(ctx context.Context, ticker, orderID string) bool {
	b := f.registry.Book(ticker)
	received := time.Now()
	if !b.CancelOrder(orderID) {
		return false
	}
	f.publishDeltas(ctx, ticker, b.CalculateDeltas(), received)
	return true
}

// PublishSnapshot publishes one full snapshot of a market's book and resets
// its delta baseline, so the next delta diffs against this snapshot.
func (f *Feed) PublishSnapshot(ctx context.Context, ticker string) error {
	b := f.registry.Book(ticker)
	received := time.Now()
	data := toSnapshotData(b.Snapshot(f.depth))

	env, err := model.NewSnapshotEnvelope(ticker, f.seq(ticker).Add(1), data, received)
	if err != nil {
		return err
	}
	if err := f.publish(ctx, env); err != nil {
		return err
	}
	b.ResetDeltaTracking()
	return nil
}

func (f *Feed) publishDeltas(ctx context.Context, ticker string, deltas []book.Delta, received time.Time) {
	for _, d := range deltas {
		env, err := model.NewDeltaEnvelope(ticker, f.seq(ticker).Add(1), &model.DeltaData{
			Side:  d.Side.String(),
			Price: d.Price,
			Delta: d.Qty,
		}, received)
		if err != nil {
			f.log.Error("encode delta failed",
				zap.String("market", ticker), zap.Error(err))
			continue
		}
		if err := f.publish(ctx, env); err != nil {
			f.log.Error("publish delta failed",
				zap.String("market", ticker),
				zap.Int64("seq", env.SeqValue()),
				zap.Error(err))
		}
	}
}

func (f *Feed) publish(ctx context.Context, env *model.Envelope) error {
	env.Stamp(f.source, time.Now())
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return f.publisher.Send(ctx, []byte(env.PartitionKey()), raw)
}

// WatchCrosses drains a market's cross events until ctx is cancelled.
// Crosses are detect-and-notify only; the book never executes them.
func (f *Feed) WatchCrosses(ctx context.Context, ticker string) {
	events := f.registry.Book(ticker).SubscribeCrosses(64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				f.log.Warn("cross detected",
					zap.String("market", ev.MarketTicker),
					zap.String("kind", ev.Kind.String()),
					zap.String("order", ev.OrderID),
					zap.Int("normalized_price", ev.NormalizedPrice))
			}
		}
	}()
}

// SnapshotData exposes the authoritative book state for fanout resyncs.
func (f *Feed) SnapshotData(ticker string) (*model.SnapshotData, bool) {
	b := f.registry.Book(ticker)
	if b.Orders() == 0 {
		return nil, false
	}
	return toSnapshotData(b.Snapshot(f.depth)), true
}

// ResetDeltaTracking resets a book's delta baseline after a fanout resync.
func (f *Feed) ResetDeltaTracking(ticker string) {
	f.registry.Book(ticker).ResetDeltaTracking()
}

func toSnapshotData(snap book.Snapshot) *model.SnapshotData {
	data := &model.SnapshotData{
		Yes: make([][]int64, 0, len(snap.Yes)),
		No:  make([][]int64, 0, len(snap.No)),
	}
	for _, lvl := range snap.Yes {
		data.Yes = append(data.Yes, []int64{int64(lvl.Price), lvl.Qty})
	}
	for _, lvl := range snap.No {
		data.No = append(data.No, []int64{int64(lvl.Price), lvl.Qty})
	}
	return data
}
