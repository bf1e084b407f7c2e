package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookd/domain/book"
	"bookd/model"
	"bookd/registry"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []*model.Envelope
	keys []string
}

func (p *capturePublisher) Send(_ context.Context, key, value []byte) error {
	env, err := model.ParseEnvelope(value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	p.keys = append(p.keys, string(key))
	return nil
}

func (p *capturePublisher) published() []*model.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.Envelope(nil), p.envs...)
}

func newTestFeed(t *testing.T) (*Feed, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	reg := registry.New(zap.NewNop())
	return NewFeed(reg, pub, "test-feed", -1, zap.NewNop()), pub
}

func order(t *testing.T, id string, side book.Side, action book.Action, price int, qty int64) *book.Order {
	t.Helper()
	o, err := book.NewOrder(id, side, action, price, qty)
	require.NoError(t, err)
	return o
}

func TestSubmitOrderPublishesDelta(t *testing.T) {
	feed, pub := newTestFeed(t)
	ctx := context.Background()

	require.True(t, feed.SubmitOrder(ctx, "MKT", order(t, "o1", book.Yes, book.Buy, 30, 100)))

	envs := pub.published()
	require.Len(t, envs, 1)
	require.Equal(t, model.ChannelDelta, envs[0].Channel)
	require.Equal(t, "MKT", envs[0].MarketTicker)
	require.Equal(t, int64(1), envs[0].SeqValue())
	require.Equal(t, "test-feed", envs[0].Source)

	data, err := envs[0].Delta()
	require.NoError(t, err)
	require.Equal(t, &model.DeltaData{Side: "yes", Price: 30, Delta: 100}, data)
}

func TestSequenceMonotonicPerMarket(t *testing.T) {
	feed, pub := newTestFeed(t)
	ctx := context.Background()

	feed.SubmitOrder(ctx, "A", order(t, "a1", book.Yes, book.Buy, 30, 10))
	feed.SubmitOrder(ctx, "B", order(t, "b1", book.Yes, book.Buy, 40, 10))
	feed.SubmitOrder(ctx, "A", order(t, "a2", book.Yes, book.Buy, 35, 10))

	seqs := map[string][]int64{}
	for _, env := range pub.published() {
		seqs[env.MarketTicker] = append(seqs[env.MarketTicker], env.SeqValue())
	}
	require.Equal(t, []int64{1, 2}, seqs["A"])
	require.Equal(t, []int64{1}, seqs["B"])
}

func TestDuplicateOrderPublishesNothing(t *testing.T) {
	feed, pub := newTestFeed(t)
	ctx := context.Background()

	feed.SubmitOrder(ctx, "MKT", order(t, "o1", book.Yes, book.Buy, 30, 100))
	before := len(pub.published())

	require.False(t, feed.SubmitOrder(ctx, "MKT", order(t, "o1", book.Yes, book.Buy, 40, 5)))
	require.Len(t, pub.published(), before)
}

func TestCancelOrderPublishesNegativeDelta(t *testing.T) {
	feed, pub := newTestFeed(t)
	ctx := context.Background()

	feed.SubmitOrder(ctx, "MKT", order(t, "o1", book.Yes, book.Buy, 30, 100))
	require.True(t, feed.CancelOrder(ctx, "MKT", "o1"))
	require.False(t, feed.CancelOrder(ctx, "MKT", "o1"))

	envs := pub.published()
	require.Len(t, envs, 2)
	data, err := envs[1].Delta()
	require.NoError(t, err)
	require.Equal(t, int64(-100), data.Delta)
}

func TestPublishSnapshotResetsBaseline(t *testing.T) {
	feed, pub := newTestFeed(t)
	ctx := context.Background()

	feed.SubmitOrder(ctx, "MKT", order(t, "o1", book.Yes, book.Buy, 30, 100))
	require.NoError(t, feed.PublishSnapshot(ctx, "MKT"))

	envs := pub.published()
	require.Len(t, envs, 2)
	require.Equal(t, model.ChannelSnapshot, envs[1].Channel)
	data, err := envs[1].Snapshot()
	require.NoError(t, err)
	require.Equal(t, [][]int64{{30, 100}}, data.Yes)

	// The next order diffs against a fresh baseline: the whole book is
	// reported, not just the new order.
	feed.SubmitOrder(ctx, "MKT", order(t, "o2", book.Yes, book.Buy, 45, 50))
	envs = pub.published()
	deltas := map[int]int64{}
	for _, env := range envs[2:] {
		d, err := env.Delta()
		require.NoError(t, err)
		deltas[d.Price] = d.Delta
	}
	require.Equal(t, map[int]int64{30: 100, 45: 50}, deltas)
}

func TestFeedAsSnapshotSource(t *testing.T) {
	feed, _ := newTestFeed(t)
	ctx := context.Background()

	_, ok := feed.SnapshotData("MKT")
	require.False(t, ok)

	feed.SubmitOrder(ctx, "MKT", order(t, "o1", book.No, book.Buy, 40, 25))

	data, ok := feed.SnapshotData("MKT")
	require.True(t, ok)
	require.Equal(t, [][]int64{{40, 25}}, data.No)
}
