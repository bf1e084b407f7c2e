package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bookd/fanout"
	"bookd/infra/outbox"
	"bookd/model"
	"bookd/registry"
)

type recordingSub struct {
	mu   sync.Mutex
	msgs []*fanout.Message
}

func (s *recordingSub) ID() string { return "rec" }

func (s *recordingSub) Send(msg *fanout.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSub) received() []*fanout.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fanout.Message(nil), s.msgs...)
}

func newTestIngest(t *testing.T) (*Ingest, *registry.Registry, *outbox.Outbox, *fanout.Fanout) {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(log)
	ob, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })
	fo := fanout.New(NewReplicaSource(reg), log)
	return NewIngest(reg, ob, fo, log), reg, ob, fo
}

func encode(t *testing.T, env *model.Envelope) []byte {
	t.Helper()
	raw, err := env.Encode()
	require.NoError(t, err)
	return raw
}

func pendingCount(t *testing.T, ob *outbox.Outbox) int {
	t.Helper()
	n := 0
	require.NoError(t, ob.ScanPending(func(*outbox.Record) error { n++; return nil }))
	return n
}

func TestHandleStagesForwardedEnvelopes(t *testing.T) {
	ing, reg, ob, _ := newTestIngest(t)

	snap, err := model.NewSnapshotEnvelope("MKT", 1, &model.SnapshotData{Yes: [][]int64{{30, 100}}}, time.Now())
	require.NoError(t, err)
	ing.Handle([]byte("MKT"), encode(t, snap))

	require.True(t, reg.IsBootstrapped("MKT"))
	require.Equal(t, 1, pendingCount(t, ob))

	// The identical replay is gated out and never staged.
	snap2, err := model.NewSnapshotEnvelope("MKT", 2, &model.SnapshotData{Yes: [][]int64{{30, 100}}}, time.Now())
	require.NoError(t, err)
	ing.Handle([]byte("MKT"), encode(t, snap2))
	require.Equal(t, 1, pendingCount(t, ob))
}

func TestHandleFansOutForwardedDeltas(t *testing.T) {
	ing, _, ob, fo := newTestIngest(t)

	snap, err := model.NewSnapshotEnvelope("MKT", 1, &model.SnapshotData{Yes: [][]int64{{30, 100}}}, time.Now())
	require.NoError(t, err)
	ing.Handle([]byte("MKT"), encode(t, snap))

	sub := &recordingSub{}
	fo.Subscribe(sub, model.ChannelDelta, "MKT")
	base := len(sub.received()) // immediate snapshot

	delta, err := model.NewDeltaEnvelope("MKT", 2, &model.DeltaData{Side: "yes", Price: 30, Delta: 50}, time.Now())
	require.NoError(t, err)
	ing.Handle([]byte("MKT"), encode(t, delta))

	msgs := sub.received()
	require.Len(t, msgs, base+1)
	require.Equal(t, model.ChannelDelta, msgs[base].Type)
	require.Equal(t, 2, pendingCount(t, ob))

	// A stale replay of the same delta reaches neither outbox nor fanout.
	ing.Handle([]byte("MKT"), encode(t, delta))
	require.Len(t, sub.received(), base+1)
	require.Equal(t, 2, pendingCount(t, ob))
}

func TestHandleSkipsUnparseableRecords(t *testing.T) {
	ing, reg, ob, _ := newTestIngest(t)

	ing.Handle([]byte("key"), []byte("not json at all"))

	require.Equal(t, 0, reg.TrackedMarkets())
	require.Equal(t, 0, pendingCount(t, ob))
}

func TestHandlePassesThroughOtherChannels(t *testing.T) {
	ing, reg, ob, _ := newTestIngest(t)

	env := &model.Envelope{Channel: model.ChannelTrade, MarketTicker: "MKT"}
	ing.Handle([]byte("MKT"), encode(t, env))

	// Forwarded and staged, but no replica state is created for it.
	require.Equal(t, 1, pendingCount(t, ob))
	require.Equal(t, 0, reg.TrackedMarkets())
}

func TestReplicaSource(t *testing.T) {
	log := zap.NewNop()
	reg := registry.New(log)
	src := NewReplicaSource(reg)

	_, ok := src.SnapshotData("MKT")
	require.False(t, ok)

	snap, err := model.NewSnapshotEnvelope("MKT", 1, &model.SnapshotData{
		Yes: [][]int64{{30, 100}, {45, 50}},
		No:  [][]int64{{40, 25}},
	}, time.Now())
	require.NoError(t, err)
	reg.Process(snap)

	data, ok := src.SnapshotData("MKT")
	require.True(t, ok)
	require.Equal(t, [][]int64{{45, 50}, {30, 100}}, data.Yes)
	require.Equal(t, [][]int64{{40, 25}}, data.No)

	// No-op by contract, must not panic.
	src.ResetDeltaTracking("MKT")
}

func TestStaleMarkets(t *testing.T) {
	log := zap.NewNop()
	reg := registry.New(log)

	snap, err := model.NewSnapshotEnvelope("MKT", 1, &model.SnapshotData{Yes: [][]int64{{30, 100}}}, time.Now())
	require.NoError(t, err)
	reg.Process(snap)

	require.Empty(t, StaleMarkets(reg, time.Hour))
	require.Equal(t, []string{"MKT"}, StaleMarkets(reg, 0))
}
