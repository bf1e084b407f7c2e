package service

import (
	"time"

	"go.uber.org/zap"

	"bookd/fanout"
	"bookd/infra/outbox"
	"bookd/model"
	"bookd/registry"
)

// Ingest is the consumer-side service: every record read from the market
// data log runs through the publish/dedup gate, and only envelopes the gate
// forwards reach the outbox and the subscriber fanout. Dropped envelopes
// (stale sequences, no-op deltas, identical snapshots) disappear here.
type Ingest struct {
	registry *registry.Registry
	outbox   *outbox.Outbox
	fanout   *fanout.Fanout
	log      *zap.Logger
}

func NewIngest(reg *registry.Registry, ob *outbox.Outbox, fo *fanout.Fanout, log *zap.Logger) *Ingest {
	return &Ingest{
		registry: reg,
		outbox:   ob,
		fanout:   fo,
		log:      log,
	}
}

// Handle processes one raw log record. It never returns an error: a record
// that cannot be parsed or applied is logged and skipped so one bad message
// cannot stall the partition behind it.
func (i *Ingest) Handle(key, value []byte) {
	env, err := model.ParseEnvelope(value)
	if err != nil {
		i.log.Warn("unparseable record skipped",
			zap.ByteString("key", key), zap.Error(err))
		return
	}

	out := i.registry.Process(env)
	if !out.Forward {
		return
	}

	i.stage(env, value)

	switch env.Channel {
	case model.ChannelSnapshot:
		data, err := env.Snapshot()
		if err != nil {
			return
		}
		i.fanout.PublishSnapshot(env.MarketTicker, data)
	case model.ChannelDelta:
		if out.Delta != nil {
			i.fanout.PublishDelta(env.MarketTicker, out.Delta)
		}
	}

	if lat := env.LatencyMs(); lat > 0 && lat > slowEnvelopeMs {
		i.log.Debug("slow envelope",
			zap.String("market", env.MarketTicker),
			zap.Int64("latency_ms", lat))
	}
}

const slowEnvelopeMs = 500

// stage writes a forwarded envelope into the outbox for the broadcaster to
// republish downstream. A staging failure is logged, not fatal: the fanout
// path still serves the update, and downstream resyncs from the next
// snapshot.
func (i *Ingest) stage(env *model.Envelope, raw []byte) {
	if _, err := i.outbox.Put(env.PartitionKey(), raw); err != nil {
		i.log.Error("outbox staging failed",
			zap.String("market", env.MarketTicker),
			zap.Int64("seq", env.SeqValue()),
			zap.Error(err))
	}
}

// ReplicaSource adapts the registry's replica copies as a fanout snapshot
// source. Replicas track applied state rather than diff baselines, so
// ResetDeltaTracking is a no-op here.
type ReplicaSource struct {
	registry *registry.Registry
}

func NewReplicaSource(reg *registry.Registry) *ReplicaSource {
	return &ReplicaSource{registry: reg}
}

func (r *ReplicaSource) SnapshotData(ticker string) (*model.SnapshotData, bool) {
	st, ok := r.registry.State(ticker)
	if !ok || st.IsEmpty() {
		return nil, false
	}
	return st.SnapshotData(), true
}

func (r *ReplicaSource) ResetDeltaTracking(string) {}

// StaleMarkets reports tracked markets whose replica has not changed within
// threshold. Staleness is the ingestion path's health signal.
func StaleMarkets(reg *registry.Registry, threshold time.Duration) []string {
	var stale []string
	for _, ticker := range reg.Tickers() {
		st, ok := reg.State(ticker)
		if ok && st.IsStale(threshold) {
			stale = append(stale, ticker)
		}
	}
	return stale
}
