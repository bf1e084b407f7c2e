package service

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookd/domain/replica"
	"bookd/model"
	"bookd/registry"
)

// caughtUpWindow: a replayed record this close to wall clock means the
// reader has reached the live edge of the partition.
const caughtUpWindow = time.Second

// Bootstrapper replays the recent tail of the market data log at startup so
// replicas start warm instead of waiting for the next live snapshot. It is
// strictly best effort: every failure is logged and skipped, and Run never
// blocks startup beyond its context deadline.
type Bootstrapper struct {
	brokers     []string
	topic       string
	lookback    time.Duration
	pollTimeout time.Duration
	registry    *registry.Registry
	log         *zap.Logger
}

func NewBootstrapper(brokers []string, topic string, lookback, pollTimeout time.Duration, reg *registry.Registry, log *zap.Logger) *Bootstrapper {
	return &Bootstrapper{
		brokers:     brokers,
		topic:       topic,
		lookback:    lookback,
		pollTimeout: pollTimeout,
		registry:    reg,
		log:         log,
	}
}

// Run replays every partition from the offset nearest (now - lookback),
// accumulates replica states privately, and only when replay is done loads
// each market into the registry in one atomic step per market. Live updates
// arriving mid-replay are never mixed with partial historical state.
func (b *Bootstrapper) Run(ctx context.Context) {
	started := time.Now()

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = "bookd-bootstrap-" + uuid.NewString()
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(b.brokers, cfg)
	if err != nil {
		b.log.Warn("bootstrap skipped, client unavailable", zap.Error(err))
		return
	}
	defer client.Close()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		b.log.Warn("bootstrap skipped, consumer unavailable", zap.Error(err))
		return
	}
	defer consumer.Close()

	partitions, err := client.Partitions(b.topic)
	if err != nil {
		b.log.Warn("bootstrap skipped, partition lookup failed",
			zap.String("topic", b.topic), zap.Error(err))
		return
	}

	target := time.Now().Add(-b.lookback).UnixMilli()
	states := make(map[string]*replica.State)
	records := 0

	for _, partition := range partitions {
		if ctx.Err() != nil {
			b.log.Warn("bootstrap cut short", zap.Error(ctx.Err()))
			break
		}
		n, err := b.replayPartition(ctx, client, consumer, partition, target, states)
		if err != nil {
			b.log.Warn("partition replay failed",
				zap.Int32("partition", partition), zap.Error(err))
			continue
		}
		records += n
	}

	for ticker, st := range states {
		if st.IsEmpty() {
			continue
		}
		b.registry.LoadHistoricalState(ticker, st)
	}

	b.log.Info("bootstrap complete",
		zap.Int("partitions", len(partitions)),
		zap.Int("records", records),
		zap.Int("markets", len(states)),
		zap.Duration("elapsed", time.Since(started)))
}

// replayPartition reads one partition from its lookback offset until caught
// up. A partition with no offset for the target timestamp holds no data in
// the window and is skipped; replaying it from the beginning would walk an
// unbounded amount of history for no fresher state.
func (b *Bootstrapper) replayPartition(
	ctx context.Context,
	client sarama.Client,
	consumer sarama.Consumer,
	partition int32,
	targetMillis int64,
	states map[string]*replica.State,
) (int, error) {
	offset, err := client.GetOffset(b.topic, partition, targetMillis)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		b.log.Debug("no records in lookback window",
			zap.Int32("partition", partition))
		return 0, nil
	}

	newest, err := client.GetOffset(b.topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, err
	}
	if offset >= newest {
		return 0, nil
	}

	pc, err := consumer.ConsumePartition(b.topic, partition, offset)
	if err != nil {
		return 0, err
	}
	defer pc.Close()

	records := 0
	timer := time.NewTimer(b.pollTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.pollTimeout)

		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case <-timer.C:
			// Nothing arriving within the poll window: caught up.
			return records, nil
		case err := <-pc.Errors():
			return records, err
		case msg, ok := <-pc.Messages():
			if !ok {
				return records, nil
			}
			records++
			b.apply(msg.Value, states)
			if msg.Offset >= newest-1 || time.Since(msg.Timestamp) < caughtUpWindow {
				return records, nil
			}
		}
	}
}

// apply folds one replayed record into the private state map. Replay applies
// the same snapshot/delta semantics the gate uses, minus the gate itself:
// sequence gating inside the replica still drops stale duplicates.
func (b *Bootstrapper) apply(raw []byte, states map[string]*replica.State) {
	env, err := model.ParseEnvelope(raw)
	if err != nil || env.MarketTicker == "" || !env.IsOrderbook() {
		return
	}

	st, ok := states[env.MarketTicker]
	if !ok {
		st = replica.NewState(env.MarketTicker)
		states[env.MarketTicker] = st
	}

	switch env.Channel {
	case model.ChannelSnapshot:
		data, err := env.Snapshot()
		if err != nil {
			return
		}
		st.ApplySnapshot(data, env.Seq)
	case model.ChannelDelta:
		data, err := env.Delta()
		if err != nil {
			return
		}
		side, err := replica.ParseSide(data.Side)
		if err != nil {
			return
		}
		st.ApplyDelta(side, data.Price, data.Delta, env.Seq)
	}
}
