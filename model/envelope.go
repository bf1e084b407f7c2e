package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channels carried on the market data log. Orderbook channels are the only
// ones the replica state machine interprets; everything else passes through.
const (
	ChannelSnapshot = "orderbook_snapshot"
	ChannelDelta    = "orderbook_delta"
	ChannelTrade    = "trade"
	ChannelTicker   = "ticker_v2"
)

// AllMarketsKey partitions envelopes that carry no market ticker. Keeping
// them on one key preserves log ordering for ticker-less channels.
const AllMarketsKey = "all-markets"

// Envelope is the wire shape read from and written to the market data log.
// Seq is assigned per market by the producer and is monotonically increasing,
// but the log is at-least-once: consumers must expect gaps and duplicates.
type Envelope struct {
	Channel      string          `json:"channel"`
	MarketTicker string          `json:"market_ticker"`
	Seq          *int64          `json:"seq"`
	Data         json.RawMessage `json:"data"`

	ReceivedTimestamp  int64  `json:"received_ts,omitempty"`
	PublishedTimestamp int64  `json:"published_ts,omitempty"`
	Source             string `json:"source,omitempty"`
	Version            int    `json:"version,omitempty"`
}

// SnapshotData is the payload of an orderbook_snapshot envelope. Each inner
// pair is [price, quantity].
type SnapshotData struct {
	Yes [][]int64 `json:"yes"`
	No  [][]int64 `json:"no"`
}

// DeltaData is the payload of an orderbook_delta envelope.
type DeltaData struct {
	Side  string `json:"side"`
	Price int    `json:"price"`
	Delta int64  `json:"delta"`
}

// ParseEnvelope decodes a raw log record.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// IsOrderbook reports whether the envelope mutates replica state.
func (e *Envelope) IsOrderbook() bool {
	return e.Channel == ChannelSnapshot || e.Channel == ChannelDelta
}

// Snapshot decodes the snapshot payload. Only valid for ChannelSnapshot.
func (e *Envelope) Snapshot() (*SnapshotData, error) {
	var data SnapshotData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("parse snapshot payload for %s: %w", e.MarketTicker, err)
	}
	return &data, nil
}

// Delta decodes the delta payload. Only valid for ChannelDelta.
func (e *Envelope) Delta() (*DeltaData, error) {
	var data DeltaData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("parse delta payload for %s: %w", e.MarketTicker, err)
	}
	return &data, nil
}

// PartitionKey returns the log partitioning key for this envelope.
func (e *Envelope) PartitionKey() string {
	if e.MarketTicker == "" {
		return AllMarketsKey
	}
	return e.MarketTicker
}

// LatencyMs is the delay between receipt from the feed and publication.
func (e *Envelope) LatencyMs() int64 {
	return e.PublishedTimestamp - e.ReceivedTimestamp
}

// Stamp fills publication metadata just before the envelope is written out.
func (e *Envelope) Stamp(source string, now time.Time) {
	e.PublishedTimestamp = now.UnixMilli()
	e.Source = source
	e.Version = 1
}

// Encode serializes the envelope for the log.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SeqValue returns the sequence number, or -1 when absent.
func (e *Envelope) SeqValue() int64 {
	if e.Seq == nil {
		return -1
	}
	return *e.Seq
}

// NewSnapshotEnvelope builds an orderbook_snapshot envelope.
func NewSnapshotEnvelope(ticker string, seq int64, data *SnapshotData, received time.Time) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Channel:           ChannelSnapshot,
		MarketTicker:      ticker,
		Seq:               &seq,
		Data:              raw,
		ReceivedTimestamp: received.UnixMilli(),
	}, nil
}

// NewDeltaEnvelope builds an orderbook_delta envelope.
func NewDeltaEnvelope(ticker string, seq int64, data *DeltaData, received time.Time) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Channel:           ChannelDelta,
		MarketTicker:      ticker,
		Seq:               &seq,
		Data:              raw,
		ReceivedTimestamp: received.UnixMilli(),
	}, nil
}
