package fanout

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"bookd/model"
)

// SnapshotInterval is the resync cadence: every Nth accepted delta-producing
// update per market is replaced by a full snapshot so subscribers never
// drift unbounded from a missed delta.
const SnapshotInterval = 10

// Message is the wire shape pushed to subscribers.
type Message struct {
	Type         string `json:"type"`
	Seq          int64  `json:"seq"`
	MarketTicker string `json:"market_ticker"`
	TopChanged   bool   `json:"top_changed,omitempty"`
	Msg          any    `json:"msg"`
}

// Subscriber receives fanned-out messages. Send must not block the caller;
// implementations queue into a bounded buffer and fail fast when it is full.
type Subscriber interface {
	ID() string
	Send(msg *Message) error
}

// Source provides full book state for resyncs. The exchange side backs this
// with the authoritative book (whose delta baseline is reset after each full
// snapshot); the consumer side backs it with replica registry copies.
type Source interface {
	SnapshotData(ticker string) (*model.SnapshotData, bool)
	ResetDeltaTracking(ticker string)
}

type topOfBook struct {
	yesPrice, noPrice int64
	yesQty, noQty     int64
	valid             bool
}

type marketState struct {
	mu       sync.Mutex
	counter  int64
	snapshot map[string]Subscriber // session ID -> subscriber
	delta    map[string]Subscriber
	lastTop  topOfBook
}

// Fanout pushes order-book changes to any number of independent subscribers
// per market. Slow or failing subscribers are isolated: a send failure is
// logged and the remaining subscribers still get the message.
type Fanout struct {
	log    *zap.Logger
	source Source

	mu      sync.RWMutex
	markets map[string]*marketState

	seq atomic.Int64
}

// New creates a fanout over the given snapshot source.
func New(source Source, log *zap.Logger) *Fanout {
	return &Fanout{
		log:     log,
		source:  source,
		markets: make(map[string]*marketState),
	}
}

func (f *Fanout) market(ticker string) *marketState {
	f.mu.RLock()
	ms, ok := f.markets[ticker]
	f.mu.RUnlock()
	if ok {
		return ms
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ms, ok := f.markets[ticker]; ok {
		return ms
	}
	ms = &marketState{
		snapshot: make(map[string]Subscriber),
		delta:    make(map[string]Subscriber),
	}
	f.markets[ticker] = ms
	return ms
}

// Subscribe adds a subscriber to a market channel. Orderbook subscribers get
// one full snapshot immediately so they never wait out the resync interval
// for a consistent view.
func (f *Fanout) Subscribe(sub Subscriber, channel, ticker string) {
	ms := f.market(ticker)

	ms.mu.Lock()
	switch channel {
	case model.ChannelSnapshot:
		ms.snapshot[sub.ID()] = sub
	case model.ChannelDelta:
		ms.delta[sub.ID()] = sub
	default:
		ms.mu.Unlock()
		f.log.Warn("subscribe to unknown channel",
			zap.String("channel", channel), zap.String("market", ticker))
		return
	}
	ms.mu.Unlock()

	if data, ok := f.source.SnapshotData(ticker); ok {
		f.deliver(sub, &Message{
			Type:         model.ChannelSnapshot,
			Seq:          f.seq.Add(1),
			MarketTicker: ticker,
			Msg:          data,
		})
	}
	f.log.Debug("subscribed",
		zap.String("session", sub.ID()),
		zap.String("channel", channel),
		zap.String("market", ticker))
}

// Unsubscribe removes a subscriber from a market channel.
func (f *Fanout) Unsubscribe(sessionID, channel, ticker string) {
	ms := f.market(ticker)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	switch channel {
	case model.ChannelSnapshot:
		delete(ms.snapshot, sessionID)
	case model.ChannelDelta:
		delete(ms.delta, sessionID)
	}
}

// Drop removes a session from every market and channel. Called when a
// subscriber disconnects.
func (f *Fanout) Drop(sessionID string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ms := range f.markets {
		ms.mu.Lock()
		delete(ms.snapshot, sessionID)
		delete(ms.delta, sessionID)
		ms.mu.Unlock()
	}
}

// PublishDelta emits one accepted delta-producing update. Every
// SnapshotInterval-th update per market is replaced by a full snapshot to
// snapshot subscribers, and the source's delta baseline is reset so the next
// delta diffs against the just-published snapshot.
func (f *Fanout) PublishDelta(ticker string, delta *model.DeltaData) {
	ms := f.market(ticker)

	ms.mu.Lock()
	ms.counter++
	resync := ms.counter%SnapshotInterval == 0
	subs := collect(ms.delta)
	ms.mu.Unlock()

	if resync {
		f.log.Debug("resync cadence reached",
			zap.String("market", ticker))
		f.PublishSnapshot(ticker, nil)
		f.source.ResetDeltaTracking(ticker)
		return
	}

	msg := &Message{
		Type:         model.ChannelDelta,
		Seq:          f.seq.Add(1),
		MarketTicker: ticker,
		TopChanged:   f.topChanged(ticker),
		Msg:          delta,
	}
	for _, sub := range subs {
		f.deliver(sub, msg)
	}
}

// PublishSnapshot sends a full snapshot to snapshot subscribers. A nil data
// fetches the current state from the source.
func (f *Fanout) PublishSnapshot(ticker string, data *model.SnapshotData) {
	if data == nil {
		var ok bool
		if data, ok = f.source.SnapshotData(ticker); !ok {
			return
		}
	}

	ms := f.market(ticker)
	ms.mu.Lock()
	subs := collect(ms.snapshot)
	ms.mu.Unlock()

	msg := &Message{
		Type:         model.ChannelSnapshot,
		Seq:          f.seq.Add(1),
		MarketTicker: ticker,
		TopChanged:   f.topChanged(ticker),
		Msg:          data,
	}
	for _, sub := range subs {
		f.deliver(sub, msg)
	}
}

// Counter returns the accepted-update count for a market. Test hook.
func (f *Fanout) Counter(ticker string) int64 {
	ms := f.market(ticker)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.counter
}

func (f *Fanout) deliver(sub Subscriber, msg *Message) {
	if err := sub.Send(msg); err != nil {
		f.log.Warn("send to subscriber failed",
			zap.String("session", sub.ID()),
			zap.String("market", msg.MarketTicker),
			zap.Error(err))
	}
}

// topChanged recomputes the best yes/no levels and reports whether the top
// of book moved since the previous update.
func (f *Fanout) topChanged(ticker string) bool {
	data, ok := f.source.SnapshotData(ticker)
	if !ok {
		return false
	}
	top := topOfBook{valid: true}
	if len(data.Yes) > 0 {
		top.yesPrice, top.yesQty = data.Yes[0][0], data.Yes[0][1]
	}
	if len(data.No) > 0 {
		// no side is sorted low to high; best is the last entry
		last := data.No[len(data.No)-1]
		top.noPrice, top.noQty = last[0], last[1]
	}

	ms := f.market(ticker)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	changed := ms.lastTop != top
	if changed {
		ms.lastTop = top
	}
	return changed
}

func collect(m map[string]Subscriber) []Subscriber {
	out := make([]Subscriber, 0, len(m))
	for _, sub := range m {
		out = append(out, sub)
	}
	return out
}
