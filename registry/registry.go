package registry

import (
	"sync"

	"go.uber.org/zap"

	"bookd/domain/book"
	"bookd/domain/replica"
	"bookd/model"
)

// Outcome is the gate's decision for one envelope.
type Outcome struct {
	// Forward is true when the envelope represents a real change (or a
	// pass-through channel) and should reach the next stage.
	Forward bool
	// Delta carries the parsed delta payload when Forward is true for an
	// orderbook_delta envelope, so downstream stages don't re-parse.
	Delta *model.DeltaData
}

// Registry is the process-wide keyed store of per-market state: the replica
// states fed by ingestion and bootstrap, and the authoritative books used by
// the exchange side. Instance creation is insert-if-absent on a concurrent
// map; content mutation goes through the per-market gate lock so live
// ingestion and bootstrap seeding can never interleave partial state.
type Registry struct {
	log *zap.Logger

	states       sync.Map // ticker -> *replica.State
	books        sync.Map // ticker -> *book.Book
	gates        sync.Map // ticker -> *sync.Mutex
	bootstrapped sync.Map // ticker -> bool
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// live returns the mutable replica for a market, creating it on first
// reference.
func (r *Registry) live(ticker string) *replica.State {
	if st, ok := r.states.Load(ticker); ok {
		return st.(*replica.State)
	}
	st, _ := r.states.LoadOrStore(ticker, replica.NewState(ticker))
	return st.(*replica.State)
}

func (r *Registry) gate(ticker string) *sync.Mutex {
	if mu, ok := r.gates.Load(ticker); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := r.gates.LoadOrStore(ticker, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Book returns the authoritative order book for a market, creating it on
// first reference.
func (r *Registry) Book(ticker string) *book.Book {
	if b, ok := r.books.Load(ticker); ok {
		return b.(*book.Book)
	}
	b, _ := r.books.LoadOrStore(ticker, book.New(ticker, r.log))
	return b.(*book.Book)
}

// Process runs one envelope through the publish/dedup gate:
//
//	non-orderbook channel        -> forward, no state change
//	snapshot, never bootstrapped -> apply, mark bootstrapped, forward
//	snapshot, identical          -> record sequence only, drop
//	snapshot, differs            -> apply, forward
//	delta, changed state         -> forward
//	delta, stale seq or no-op    -> drop
//
// Malformed payloads are logged and dropped; they never mutate state.
func (r *Registry) Process(env *model.Envelope) Outcome {
	if env.MarketTicker == "" || !env.IsOrderbook() {
		return Outcome{Forward: true}
	}

	mu := r.gate(env.MarketTicker)
	mu.Lock()
	defer mu.Unlock()

	st := r.live(env.MarketTicker)

	switch env.Channel {
	case model.ChannelSnapshot:
		return r.processSnapshot(st, env)
	case model.ChannelDelta:
		return r.processDelta(st, env)
	}
	return Outcome{Forward: true}
}

func (r *Registry) processSnapshot(st *replica.State, env *model.Envelope) Outcome {
	data, err := env.Snapshot()
	if err != nil {
		r.log.Warn("skipping malformed snapshot",
			zap.String("market", env.MarketTicker), zap.Error(err))
		return Outcome{}
	}

	if !r.IsBootstrapped(env.MarketTicker) {
		st.ApplySnapshot(data, env.Seq)
		r.markBootstrapped(env.MarketTicker)
		r.log.Info("first snapshot for market",
			zap.String("market", env.MarketTicker), zap.Int64("seq", env.SeqValue()))
		return Outcome{Forward: true}
	}

	if st.IsSnapshotIdentical(data) {
		// The live feed replays snapshots a bootstrapped replica already
		// holds; absorb them silently but keep the sequence bookkeeping.
		st.RecordSequence(env.Seq)
		r.log.Debug("identical snapshot absorbed",
			zap.String("market", env.MarketTicker), zap.Int64("seq", env.SeqValue()))
		return Outcome{}
	}

	st.ApplySnapshot(data, env.Seq)
	return Outcome{Forward: true}
}

func (r *Registry) processDelta(st *replica.State, env *model.Envelope) Outcome {
	data, err := env.Delta()
	if err != nil {
		r.log.Warn("skipping malformed delta",
			zap.String("market", env.MarketTicker), zap.Error(err))
		return Outcome{}
	}
	side, err := replica.ParseSide(data.Side)
	if err != nil {
		r.log.Warn("skipping delta",
			zap.String("market", env.MarketTicker), zap.Error(err))
		return Outcome{}
	}

	if !st.ApplyDelta(side, data.Price, data.Delta, env.Seq) {
		return Outcome{}
	}
	return Outcome{Forward: true, Delta: data}
}

// LoadHistoricalState seeds one market from bootstrap output. It goes
// through the same per-market gate lock as live processing, so a live update
// racing a late-finishing bootstrap observes either the full seeded state or
// none of it.
func (r *Registry) LoadHistoricalState(ticker string, st *replica.State) {
	mu := r.gate(ticker)
	mu.Lock()
	defer mu.Unlock()

	r.live(ticker).ReplaceWith(st)
	r.markBootstrapped(ticker)

	seq, _ := st.LastSequence()
	r.log.Info("loaded historical state",
		zap.String("market", ticker), zap.Int64("seq", seq))
}

// State returns a deep copy of a market's replica, never the live instance.
func (r *Registry) State(ticker string) (*replica.State, bool) {
	st, ok := r.states.Load(ticker)
	if !ok {
		return nil, false
	}
	return st.(*replica.State).Copy(), true
}

func (r *Registry) markBootstrapped(ticker string) {
	r.bootstrapped.Store(ticker, true)
}

// IsBootstrapped reports whether a market has received its first snapshot,
// live or historical.
func (r *Registry) IsBootstrapped(ticker string) bool {
	v, ok := r.bootstrapped.Load(ticker)
	return ok && v.(bool)
}

// Tickers lists every market with replica state.
func (r *Registry) Tickers() []string {
	var out []string
	r.states.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// TrackedMarkets counts markets with replica state.
func (r *Registry) TrackedMarkets() int {
	n := 0
	r.states.Range(func(_, _ any) bool { n++; return true })
	return n
}

// BootstrappedMarkets counts markets past their first snapshot.
func (r *Registry) BootstrappedMarkets() int {
	n := 0
	r.bootstrapped.Range(func(_, _ any) bool { n++; return true })
	return n
}

// ClearAll resets the registry. Test hook.
func (r *Registry) ClearAll() {
	r.states = sync.Map{}
	r.books = sync.Map{}
	r.gates = sync.Map{}
	r.bootstrapped = sync.Map{}
}
