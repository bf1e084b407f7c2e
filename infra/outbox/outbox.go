package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// State of an outbox record.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

const keyPrefix = "env/"

// Record is one staged envelope awaiting republication.
type Record struct {
	ID          uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Key         string // log partition key
	Payload     []byte // serialized envelope
}

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
func encodeRecord(r *Record) []byte {
	buf := make([]byte, 1+4+8+2+len(r.Key)+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Key)))
	copy(buf[15:], r.Key)
	copy(buf[15+len(r.Key):], r.Payload)
	return buf
}

func decodeRecord(id uint64, b []byte) (*Record, error) {
	if len(b) < 15 {
		return nil, errors.New("outbox record too short")
	}
	keyLen := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < 15+keyLen {
		return nil, errors.New("outbox record key truncated")
	}
	return &Record{
		ID:          id,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         string(b[15 : 15+keyLen]),
		Payload:     append([]byte(nil), b[15+keyLen:]...),
	}, nil
}

// Outbox is a durable staging area between the gate and the outbound log.
// Accepted envelopes are written NEW before publication; the broadcaster
// scans pending records, publishes, and acks. A crash between publish and
// ack re-publishes on restart — downstream sequence gating absorbs the
// duplicate.
type Outbox struct {
	db     *pebble.DB
	nextID atomic.Uint64
}

// Open opens (or creates) the outbox at dir and resumes ID assignment after
// the highest existing record.
func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	o := &Outbox{db: db}
	if err := o.recoverNextID(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) recoverNextID() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.Last() && iter.Valid() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		o.nextID.Store(id)
	}
	return iter.Error()
}

// Close closes the underlying store.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stages a new envelope and returns its outbox ID.
func (o *Outbox) Put(key string, payload []byte) (uint64, error) {
	id := o.nextID.Add(1)
	rec := &Record{ID: id, State: StateNew, Key: key, Payload: payload}
	if err := o.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, fmt.Errorf("stage outbox record %d: %w", id, err)
	}
	return id, nil
}

// MarkSent records a publication attempt.
func (o *Outbox) MarkSent(id uint64, attemptedAt int64) error {
	rec, err := o.Get(id)
	if err != nil {
		return err
	}
	rec.State = StateSent
	rec.Retries++
	rec.LastAttempt = attemptedAt
	return o.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync)
}

// MarkAcked removes an acknowledged record.
func (o *Outbox) MarkAcked(id uint64) error {
	return o.db.Delete(keyFor(id), pebble.Sync)
}

// Get returns one record.
func (o *Outbox) Get(id uint64) (*Record, error) {
	val, closer, err := o.db.Get(keyFor(id))
	if err != nil {
		return nil, fmt.Errorf("outbox record %d: %w", id, err)
	}
	defer closer.Close()
	return decodeRecord(id, val)
}

// ScanPending iterates NEW and SENT records in ID order. SENT records are
// included so unacked publications get retried.
func (o *Outbox) ScanPending(fn func(rec *Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(id, iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, id))
}

func parseKey(b []byte) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(string(b), keyPrefix+"%d", &id); err != nil {
		return 0, fmt.Errorf("bad outbox key %q: %w", b, err)
	}
	return id, nil
}
