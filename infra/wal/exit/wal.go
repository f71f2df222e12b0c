// Package exit is the report outbox: gap records, corrupted intervals and
// drift samples are stored durably before they are published, and each
// entry moves NEW -> SENT -> ACKED as the broadcaster works through them.
package exit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

type ExitState uint8

const (
	StateNew ExitState = iota
	StateSent
	StateAcked
	StateFailed
)

func (s ExitState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var ErrNotFound = errors.New("outbox: entry not found")

// ExitRecord is one outbox entry. Key is the Kafka message key, usually the
// instrument.
type ExitRecord struct {
	Seq         uint64
	State       ExitState
	Retries     uint32
	LastAttempt int64
	Key         []byte
	Payload     []byte
}

// value encoding: [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
const fixedLen = 1 + 4 + 8 + 2

func encodeRecord(r *ExitRecord) []byte {
	buf := make([]byte, fixedLen, fixedLen+len(r.Key)+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Key)))
	buf = append(buf, r.Key...)
	return append(buf, r.Payload...)
}

func decodeRecord(seq uint64, b []byte) (*ExitRecord, error) {
	if len(b) < fixedLen {
		return nil, fmt.Errorf("outbox: record %d: short value", seq)
	}
	kl := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < fixedLen+kl {
		return nil, fmt.Errorf("outbox: record %d: short key", seq)
	}
	return &ExitRecord{
		Seq:         seq,
		State:       ExitState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         append([]byte(nil), b[fixedLen:fixedLen+kl]...),
		Payload:     append([]byte(nil), b[fixedLen+kl:]...),
	}, nil
}

type ExitWAL struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq uint64
}

func Open(dir string) (*ExitWAL, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	w := &ExitWAL{db: db}
	if err := w.loadLastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *ExitWAL) Close() error {
	return w.db.Close()
}

func (w *ExitWAL) loadLastSeq() error {
	iter, err := w.db.NewIter(prefixBounds())
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		w.lastSeq = seq
	}
	return iter.Error()
}

// Put stores a new entry and returns its sequence.
func (w *ExitWAL) Put(key, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.lastSeq + 1
	rec := &ExitRecord{State: StateNew, Key: key, Payload: payload}
	if err := w.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, err
	}
	w.lastSeq = seq
	return seq, nil
}

func (w *ExitWAL) update(seq uint64, fn func(*ExitRecord)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, err := w.get(seq)
	if err != nil {
		return err
	}
	fn(rec)
	rec.LastAttempt = time.Now().UnixNano()
	return w.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// MarkSent records a publish attempt.
func (w *ExitWAL) MarkSent(seq uint64) error {
	return w.update(seq, func(r *ExitRecord) {
		r.State = StateSent
		r.Retries++
	})
}

func (w *ExitWAL) MarkAcked(seq uint64) error {
	return w.update(seq, func(r *ExitRecord) { r.State = StateAcked })
}

func (w *ExitWAL) MarkFailed(seq uint64) error {
	return w.update(seq, func(r *ExitRecord) { r.State = StateFailed })
}

func (w *ExitWAL) Get(seq uint64) (*ExitRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.get(seq)
}

func (w *ExitWAL) get(seq uint64) (*ExitRecord, error) {
	val, closer, err := w.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// ScanByState iterates entries in the given state in sequence order.
func (w *ExitWAL) ScanByState(state ExitState, fn func(*ExitRecord) error) error {
	return w.scan(func(r *ExitRecord) bool { return r.State == state }, fn)
}

// ScanPending iterates entries not yet acknowledged: NEW, and SENT entries
// whose acknowledgement was lost to a crash.
func (w *ExitWAL) ScanPending(fn func(*ExitRecord) error) error {
	return w.scan(func(r *ExitRecord) bool {
		return r.State == StateNew || r.State == StateSent
	}, fn)
}

func (w *ExitWAL) scan(match func(*ExitRecord) bool, fn func(*ExitRecord) error) error {
	iter, err := w.db.NewIter(prefixBounds())
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		if !match(rec) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// TruncateAcked deletes acknowledged entries and returns how many went.
func (w *ExitWAL) TruncateAcked() (int, error) {
	batch := w.db.NewBatch()
	defer batch.Close()
	n := 0
	err := w.ScanByState(StateAcked, func(r *ExitRecord) error {
		n++
		return batch.Delete(keyFor(r.Seq), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	return n, batch.Commit(pebble.Sync)
}

const keyPrefix = "report/"

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	if len(b) <= len(keyPrefix) {
		return 0, fmt.Errorf("outbox: bad key %q", b)
	}
	return strconv.ParseUint(string(b[len(keyPrefix):]), 10, 64)
}

func prefixBounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	}
}
