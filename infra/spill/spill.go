// Package spill is the emergency overflow for formatted events: when the
// writer cannot keep up, queued events are persisted here instead of being
// held in memory, and drained back in order before new events are written.
package spill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"recon/domain/record"
	"recon/infra/eventstore"
)

// Store keys batches by the position of their first event, so iteration
// order is output order.
type Store struct {
	db *pebble.DB

	mu      sync.Mutex
	events  atomic.Int64
	batches atomic.Int64
	total   atomic.Uint64
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("spill: %w", err)
	}
	s := &Store{db: db}
	if err := s.count(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) count() error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		if len(v) < 4 {
			return fmt.Errorf("spill: short value at %x", iter.Key())
		}
		s.events.Add(int64(binary.BigEndian.Uint32(v)))
		s.batches.Add(1)
	}
	return iter.Error()
}

func key(pos uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, pos)
}

// Put persists a batch of events ordered by position.
func (s *Store) Put(events []record.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := binary.BigEndian.AppendUint32(nil, uint32(len(events)))
	v = eventstore.AppendBlock(v, events)
	if err := s.db.Set(key(events[0].Position), v, pebble.Sync); err != nil {
		return fmt.Errorf("spill: %w", err)
	}
	s.events.Add(int64(len(events)))
	s.batches.Add(1)
	s.total.Add(uint64(len(events)))
	return nil
}

// Len is the number of events currently spilled.
func (s *Store) Len() int { return int(s.events.Load()) }

// Spilled counts every event ever put since Open.
func (s *Store) Spilled() uint64 { return s.total.Load() }

var errStop = errors.New("spill: stop")

// Drain hands spilled batches to fn in position order and deletes each batch
// once fn accepts it. A failing fn leaves its batch in place.
func (s *Store) Drain(fn func([]record.Event) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, err
	}
	var (
		done []byte
		n    int
		ferr error
	)
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		events, err := eventstore.DecodeBlock(v[4:])
		if err != nil {
			ferr = fmt.Errorf("spill: batch %x: %w", iter.Key(), err)
			break
		}
		if err := fn(events); err != nil {
			ferr = err
			break
		}
		done = append(done[:0], iter.Key()...)
		n += len(events)
		s.batches.Add(-1)
		s.events.Add(-int64(len(events)))
	}
	if err := iter.Close(); err != nil && ferr == nil {
		ferr = err
	}
	if done != nil {
		// every drained key is <= done
		end := binary.BigEndian.Uint64(done) + 1
		if err := s.db.DeleteRange(key(0), key(end), pebble.Sync); err != nil && ferr == nil {
			ferr = err
		}
	}
	return n, ferr
}

func (s *Store) Close() error {
	return s.db.Close()
}
