// Package sequence numbers input chunks and the records inside them.
//
// A record's SourceSeq packs the journal sequence of its chunk with the row
// index, so ordering by SourceSeq is ordering by arrival within one source.
package sequence

import (
	"fmt"
	"sync/atomic"
)

// RowBits is the width of the row index inside a SourceSeq.
const RowBits = 16

// MaxRows is the largest number of rows one chunk may carry.
const MaxRows = 1<<RowBits - 1

// Sequencer generates strictly monotonic chunk sequence numbers.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer whose first Next returns start+1.
// On a fresh start pass 0; after replay pass the last replayed seq.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Advance moves the sequencer forward to at least v. Replay uses it to skip
// past chunks already seen.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.next.Load()
		if cur >= v || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}

// SourceSeq combines a chunk sequence and a row index.
func SourceSeq(chunk uint64, row int) (uint64, error) {
	if row < 0 || row > MaxRows {
		return 0, fmt.Errorf("sequence: row %d outside [0,%d]", row, MaxRows)
	}
	if chunk >= 1<<(64-RowBits) {
		return 0, fmt.Errorf("sequence: chunk seq %d overflows", chunk)
	}
	return chunk<<RowBits | uint64(row), nil
}

// Split is the inverse of SourceSeq.
func Split(seq uint64) (chunk uint64, row int) {
	return seq >> RowBits, int(seq & MaxRows)
}
