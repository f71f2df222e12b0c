package engine

import (
	"fmt"

	"recon/domain/record"
)

// Export captures everything needed to resume the engine exactly.
func (e *Engine) Export() Snapshot {
	bids, asks := e.book.Levels()
	s := Snapshot{
		State:               e.state,
		LastAppliedUpdateID: e.lastApplied,
		Bids:                bids,
		Asks:                asks,
		Window:              e.window,
		SinceSample:         e.sinceSample,
		OutPosition:         e.outPos,
		LastEmittedNs:       e.lastTs,
		SeqInTimestamp:      e.seqInTs,
		Stats:               e.stats,
	}
	s.Pending = e.sortedPending()
	if e.corrupted != nil {
		c := *e.corrupted
		s.Corrupted = &c
	}
	return s
}

// Restore replaces the engine state with a previously exported one.
func (e *Engine) Restore(s Snapshot) error {
	if s.State == Shutdown {
		return fmt.Errorf("engine: cannot restore a %s snapshot", s.State)
	}
	if err := e.book.Reset(s.Bids, s.Asks); err != nil {
		return err
	}
	e.state = s.State
	e.lastApplied = s.LastAppliedUpdateID
	clear(e.pending)
	for _, p := range s.Pending {
		e.pending[p.Delta.UpdateID] = p
	}
	e.window = s.Window
	e.corrupted = nil
	if s.Corrupted != nil {
		c := *s.Corrupted
		e.corrupted = &c
	}
	e.sinceSample = s.SinceSample
	e.outPos = s.OutPosition
	e.lastTs = s.LastEmittedNs
	e.seqInTs = s.SeqInTimestamp
	e.stats = s.Stats
	return nil
}

// Levels is a convenience for callers holding only a snapshot.
func (s Snapshot) Levels() (bids, asks []record.Level) { return s.Bids, s.Asks }
