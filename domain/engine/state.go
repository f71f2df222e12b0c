package engine

import (
	"errors"
	"fmt"

	"recon/domain/orderbook"
	"recon/domain/record"
)

type State uint8

const (
	Uninitialized State = iota
	Synced
	GapDetected
	Resyncing
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Synced:
		return "SYNCED"
	case GapDetected:
		return "GAP_DETECTED"
	case Resyncing:
		return "RESYNCING"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

var (
	ErrShutdown = errors.New("engine: shut down")
	// ErrUnrecoverableGap tags corrupted intervals: a gap too large to bridge
	// before the next snapshot. It is reported, never returned from Apply.
	ErrUnrecoverableGap = errors.New("engine: unrecoverable sequence gap")
)

// SequenceGap is an immutable record of a missing update id range.
type SequenceGap struct {
	ExpectedUpdateID uint64
	ReceivedUpdateID uint64
	GapSize          uint64
	DetectedAtNs     int64
}

// DriftSample compares a fresh snapshot with the book the engine believed in.
type DriftSample struct {
	UpdateID uint64
	AtNs     int64
	orderbook.Drift
}

// Reporter receives tracked conditions as they happen. Calls are made from
// the engine's goroutine and must not block for long.
type Reporter interface {
	OnGap(SequenceGap)
	OnCorrupted(record.CorruptedInterval)
	OnDrift(DriftSample)
	OnStateChange(from, to State)
}

type NopReporter struct{}

func (NopReporter) OnGap(SequenceGap)                    {}
func (NopReporter) OnCorrupted(record.CorruptedInterval) {}
func (NopReporter) OnDrift(DriftSample)                  {}
func (NopReporter) OnStateChange(State, State)           {}

// Stats are monotonically increasing counters.
type Stats struct {
	Events           uint64
	Snapshots        uint64
	DeltasApplied    uint64
	DeltasStale      uint64
	DeltasPreSync    uint64
	DeltasDiscarded  uint64
	DeltasOutOfDepth uint64
	Gaps             uint64
	GapsReordered    uint64
	GapsBridged      uint64
	Resyncs          uint64
	Trades           uint64
	TradesOutside    uint64
	NotionalOverflow uint64
	Emitted          uint64
}

// PendingDelta is a delta held while a small gap may still be filled.
type PendingDelta struct {
	Delta record.BookDelta
	AtNs  int64
}

// Snapshot is the engine's persisted state.
type Snapshot struct {
	State               State
	LastAppliedUpdateID uint64
	Bids                []record.Level
	Asks                []record.Level
	Pending             []PendingDelta
	Window              int
	Corrupted           *record.CorruptedInterval
	SinceSample         int
	OutPosition         uint64
	LastEmittedNs       int64
	SeqInTimestamp      uint32
	Stats               Stats
}
