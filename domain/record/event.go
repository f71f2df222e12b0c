package record

import "fmt"

type EventType uint8

const (
	EventTrade EventType = iota + 1
	EventBookSnapshot
	EventBookDelta
)

func (t EventType) String() string {
	switch t {
	case EventTrade:
		return "TRADE"
	case EventBookSnapshot:
		return "BOOK_SNAPSHOT"
	case EventBookDelta:
		return "BOOK_DELTA"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(t))
	}
}

// EventTypeOf maps a source kind to the event type it produces.
func EventTypeOf(k Kind) EventType {
	switch k {
	case KindTrade:
		return EventTrade
	case KindSnapshot:
		return EventBookSnapshot
	case KindDelta:
		return EventBookDelta
	default:
		panic(fmt.Sprintf("record: unhandled kind %d", k))
	}
}

// Flag tags conditions that consumers must see instead of silently losing.
type Flag uint16

const (
	// FlagLagged marks events emitted while another source was stalled past the lag limit.
	FlagLagged Flag = 1 << iota
	// FlagLate marks a record whose timestamp was clamped to the emitted watermark.
	FlagLate
	// FlagCorrupted marks events inside a corrupted interval.
	FlagCorrupted
	// FlagResync marks the snapshot that closed a corrupted interval.
	FlagResync
	FlagTradeOutsideBook
	FlagGapBridged
	// FlagUnsynced marks events emitted before the book was synchronized.
	FlagUnsynced
)

func (f Flag) Has(o Flag) bool { return f&o != 0 }

// Key orders unified events: timestamp, then source priority rank, then the
// record's position in its own source.
type Key struct {
	TimestampNs int64
	Priority    uint8
	SourceSeq   uint64
}

func (k Key) Less(o Key) bool {
	if k.TimestampNs != o.TimestampNs {
		return k.TimestampNs < o.TimestampNs
	}
	if k.Priority != o.Priority {
		return k.Priority < o.Priority
	}
	return k.SourceSeq < o.SourceSeq
}

// Unified is a raw record placed in the global chronological order.
type Unified struct {
	EventTimestampNs        int64
	OriginalTimestampNs     int64
	Type                    EventType
	SequenceWithinTimestamp uint32
	Position                uint64
	Key                     Key
	Flags                   Flag
	Raw                     Raw
}

// CorruptedInterval is a range of update ids discarded while resynchronizing.
type CorruptedInterval struct {
	StartUpdateID   uint64
	EndUpdateID     uint64
	StartNs         int64
	EndNs           int64
	DiscardedDeltas uint64
}

type TradePayload struct {
	TradeID  uint64
	Price    int64
	Quantity int64
	Side     Side
	// Notional is Price*Quantity at the price scale.
	Notional int64
	BestBid  int64
	BestAsk  int64
}

type BookPayload struct {
	UpdateID uint64
	Bids     []Level
	Asks     []Level
	// Delta is the update that produced this state, nil for snapshots.
	Delta     *BookDelta
	Corrupted *CorruptedInterval
}

// Event is the canonical output record.
type Event struct {
	EventTimestampNs        int64
	Type                    EventType
	SequenceWithinTimestamp uint32
	Position                uint64
	Flags                   Flag

	Trade *TradePayload
	Book  *BookPayload
}
