// Package record defines the raw source records and the unified output event.
//
// Raw is a tagged union: Kind selects which one of Trade, Snapshot or Delta is
// populated. Consumers switch on Kind exhaustively.
package record

import "fmt"

type Kind uint8

const (
	KindTrade Kind = iota
	KindSnapshot
	KindDelta
)

// NumKinds is the number of source streams feeding one instrument.
const NumKinds = 3

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool { return k < NumKinds }

func ParseKind(s string) (Kind, error) {
	switch s {
	case "trade", "trades":
		return KindTrade, nil
	case "snapshot", "snapshots":
		return KindSnapshot, nil
	case "delta", "deltas":
		return KindDelta, nil
	default:
		return 0, fmt.Errorf("record: unknown kind %q", s)
	}
}

type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

// ParseSide accepts the venue spellings seen in trade and depth feeds.
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "b", "buy", "BUY", "Buy", "BID":
		return Bid, nil
	case "ask", "a", "sell", "SELL", "Sell", "ASK":
		return Ask, nil
	default:
		return 0, fmt.Errorf("record: unknown side %q", s)
	}
}

// Level is one aggregated price level. Price and Quantity are scaled integers.
type Level struct {
	Price      int64
	Quantity   int64
	OrderCount int32
}

type Trade struct {
	EventTimeNs int64
	TradeID     uint64
	Price       int64
	Quantity    int64
	Side        Side
}

type BookSnapshot struct {
	EventTimeNs int64
	UpdateID    uint64
	Bids        []Level
	Asks        []Level
}

type BookDelta struct {
	EventTimeNs int64
	UpdateID    uint64
	Side        Side
	Price       int64
	NewQuantity int64
}

// Raw is one decoded source record.
type Raw struct {
	Kind   Kind
	Symbol string
	// SourceSeq is the record's position in its own source stream.
	SourceSeq uint64

	Trade    *Trade
	Snapshot *BookSnapshot
	Delta    *BookDelta
}

func (r *Raw) EventTimeNs() int64 {
	switch r.Kind {
	case KindTrade:
		return r.Trade.EventTimeNs
	case KindSnapshot:
		return r.Snapshot.EventTimeNs
	case KindDelta:
		return r.Delta.EventTimeNs
	default:
		panic(fmt.Sprintf("record: unhandled kind %d", r.Kind))
	}
}

func NewTrade(symbol string, seq uint64, t Trade) Raw {
	return Raw{Kind: KindTrade, Symbol: symbol, SourceSeq: seq, Trade: &t}
}

func NewSnapshot(symbol string, seq uint64, s BookSnapshot) Raw {
	return Raw{Kind: KindSnapshot, Symbol: symbol, SourceSeq: seq, Snapshot: &s}
}

func NewDelta(symbol string, seq uint64, d BookDelta) Raw {
	return Raw{Kind: KindDelta, Symbol: symbol, SourceSeq: seq, Delta: &d}
}
