package eventstore

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"recon/domain/record"
)

// A block stores a run of events column by column. Every column is a packed
// repeated varint field; signed values are zigzag encoded. Row columns have
// one entry per event, trade columns one per trade, book columns one per
// book event, level columns one per level and so on.
const (
	colTs protowire.Number = iota + 1
	colType
	colSeqInTs
	colPosition
	colFlags

	colTradeID
	colTradePrice
	colTradeQty
	colTradeSide
	colTradeNotional
	colTradeBestBid
	colTradeBestAsk

	colBookUpdateID
	colBookBids
	colBookAsks
	colBookHasDelta
	colBookHasCorrupt

	colLevelPrice
	colLevelQty
	colLevelOrders

	colDeltaTs
	colDeltaUpdateID
	colDeltaSide
	colDeltaPrice
	colDeltaQty

	colCorruptStart
	colCorruptEnd
	colCorruptStartNs
	colCorruptEndNs
	colCorruptDiscarded

	numCols
)

var ErrBadBlock = errors.New("eventstore: malformed block")

type columns [numCols][]uint64

func (c *columns) put(col protowire.Number, v uint64) { c[col] = append(c[col], v) }
func (c *columns) putInt(col protowire.Number, v int64) {
	c[col] = append(c[col], protowire.EncodeZigZag(v))
}
func (c *columns) putBool(col protowire.Number, v bool) {
	var b uint64
	if v {
		b = 1
	}
	c[col] = append(c[col], b)
}

func (c *columns) putLevels(levels []record.Level) {
	for _, l := range levels {
		c.putInt(colLevelPrice, l.Price)
		c.putInt(colLevelQty, l.Quantity)
		c.put(colLevelOrders, uint64(l.OrderCount))
	}
}

// AppendBlock encodes events into b.
func AppendBlock(b []byte, events []record.Event) []byte {
	var c columns
	for i := range events {
		ev := &events[i]
		c.putInt(colTs, ev.EventTimestampNs)
		c.put(colType, uint64(ev.Type))
		c.put(colSeqInTs, uint64(ev.SequenceWithinTimestamp))
		c.put(colPosition, ev.Position)
		c.put(colFlags, uint64(ev.Flags))

		switch ev.Type {
		case record.EventTrade:
			t := ev.Trade
			c.put(colTradeID, t.TradeID)
			c.putInt(colTradePrice, t.Price)
			c.putInt(colTradeQty, t.Quantity)
			c.put(colTradeSide, uint64(t.Side))
			c.putInt(colTradeNotional, t.Notional)
			c.putInt(colTradeBestBid, t.BestBid)
			c.putInt(colTradeBestAsk, t.BestAsk)
		case record.EventBookSnapshot, record.EventBookDelta:
			bk := ev.Book
			c.put(colBookUpdateID, bk.UpdateID)
			c.put(colBookBids, uint64(len(bk.Bids)))
			c.put(colBookAsks, uint64(len(bk.Asks)))
			c.putLevels(bk.Bids)
			c.putLevels(bk.Asks)
			c.putBool(colBookHasDelta, bk.Delta != nil)
			if d := bk.Delta; d != nil {
				c.putInt(colDeltaTs, d.EventTimeNs)
				c.put(colDeltaUpdateID, d.UpdateID)
				c.put(colDeltaSide, uint64(d.Side))
				c.putInt(colDeltaPrice, d.Price)
				c.putInt(colDeltaQty, d.NewQuantity)
			}
			c.putBool(colBookHasCorrupt, bk.Corrupted != nil)
			if ci := bk.Corrupted; ci != nil {
				c.put(colCorruptStart, ci.StartUpdateID)
				c.put(colCorruptEnd, ci.EndUpdateID)
				c.putInt(colCorruptStartNs, ci.StartNs)
				c.putInt(colCorruptEndNs, ci.EndNs)
				c.put(colCorruptDiscarded, ci.DiscardedDeltas)
			}
		default:
			panic(fmt.Sprintf("eventstore: unhandled event type %d", ev.Type))
		}
	}

	var packed []byte
	for num := colTs; num < numCols; num++ {
		if len(c[num]) == 0 {
			continue
		}
		packed = packed[:0]
		for _, v := range c[num] {
			packed = protowire.AppendVarint(packed, v)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// cursor reads one decoded column front to back.
type cursor struct {
	vals []uint64
	err  error
}

func (r *cursor) next(name string) uint64 {
	if len(r.vals) == 0 {
		if r.err == nil {
			r.err = fmt.Errorf("%w: column %s exhausted", ErrBadBlock, name)
		}
		return 0
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v
}

type decoder struct {
	cols [numCols]cursor
}

func (d *decoder) u(col protowire.Number) uint64 {
	return d.cols[col].next(colName(col))
}

func (d *decoder) i(col protowire.Number) int64 {
	return protowire.DecodeZigZag(d.u(col))
}

// err also rejects values left over once every row is decoded.
func (d *decoder) err() error {
	if err := d.firstErr(); err != nil {
		return err
	}
	for i := range d.cols {
		if len(d.cols[i].vals) != 0 {
			return fmt.Errorf("%w: column %s has %d extra values", ErrBadBlock, colName(protowire.Number(i)), len(d.cols[i].vals))
		}
	}
	return nil
}

func (d *decoder) levels(n uint64) []record.Level {
	if n == 0 {
		return nil
	}
	if n > uint64(len(d.cols[colLevelPrice].vals)) {
		d.cols[colLevelPrice].err = fmt.Errorf("%w: level count %d", ErrBadBlock, n)
		return nil
	}
	out := make([]record.Level, n)
	for j := range out {
		out[j] = record.Level{
			Price:      d.i(colLevelPrice),
			Quantity:   d.i(colLevelQty),
			OrderCount: int32(d.u(colLevelOrders)),
		}
	}
	return out
}

// DecodeBlock is the inverse of AppendBlock.
func DecodeBlock(b []byte) ([]record.Event, error) {
	var d decoder
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadBlock, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || num < colTs || num >= numCols {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadBlock, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadBlock, protowire.ParseError(n))
		}
		b = b[n:]
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrBadBlock, protowire.ParseError(m))
			}
			d.cols[num].vals = append(d.cols[num].vals, v)
			packed = packed[m:]
		}
	}

	rows := len(d.cols[colTs].vals)
	events := make([]record.Event, rows)
	for i := range events {
		ev := &events[i]
		ev.EventTimestampNs = d.i(colTs)
		ev.Type = record.EventType(d.u(colType))
		ev.SequenceWithinTimestamp = uint32(d.u(colSeqInTs))
		ev.Position = d.u(colPosition)
		ev.Flags = record.Flag(d.u(colFlags))

		switch ev.Type {
		case record.EventTrade:
			ev.Trade = &record.TradePayload{
				TradeID:  d.u(colTradeID),
				Price:    d.i(colTradePrice),
				Quantity: d.i(colTradeQty),
				Side:     record.Side(d.u(colTradeSide)),
				Notional: d.i(colTradeNotional),
				BestBid:  d.i(colTradeBestBid),
				BestAsk:  d.i(colTradeBestAsk),
			}
		case record.EventBookSnapshot, record.EventBookDelta:
			bk := &record.BookPayload{UpdateID: d.u(colBookUpdateID)}
			nb, na := d.u(colBookBids), d.u(colBookAsks)
			bk.Bids = d.levels(nb)
			bk.Asks = d.levels(na)
			if d.u(colBookHasDelta) == 1 {
				bk.Delta = &record.BookDelta{
					EventTimeNs: d.i(colDeltaTs),
					UpdateID:    d.u(colDeltaUpdateID),
					Side:        record.Side(d.u(colDeltaSide)),
					Price:       d.i(colDeltaPrice),
					NewQuantity: d.i(colDeltaQty),
				}
			}
			if d.u(colBookHasCorrupt) == 1 {
				bk.Corrupted = &record.CorruptedInterval{
					StartUpdateID:   d.u(colCorruptStart),
					EndUpdateID:     d.u(colCorruptEnd),
					StartNs:         d.i(colCorruptStartNs),
					EndNs:           d.i(colCorruptEndNs),
					DiscardedDeltas: d.u(colCorruptDiscarded),
				}
			}
			ev.Book = bk
		default:
			return nil, fmt.Errorf("%w: event type %d", ErrBadBlock, ev.Type)
		}
		if err := d.firstErr(); err != nil {
			return nil, err
		}
	}
	if err := d.err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (d *decoder) firstErr() error {
	for i := range d.cols {
		if d.cols[i].err != nil {
			return d.cols[i].err
		}
	}
	return nil
}

var colNames = [numCols]string{
	colTs: "ts", colType: "type", colSeqInTs: "seq_in_ts", colPosition: "position", colFlags: "flags",
	colTradeID: "trade_id", colTradePrice: "trade_price", colTradeQty: "trade_qty", colTradeSide: "trade_side",
	colTradeNotional: "notional", colTradeBestBid: "best_bid", colTradeBestAsk: "best_ask",
	colBookUpdateID: "update_id", colBookBids: "bid_levels", colBookAsks: "ask_levels",
	colBookHasDelta: "has_delta", colBookHasCorrupt: "has_corrupted",
	colLevelPrice: "level_price", colLevelQty: "level_qty", colLevelOrders: "level_orders",
	colDeltaTs: "delta_ts", colDeltaUpdateID: "delta_update_id", colDeltaSide: "delta_side",
	colDeltaPrice: "delta_price", colDeltaQty: "delta_qty",
	colCorruptStart: "corrupted_start", colCorruptEnd: "corrupted_end",
	colCorruptStartNs: "corrupted_start_ns", colCorruptEndNs: "corrupted_end_ns",
	colCorruptDiscarded: "corrupted_discarded",
}

func colName(c protowire.Number) string {
	if c > 0 && c < numCols {
		return colNames[c]
	}
	return fmt.Sprintf("col%d", c)
}
