package reader

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/sequence"
)

// Decoder turns one chunk of its kind into raw records, stable-sorted by
// event time. Any bad cell rejects the whole chunk.
type Decoder interface {
	Kind() record.Kind
	Decode(c *Chunk) ([]record.Raw, error)
}

// NewDecoder returns the reader for kind. maxLevels bounds snapshot columns.
func NewDecoder(kind record.Kind, codec *precision.Codec, maxLevels int) (Decoder, error) {
	switch kind {
	case record.KindTrade:
		return &TradeReader{codec: codec}, nil
	case record.KindSnapshot:
		return &SnapshotReader{codec: codec, maxLevels: maxLevels}, nil
	case record.KindDelta:
		return &DeltaReader{codec: codec}, nil
	default:
		return nil, fmt.Errorf("reader: no decoder for %s", kind)
	}
}

// cells wraps a chunk with typed cell accessors.
type cells struct {
	c     *Chunk
	codec *precision.Codec
}

func (x cells) integer(name string, col []string, row int) (int64, error) {
	v, err := strconv.ParseInt(col[row], 10, 64)
	if err != nil {
		return 0, x.c.violation(name, row, err)
	}
	return v, nil
}

func (x cells) unsigned(name string, col []string, row int) (uint64, error) {
	v, err := strconv.ParseUint(col[row], 10, 64)
	if err != nil {
		return 0, x.c.violation(name, row, err)
	}
	return v, nil
}

func (x cells) scaled(name string, col []string, row int, kind precision.FieldKind) (int64, error) {
	v, err := x.codec.Decode(col[row], kind, x.c.Symbol)
	if err != nil {
		return 0, x.c.violation(name, row, err)
	}
	return v, nil
}

func (x cells) side(name string, col []string, row int) (record.Side, error) {
	s, err := record.ParseSide(col[row])
	if err != nil {
		return 0, x.c.violation(name, row, err)
	}
	return s, nil
}

func (x cells) columns(names ...string) ([][]string, error) {
	out := make([][]string, len(names))
	for i, n := range names {
		col, err := x.c.column(n)
		if err != nil {
			return nil, err
		}
		out[i] = col
	}
	return out, nil
}

func seqOf(c *Chunk, row int) (uint64, error) {
	s, err := sequence.SourceSeq(c.Seq, row)
	if err != nil {
		return 0, c.violation("", row, err)
	}
	return s, nil
}

func sortByTime(recs []record.Raw) {
	slices.SortStableFunc(recs, func(a, b record.Raw) int {
		return cmp.Compare(a.EventTimeNs(), b.EventTimeNs())
	})
}

func checkKind(c *Chunk, want record.Kind) error {
	if c.Kind != want {
		return c.violation("", -1, fmt.Errorf("chunk kind %s on %s reader", c.Kind, want))
	}
	return nil
}

type TradeReader struct {
	codec *precision.Codec
}

func (*TradeReader) Kind() record.Kind { return record.KindTrade }

func (r *TradeReader) Decode(c *Chunk) ([]record.Raw, error) {
	if err := checkKind(c, record.KindTrade); err != nil {
		return nil, err
	}
	n, err := c.Rows()
	if err != nil {
		return nil, err
	}
	x := cells{c: c, codec: r.codec}
	cols, err := x.columns(ColTimestamp, ColTradeID, ColPrice, ColQuantity, ColSide)
	if err != nil {
		return nil, err
	}
	ts, ids, px, qty, side := cols[0], cols[1], cols[2], cols[3], cols[4]

	out := make([]record.Raw, 0, n)
	for i := 0; i < n; i++ {
		var t record.Trade
		if t.EventTimeNs, err = x.integer(ColTimestamp, ts, i); err != nil {
			return nil, err
		}
		if t.TradeID, err = x.unsigned(ColTradeID, ids, i); err != nil {
			return nil, err
		}
		if t.Price, err = x.scaled(ColPrice, px, i, precision.Price); err != nil {
			return nil, err
		}
		if t.Quantity, err = x.scaled(ColQuantity, qty, i, precision.Quantity); err != nil {
			return nil, err
		}
		if t.Side, err = x.side(ColSide, side, i); err != nil {
			return nil, err
		}
		seq, err := seqOf(c, i)
		if err != nil {
			return nil, err
		}
		out = append(out, record.NewTrade(c.Symbol, seq, t))
	}
	sortByTime(out)
	return out, nil
}

type DeltaReader struct {
	codec *precision.Codec
}

func (*DeltaReader) Kind() record.Kind { return record.KindDelta }

func (r *DeltaReader) Decode(c *Chunk) ([]record.Raw, error) {
	if err := checkKind(c, record.KindDelta); err != nil {
		return nil, err
	}
	n, err := c.Rows()
	if err != nil {
		return nil, err
	}
	x := cells{c: c, codec: r.codec}
	cols, err := x.columns(ColTimestamp, ColUpdateID, ColSide, ColPrice, ColQuantity)
	if err != nil {
		return nil, err
	}
	ts, ids, side, px, qty := cols[0], cols[1], cols[2], cols[3], cols[4]

	out := make([]record.Raw, 0, n)
	for i := 0; i < n; i++ {
		var d record.BookDelta
		if d.EventTimeNs, err = x.integer(ColTimestamp, ts, i); err != nil {
			return nil, err
		}
		if d.UpdateID, err = x.unsigned(ColUpdateID, ids, i); err != nil {
			return nil, err
		}
		if d.Side, err = x.side(ColSide, side, i); err != nil {
			return nil, err
		}
		if d.Price, err = x.scaled(ColPrice, px, i, precision.Price); err != nil {
			return nil, err
		}
		if d.NewQuantity, err = x.scaled(ColQuantity, qty, i, precision.Quantity); err != nil {
			return nil, err
		}
		if d.NewQuantity < 0 {
			return nil, c.violation(ColQuantity, i, fmt.Errorf("negative quantity %s", qty[i]))
		}
		seq, err := seqOf(c, i)
		if err != nil {
			return nil, err
		}
		out = append(out, record.NewDelta(c.Symbol, seq, d))
	}
	sortByTime(out)
	return out, nil
}

// SnapshotReader decodes one full book per row from indexed level columns.
// An empty price cell ends that side of the book for the row.
type SnapshotReader struct {
	codec     *precision.Codec
	maxLevels int
}

func (*SnapshotReader) Kind() record.Kind { return record.KindSnapshot }

func (r *SnapshotReader) Decode(c *Chunk) ([]record.Raw, error) {
	if err := checkKind(c, record.KindSnapshot); err != nil {
		return nil, err
	}
	n, err := c.Rows()
	if err != nil {
		return nil, err
	}
	x := cells{c: c, codec: r.codec}
	cols, err := x.columns(ColTimestamp, ColUpdateID)
	if err != nil {
		return nil, err
	}
	ts, ids := cols[0], cols[1]

	bids, err := r.sideColumns(c, BidPriceCol, BidQtyCol, BidCountCol)
	if err != nil {
		return nil, err
	}
	asks, err := r.sideColumns(c, AskPriceCol, AskQtyCol, AskCountCol)
	if err != nil {
		return nil, err
	}

	out := make([]record.Raw, 0, n)
	for i := 0; i < n; i++ {
		var s record.BookSnapshot
		if s.EventTimeNs, err = x.integer(ColTimestamp, ts, i); err != nil {
			return nil, err
		}
		if s.UpdateID, err = x.unsigned(ColUpdateID, ids, i); err != nil {
			return nil, err
		}
		if s.Bids, err = r.levels(x, bids, i); err != nil {
			return nil, err
		}
		if s.Asks, err = r.levels(x, asks, i); err != nil {
			return nil, err
		}
		seq, err := seqOf(c, i)
		if err != nil {
			return nil, err
		}
		out = append(out, record.NewSnapshot(c.Symbol, seq, s))
	}
	sortByTime(out)
	return out, nil
}

type levelCols struct {
	pxName, qtyName, nName string
	px, qty, n             []string
}

func (r *SnapshotReader) sideColumns(c *Chunk, px, qty, cnt func(int) string) ([]levelCols, error) {
	var out []levelCols
	for i := 0; r.maxLevels <= 0 || i < r.maxLevels; i++ {
		pc, ok := c.Columns[px(i)]
		if !ok {
			break
		}
		l := levelCols{pxName: px(i), qtyName: qty(i), nName: cnt(i), px: pc}
		qc, err := c.column(l.qtyName)
		if err != nil {
			return nil, err
		}
		l.qty = qc
		l.n = c.Columns[l.nName]
		out = append(out, l)
	}
	return out, nil
}

func (r *SnapshotReader) levels(x cells, cols []levelCols, row int) ([]record.Level, error) {
	out := make([]record.Level, 0, len(cols))
	for _, l := range cols {
		if l.px[row] == "" {
			break
		}
		var lv record.Level
		var err error
		if lv.Price, err = x.scaled(l.pxName, l.px, row, precision.Price); err != nil {
			return nil, err
		}
		if lv.Quantity, err = x.scaled(l.qtyName, l.qty, row, precision.Quantity); err != nil {
			return nil, err
		}
		if lv.Quantity < 0 {
			return nil, x.c.violation(l.qtyName, row, fmt.Errorf("negative quantity %s", l.qty[row]))
		}
		if l.n != nil && l.n[row] != "" {
			n, err := strconv.ParseInt(l.n[row], 10, 32)
			if err != nil {
				return nil, x.c.violation(l.nName, row, err)
			}
			lv.OrderCount = int32(n)
		}
		out = append(out, lv)
	}
	return out, nil
}
