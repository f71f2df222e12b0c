// Package reader decodes columnar input chunks into raw records, one reader
// per source kind.
package reader

import (
	"errors"
	"fmt"

	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/sequence"
)

// Column names shared by all sources.
const (
	ColSymbol    = "symbol"
	ColTimestamp = "ts"
	ColUpdateID  = "update_id"
	ColTradeID   = "trade_id"
	ColPrice     = "price"
	ColQuantity  = "qty"
	ColSide      = "side"
)

// Snapshot level columns are indexed from zero: bid_px_0, bid_qty_0, bid_n_0 ...
const (
	colBidPx  = "bid_px_%d"
	colBidQty = "bid_qty_%d"
	colBidN   = "bid_n_%d"
	colAskPx  = "ask_px_%d"
	colAskQty = "ask_qty_%d"
	colAskN   = "ask_n_%d"
)

func BidPriceCol(i int) string { return fmt.Sprintf(colBidPx, i) }
func BidQtyCol(i int) string   { return fmt.Sprintf(colBidQty, i) }
func BidCountCol(i int) string { return fmt.Sprintf(colBidN, i) }
func AskPriceCol(i int) string { return fmt.Sprintf(colAskPx, i) }
func AskQtyCol(i int) string   { return fmt.Sprintf(colAskQty, i) }
func AskCountCol(i int) string { return fmt.Sprintf(colAskN, i) }

// Chunk is one schema-tagged columnar batch of decimal text.
type Chunk struct {
	Seq     uint64
	Symbol  string
	Kind    record.Kind
	Columns map[string][]string
	// Origin is the chunk's sequence in the input it was read from. The
	// router uses it to drop chunks an earlier run already journaled.
	Origin uint64
}

// Rows returns the row count, or an error when columns disagree.
func (c *Chunk) Rows() (int, error) {
	n := -1
	for name, col := range c.Columns {
		if n < 0 {
			n = len(col)
			continue
		}
		if len(col) != n {
			return 0, c.violation(name, -1, fmt.Errorf("column has %d rows, expected %d", len(col), n))
		}
	}
	if n > sequence.MaxRows {
		return 0, c.violation("", -1, fmt.Errorf("%d rows exceed %d", n, sequence.MaxRows))
	}
	return max(n, 0), nil
}

func (c *Chunk) column(name string) ([]string, error) {
	col, ok := c.Columns[name]
	if !ok {
		return nil, c.violation(name, -1, errors.New("missing column"))
	}
	return col, nil
}

func (c *Chunk) violation(col string, row int, cause error) *SchemaError {
	return &SchemaError{Kind: c.Kind, Seq: c.Seq, Column: col, Row: row, Cause: cause}
}

var ErrSchemaViolation = errors.New("reader: schema violation")

// SchemaError locates a malformed cell or column. Precision failures keep
// their precision sentinel and do not match ErrSchemaViolation.
type SchemaError struct {
	Kind   record.Kind
	Seq    uint64
	Column string
	Row    int
	Cause  error
}

func (e *SchemaError) Error() string {
	loc := fmt.Sprintf("%s chunk %d", e.Kind, e.Seq)
	if e.Column != "" {
		loc += " column " + e.Column
	}
	if e.Row >= 0 {
		loc += fmt.Sprintf(" row %d", e.Row)
	}
	if e.Precision() {
		return fmt.Sprintf("reader: %s: %v", loc, e.Cause)
	}
	return fmt.Sprintf("%v: %s: %v", ErrSchemaViolation, loc, e.Cause)
}

func (e *SchemaError) Unwrap() []error {
	if e.Precision() {
		return []error{e.Cause}
	}
	if e.Cause == nil {
		return []error{ErrSchemaViolation}
	}
	return []error{ErrSchemaViolation, e.Cause}
}

// Precision reports whether the cell was well formed but not representable
// at the instrument's scale.
func (e *SchemaError) Precision() bool {
	return errors.Is(e.Cause, precision.ErrPrecisionLoss) || errors.Is(e.Cause, precision.ErrOverflow)
}
