package reader

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/sequence"
)

const sym = "ETH-USD"

func testCodec(t *testing.T) *precision.Codec {
	t.Helper()
	c, err := precision.NewCodec(precision.Scale{Symbol: sym, PriceDecimals: 2, QuantityDecimals: 4})
	require.NoError(t, err)
	return c
}

func tradeChunk(seq uint64) Chunk {
	return Chunk{Seq: seq, Symbol: sym, Kind: record.KindTrade, Columns: map[string][]string{
		ColTimestamp: {"300", "100", "100"},
		ColTradeID:   {"1", "2", "3"},
		ColPrice:     {"2000.50", "2000.25", "2000.00"},
		ColQuantity:  {"0.5", "1.2500", "3"},
		ColSide:      {"buy", "sell", "b"},
		"venue":      {"x", "x", "x"},
	}}
}

func TestTradeReaderDecodesAndSorts(t *testing.T) {
	r := &TradeReader{codec: testCodec(t)}
	c := tradeChunk(7)
	recs, err := r.Decode(&c)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// stable by time: rows 1 and 2 share ts 100 and keep source order
	assert.EqualValues(t, 2, recs[0].Trade.TradeID)
	assert.EqualValues(t, 3, recs[1].Trade.TradeID)
	assert.EqualValues(t, 1, recs[2].Trade.TradeID)

	first := recs[0]
	assert.Equal(t, record.KindTrade, first.Kind)
	assert.Equal(t, sym, first.Symbol)
	assert.EqualValues(t, 200025, first.Trade.Price)
	assert.EqualValues(t, 12500, first.Trade.Quantity)
	assert.Equal(t, record.Ask, first.Trade.Side)

	chunk, row := sequence.Split(first.SourceSeq)
	assert.EqualValues(t, 7, chunk)
	assert.Equal(t, 1, row)
}

func TestTradeReaderSchemaViolations(t *testing.T) {
	r := &TradeReader{codec: testCodec(t)}

	missing := tradeChunk(1)
	delete(missing.Columns, ColSide)
	_, err := r.Decode(&missing)
	require.ErrorIs(t, err, ErrSchemaViolation)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ColSide, se.Column)

	ragged := tradeChunk(2)
	ragged.Columns[ColPrice] = ragged.Columns[ColPrice][:2]
	_, err = r.Decode(&ragged)
	assert.ErrorIs(t, err, ErrSchemaViolation)

	badTs := tradeChunk(3)
	badTs.Columns[ColTimestamp][2] = "yesterday"
	_, err = r.Decode(&badTs)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Row)
	assert.Equal(t, ColTimestamp, se.Column)

	wrongKind := tradeChunk(4)
	wrongKind.Kind = record.KindDelta
	_, err = r.Decode(&wrongKind)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestPrecisionLossIsNotSchemaViolation(t *testing.T) {
	r := &TradeReader{codec: testCodec(t)}
	c := tradeChunk(1)
	c.Columns[ColPrice][0] = "2000.505"
	_, err := r.Decode(&c)
	require.ErrorIs(t, err, precision.ErrPrecisionLoss)
	assert.NotErrorIs(t, err, ErrSchemaViolation)
}

func TestDeltaReader(t *testing.T) {
	r := &DeltaReader{codec: testCodec(t)}
	c := Chunk{Seq: 1, Symbol: sym, Kind: record.KindDelta, Columns: map[string][]string{
		ColTimestamp: {"10", "20"},
		ColUpdateID:  {"11", "12"},
		ColSide:      {"bid", "ask"},
		ColPrice:     {"100.00", "100.01"},
		ColQuantity:  {"0", "4"},
	}}
	recs, err := r.Decode(&c)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, record.BookDelta{EventTimeNs: 10, UpdateID: 11, Side: record.Bid, Price: 10000, NewQuantity: 0}, *recs[0].Delta)
	assert.Equal(t, record.Ask, recs[1].Delta.Side)

	c.Columns[ColQuantity][1] = "-1"
	_, err = r.Decode(&c)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestSnapshotReader(t *testing.T) {
	r := &SnapshotReader{codec: testCodec(t), maxLevels: 20}
	c := Chunk{Seq: 1, Symbol: sym, Kind: record.KindSnapshot, Columns: map[string][]string{
		ColTimestamp:   {"5"},
		ColUpdateID:    {"10"},
		BidPriceCol(0): {"100.00"},
		BidQtyCol(0):   {"5"},
		BidCountCol(0): {"3"},
		BidPriceCol(1): {"99.99"},
		BidQtyCol(1):   {"3"},
		AskPriceCol(0): {"100.01"},
		AskQtyCol(0):   {"4"},
		AskPriceCol(1): {""},
		AskQtyCol(1):   {""},
	}}
	recs, err := r.Decode(&c)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	s := recs[0].Snapshot
	assert.EqualValues(t, 10, s.UpdateID)
	assert.Equal(t, []record.Level{
		{Price: 10000, Quantity: 50000, OrderCount: 3},
		{Price: 9999, Quantity: 30000},
	}, s.Bids)
	assert.Equal(t, []record.Level{{Price: 10001, Quantity: 40000}}, s.Asks)

	delete(c.Columns, BidQtyCol(1))
	_, err = r.Decode(&c)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

type sliceSource struct{ chunks []Chunk }

func (s *sliceSource) Next(ctx context.Context) (Chunk, error) {
	if len(s.chunks) == 0 {
		return Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

type countingGate struct {
	batch int
	waits []int
}

func (g *countingGate) Wait(_ context.Context, n int) error {
	g.waits = append(g.waits, n)
	return nil
}
func (g *countingGate) BatchSize() int { return g.batch }

func TestReaderSkipsBadChunks(t *testing.T) {
	bad := tradeChunk(2)
	bad.Columns[ColSide][0] = "up"
	lossy := tradeChunk(3)
	lossy.Columns[ColQuantity][0] = "0.00001"
	src := &sliceSource{chunks: []Chunk{tradeChunk(1), bad, lossy, tradeChunk(4)}}
	gate := &countingGate{batch: 2}

	r := New(&TradeReader{codec: testCodec(t)}, src, gate, zerolog.Nop())
	var rejected []*SchemaError
	r.OnReject = func(e *SchemaError) { rejected = append(rejected, e) }

	out := make(chan record.Raw, 16)
	require.NoError(t, r.Run(context.Background(), out))

	var got []record.Raw
	for rec := range out {
		got = append(got, rec)
	}
	assert.Len(t, got, 6)

	st := r.Stats()
	assert.EqualValues(t, 4, st.Chunks)
	assert.EqualValues(t, 6, st.Records)
	assert.EqualValues(t, 1, st.SchemaErrors)
	assert.EqualValues(t, 1, st.PrecisionErrors)
	assert.EqualValues(t, 4, st.LastSeq)
	assert.Len(t, rejected, 2)
	assert.Equal(t, []int{2, 1, 2, 1}, gate.waits)
}

func TestReaderResumeAfter(t *testing.T) {
	src := &sliceSource{chunks: []Chunk{tradeChunk(1), tradeChunk(2), tradeChunk(3)}}
	r := New(&TradeReader{codec: testCodec(t)}, src, nil, zerolog.Nop())
	r.ResumeAfter(2, 2)

	out := make(chan record.Raw, 16)
	require.NoError(t, r.Run(context.Background(), out))
	var got []record.Raw
	for rec := range out {
		got = append(got, rec)
	}
	require.Len(t, got, 4)
	// the third decoded record of chunk 2 is trade 1 (ts 300)
	chunk, _ := sequence.Split(got[0].SourceSeq)
	assert.EqualValues(t, 2, chunk)
	assert.EqualValues(t, 1, got[0].Trade.TradeID)
	assert.EqualValues(t, 5, r.Stats().Skipped)
}

func TestReaderStopsOnCancel(t *testing.T) {
	src := &sliceSource{chunks: []Chunk{tradeChunk(1)}}
	r := New(&TradeReader{codec: testCodec(t)}, src, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx, make(chan record.Raw))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJSONLinesSource(t *testing.T) {
	input := strings.Join([]string{
		`{"ts": 100, "trade_id": 1, "price": 2000.10, "qty": "0.5", "side": "buy"}`,
		``,
		`{"ts": 200, "trade_id": 2, "price": 2000.20, "qty": 1, "side": "sell", "note": null}`,
		`{"ts": 300, "trade_id": 3, "price": 2000.30, "qty": 1, "side": "sell"}`,
	}, "\n")
	src := NewJSONLines(strings.NewReader(input), sym, record.KindTrade, 2, sequence.New(10))

	c1, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 11, c1.Seq)
	assert.EqualValues(t, 11, c1.Origin)
	assert.Equal(t, []string{"2000.10", "2000.20"}, c1.Columns[ColPrice])
	assert.Equal(t, []string{"", ""}, c1.Columns["note"])
	n, err := c1.Rows()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c2, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 12, c2.Seq)
	assert.Equal(t, []string{"3"}, c2.Columns[ColTradeID])

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	recs, err := (&TradeReader{codec: testCodec(t)}).Decode(&c1)
	require.NoError(t, err)
	assert.EqualValues(t, 200010, recs[0].Trade.Price)
}

func TestJSONLinesRejectsNested(t *testing.T) {
	src := NewJSONLines(strings.NewReader(`{"ts": [1]}`), sym, record.KindTrade, 0, nil)
	_, err := src.Next(context.Background())
	assert.Error(t, err)
}

func TestChanSource(t *testing.T) {
	ch := make(chan Chunk, 1)
	ch <- tradeChunk(1)
	close(ch)
	src := ChanSource(ch)

	c, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Seq)
	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkWireRoundTrip(t *testing.T) {
	c := tradeChunk(42)
	c.Origin = 7
	c.Columns["empty"] = []string{}
	b := MarshalChunk(nil, &c)
	assert.Equal(t, b, MarshalChunk(nil, &c), "encoding is deterministic")

	got, err := UnmarshalChunk(b)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = UnmarshalChunk(b[:len(b)-3])
	assert.Error(t, err)
}
