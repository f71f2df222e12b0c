package eventstore

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/domain/precision"
	"recon/domain/record"
)

var scale = precision.Scale{Symbol: "BTC-USD", PriceDecimals: 2, QuantityDecimals: 8}

var base = time.Date(2024, 3, 1, 10, 59, 59, 0, time.UTC).UnixNano()

func sampleEvents() []record.Event {
	return []record.Event{
		{
			EventTimestampNs: base, Type: record.EventBookSnapshot, Position: 1, Flags: record.FlagResync,
			Book: &record.BookPayload{
				UpdateID: 10,
				Bids:     []record.Level{{Price: 10000, Quantity: 5, OrderCount: 2}, {Price: 9999, Quantity: 3}},
				Asks:     []record.Level{{Price: 10001, Quantity: 4}},
				Corrupted: &record.CorruptedInterval{
					StartUpdateID: 3, EndUpdateID: 10, StartNs: base - 5, EndNs: base, DiscardedDeltas: 6,
				},
			},
		},
		{
			EventTimestampNs: base, Type: record.EventBookDelta, SequenceWithinTimestamp: 1, Position: 2,
			Book: &record.BookPayload{
				UpdateID: 11,
				Bids:     []record.Level{{Price: 10000, Quantity: 2}},
				Asks:     []record.Level{{Price: 10001, Quantity: 4}},
				Delta:    &record.BookDelta{EventTimeNs: base, UpdateID: 11, Side: record.Bid, Price: 10000, NewQuantity: 2},
			},
		},
		{
			EventTimestampNs: base + int64(2*time.Second), Type: record.EventTrade, Position: 3,
			Flags: record.FlagTradeOutsideBook | record.FlagLate,
			Trade: &record.TradePayload{
				TradeID: 77, Price: 10005, Quantity: -1, Side: record.Ask, Notional: -10005, BestBid: 10000, BestAsk: 10001,
			},
		},
	}
}

func TestBlockRoundTrip(t *testing.T) {
	evs := sampleEvents()
	got, err := DecodeBlock(AppendBlock(nil, evs))
	require.NoError(t, err)
	assert.Equal(t, evs, got)

	b := AppendBlock(nil, evs)
	_, err = DecodeBlock(b[:len(b)/2])
	assert.Error(t, err)
}

func TestWriterPartitionsAndScan(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, Scale: scale, BlockRows: 2}, zerolog.Nop())
	require.NoError(t, err)
	for _, ev := range sampleEvents() {
		require.NoError(t, w.Write(ev))
	}
	require.NoError(t, w.Close())

	files, err := Files(dir, scale.Symbol)
	require.NoError(t, err)
	require.Len(t, files, 2, "the trade crosses into the next hour")
	assert.Contains(t, files[0], "dt=20240301/hh=10/part-000000.evt")
	assert.Contains(t, files[1], "dt=20240301/hh=11/part-000000.evt")

	meta, err := ReadFile(files[0], func(Meta, []record.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Meta{SchemaVersion: SchemaVersion, Instrument: "BTC-USD", PriceDecimals: 2, QuantityDecimals: 8, CreatedAtNs: meta.CreatedAtNs}, meta)

	var got []record.Event
	require.NoError(t, Scan(dir, scale.Symbol, func(ev record.Event) error {
		got = append(got, ev)
		return nil
	}))
	assert.Equal(t, sampleEvents(), got)
	st := w.Stats()
	assert.EqualValues(t, 3, st.Events)
	assert.EqualValues(t, 2, st.Files)
}

func TestWriterDedupsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	evs := sampleEvents()

	w, err := Open(Config{Dir: dir, Scale: scale}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Write(evs[0]))
	require.NoError(t, w.Write(evs[1]))
	require.NoError(t, w.Close())

	pos, ok, err := LastPosition(dir, scale.Symbol)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, pos)

	// a replay after restart re-emits everything
	w2, err := Open(Config{Dir: dir, Scale: scale}, zerolog.Nop())
	require.NoError(t, err)
	for _, ev := range evs {
		require.NoError(t, w2.Write(ev))
	}
	require.NoError(t, w2.Close())
	assert.EqualValues(t, 2, w2.Stats().Deduped)

	var positions []uint64
	require.NoError(t, Scan(dir, scale.Symbol, func(ev record.Event) error {
		positions = append(positions, ev.Position)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, positions)
	assert.ErrorIs(t, w2.Write(evs[2]), ErrClosed)
}

func TestScanToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, Scale: scale, BlockRows: 1}, zerolog.Nop())
	require.NoError(t, err)
	evs := sampleEvents()
	require.NoError(t, w.Write(evs[0]))
	require.NoError(t, w.Write(evs[1]))
	require.NoError(t, w.Close())

	files, err := Files(dir, scale.Symbol)
	require.NoError(t, err)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-3))

	n := 0
	require.NoError(t, Scan(dir, scale.Symbol, func(record.Event) error { n++; return nil }))
	assert.Equal(t, 1, n)
}
