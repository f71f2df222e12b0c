package precision

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(
		Scale{Symbol: "BTCUSDT", PriceDecimals: 2, QuantityDecimals: 8},
		Scale{Symbol: "ETHUSDT", PriceDecimals: 2, QuantityDecimals: 4, AllowTruncation: true},
	)
	require.NoError(t, err)
	return c
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	prices := []string{"100.00", "99.99", "0.01", "0.00", "65432.10", "-12.34", "92233720368547758.07"}
	for _, p := range prices {
		v, err := c.Decode(p, Price, "BTCUSDT")
		require.NoError(t, err, p)
		out, err := c.Encode(v, Price, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, p, out)
	}

	qtys := []string{"0.00000001", "1.50000000", "21000000.00000000"}
	for _, q := range qtys {
		v, err := c.Decode(q, Quantity, "BTCUSDT")
		require.NoError(t, err, q)
		out, err := c.Encode(v, Quantity, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, q, out)
	}
}

func TestDecodeNonCanonicalIsExact(t *testing.T) {
	c := newTestCodec(t)

	v, err := c.Decode("100.1", Price, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(10010), v)

	// trailing zeros past the scale carry no information
	v, err = c.Decode("100.1000", Price, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(10010), v)

	d, err := c.EncodeDecimal(v, Price, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("100.1")))
}

func TestDecodePrecisionLoss(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Decode("100.001", Price, "BTCUSDT")
	require.ErrorIs(t, err, ErrPrecisionLoss)
	assert.Zero(t, c.Truncations())
}

func TestDecodeTruncationRoundsHalfUp(t *testing.T) {
	c := newTestCodec(t)

	var warnings []*TruncationWarning
	c.OnTruncate(func(w *TruncationWarning) { warnings = append(warnings, w) })

	cases := map[string]int64{
		"1.005":  101,
		"1.004":  100,
		"-1.005": -100,
		"-1.006": -101,
	}
	for in, want := range cases {
		v, err := c.Decode(in, Price, "ETHUSDT")
		require.NoError(t, err, in)
		assert.Equal(t, want, v, in)
	}
	assert.Len(t, warnings, len(cases))
	assert.Equal(t, uint64(len(cases)), c.Truncations())
	assert.Equal(t, uint64(len(cases)), c.TruncationsOf("ETHUSDT"))
	assert.Zero(t, c.TruncationsOf("BTCUSDT"))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := newTestCodec(t)

	for _, in := range []string{"", "  ", "abc", "1.2.3"} {
		_, err := c.Decode(in, Price, "BTCUSDT")
		assert.ErrorIs(t, err, ErrInvalidDecimal, in)
	}

	_, err := c.Decode("1", Price, "DOGEUSDT")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestDecodeOverflow(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Decode("92233720368547758.08", Price, "BTCUSDT")
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestNewCodecRejectsBadScale(t *testing.T) {
	_, err := NewCodec(Scale{Symbol: "X", PriceDecimals: 19})
	assert.ErrorIs(t, err, ErrInvalidScale)
}

func TestNotional(t *testing.T) {
	c := newTestCodec(t)

	price, err := c.Decode("65000.50", Price, "BTCUSDT")
	require.NoError(t, err)
	qty, err := c.Decode("0.12345678", Quantity, "BTCUSDT")
	require.NoError(t, err)

	// 65000.50 * 0.12345678 = 8024.75...  -> 8024.75 at price scale
	n, err := c.Notional(price, qty, "BTCUSDT")
	require.NoError(t, err)
	want := decimal.RequireFromString("65000.50").Mul(decimal.RequireFromString("0.12345678")).Round(2)
	got, _ := c.EncodeDecimal(n, Price, "BTCUSDT")
	assert.True(t, want.Equal(got), "want %s got %s", want, got)
}

func TestMulRescale(t *testing.T) {
	v, err := MulRescale(15, 1, 15, 1, 1) // 1.5*1.5 = 2.25 -> 2.3
	require.NoError(t, err)
	assert.Equal(t, int64(23), v)

	v, err = MulRescale(-15, 1, 15, 1, 1) // -2.25 -> -2.2 (half-up)
	require.NoError(t, err)
	assert.Equal(t, int64(-22), v)

	v, err = MulRescale(3, 0, 4, 0, 2) // 12 -> 12.00
	require.NoError(t, err)
	assert.Equal(t, int64(1200), v)

	// the raw product overflows 64 bits but the rescaled result fits
	v, err = MulRescale(math.MaxInt64/10, 8, 100, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64/10), v)

	_, err = MulRescale(math.MaxInt64, 0, 2, 0, 0)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCheckedArithmetic(t *testing.T) {
	_, err := AddChecked(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubChecked(math.MinInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubChecked(0, math.MinInt64)
	assert.ErrorIs(t, err, ErrOverflow)

	v, err := SubChecked(-1, math.MinInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)
}
