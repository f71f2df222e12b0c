package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/domain/record"
)

func lv(p, q int64) record.Level { return record.Level{Price: p, Quantity: q} }

func TestBookResetAndTop(t *testing.T) {
	b := NewBook(20)
	require.NoError(t, b.Reset(
		[]record.Level{lv(9999, 3), lv(10000, 5)},
		[]record.Level{lv(10001, 4)},
	))

	bids, asks := b.Levels()
	assert.Equal(t, []record.Level{lv(10000, 5), lv(9999, 3)}, bids)
	assert.Equal(t, []record.Level{lv(10001, 4)}, asks)

	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(10000), best.Price)
}

func TestBookApplyUpsertRemove(t *testing.T) {
	b := NewBook(20)
	require.NoError(t, b.Reset([]record.Level{lv(100, 5)}, nil))

	_, err := b.Apply(record.Bid, 100, 2)
	require.NoError(t, err)
	top := b.Top(record.Bid, 1)
	assert.Equal(t, lv(100, 2), top[0])

	_, err = b.Apply(record.Bid, 100, 0)
	require.NoError(t, err)
	_, ok := b.BestBid()
	assert.False(t, ok)

	_, err = b.Apply(record.Ask, 101, -1)
	assert.ErrorIs(t, err, ErrNegativeQuantity)
}

func TestBookBoundedDepthEvictsWorst(t *testing.T) {
	b := NewBook(3)
	for p := int64(1); p <= 3; p++ {
		_, err := b.Apply(record.Bid, p*10, 1)
		require.NoError(t, err)
	}

	// better bid evicts the lowest
	dropped, err := b.Apply(record.Bid, 40, 1)
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Equal(t, 3, b.Bids.Len())
	assert.Nil(t, b.Bids.Find(10))

	// a bid below the kept range is dropped immediately
	dropped, err = b.Apply(record.Bid, 5, 1)
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Nil(t, b.Bids.Find(5))

	// asks evict the highest
	for _, p := range []int64{100, 110, 120, 90} {
		_, err := b.Apply(record.Ask, p, 1)
		require.NoError(t, err)
	}
	assert.Nil(t, b.Asks.Find(120))
	assert.Equal(t, int64(90), b.Asks.Min().Price)
}

func TestBookResetTruncatesToDepth(t *testing.T) {
	b := NewBook(2)
	require.NoError(t, b.Reset(
		[]record.Level{lv(97, 1), lv(99, 1), lv(98, 1), lv(96, 0)},
		[]record.Level{lv(103, 1), lv(101, 1), lv(102, 1)},
	))
	bids, asks := b.Levels()
	assert.Equal(t, []record.Level{lv(99, 1), lv(98, 1)}, bids)
	assert.Equal(t, []record.Level{lv(101, 1), lv(102, 1)}, asks)
}

func TestBookDrift(t *testing.T) {
	b := NewBook(20)
	require.NoError(t, b.Reset(
		[]record.Level{lv(100, 5), lv(99, 3)},
		[]record.Level{lv(101, 4)},
	))

	d, err := b.Drift(
		[]record.Level{lv(100, 7), lv(98, 1)},
		[]record.Level{lv(101, 4)},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.AbsQtyDiff)
	assert.Equal(t, 2, d.Matched)
	// 98 missing from the book, 99 missing from the snapshot
	assert.Equal(t, 2, d.Unmatched)
}

func TestValidateLevels(t *testing.T) {
	ok := ValidateLevels([]record.Level{lv(100, 1), lv(99, 1)}, []record.Level{lv(101, 1)}, 20)
	assert.NoError(t, ok)
	crossed := ValidateLevels([]record.Level{lv(101, 1)}, []record.Level{lv(101, 1)}, 20)
	assert.NoError(t, crossed)

	cases := map[string]error{
		"unsorted":  ValidateLevels([]record.Level{lv(99, 1), lv(100, 1)}, nil, 20),
		"zero qty":  ValidateLevels(nil, []record.Level{lv(101, 0)}, 20),
		"too deep":  ValidateLevels([]record.Level{lv(100, 1), lv(99, 1)}, nil, 1),
		"ask order": ValidateLevels(nil, []record.Level{lv(102, 1), lv(101, 1)}, 20),
	}
	for name, err := range cases {
		assert.ErrorIs(t, err, ErrInsane, name)
	}
}
