package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerMonotonic(t *testing.T) {
	s := New(41)
	assert.EqualValues(t, 42, s.Next())
	assert.EqualValues(t, 42, s.Current())

	s.Advance(10)
	assert.EqualValues(t, 42, s.Current(), "advance never moves backwards")
	s.Advance(100)
	assert.EqualValues(t, 101, s.Next())
}

func TestSequencerConcurrent(t *testing.T) {
	s := New(0)
	var wg sync.WaitGroup
	seen := make([]uint64, 0, 4000)
	var mu sync.Mutex
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				v := s.Next()
				mu.Lock()
				seen = append(seen, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	uniq := make(map[uint64]struct{}, len(seen))
	for _, v := range seen {
		uniq[v] = struct{}{}
	}
	assert.Len(t, uniq, 4000)
	assert.EqualValues(t, 4000, s.Current())
}

func TestSourceSeq(t *testing.T) {
	seq, err := SourceSeq(7, 3)
	require.NoError(t, err)
	chunk, row := Split(seq)
	assert.EqualValues(t, 7, chunk)
	assert.Equal(t, 3, row)

	a, _ := SourceSeq(7, MaxRows)
	b, _ := SourceSeq(8, 0)
	assert.Less(t, a, b)

	_, err = SourceSeq(1, MaxRows+1)
	assert.Error(t, err)
}
