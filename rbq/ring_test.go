package rbq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBasic(t *testing.T) {
	r := New[int](3)
	require.Equal(t, 4, r.Cap())

	for i := 1; i <= 4; i++ {
		require.True(t, r.Push(i))
	}
	assert.True(t, r.IsFull())
	assert.False(t, r.Push(5), "push into a full ring")

	v, ok := r.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, _ = r.Pop()
	assert.Equal(t, 1, v)
	assert.True(t, r.Push(5))
	assert.Equal(t, []int{2, 3, 4, 5}, r.Drain())

	_, ok = r.Pop()
	assert.False(t, ok)
	assert.True(t, r.IsEmpty())
}

func TestRingSPSC(t *testing.T) {
	const n = 100_000
	r := New[int](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Push(i) {
				i++
			}
		}
	}()

	for want := 0; want < n; {
		if v, ok := r.Pop(); ok {
			require.Equal(t, want, v)
			want++
		}
	}
	wg.Wait()
}
