package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/infra/memory"
)

type fill struct{ v atomic.Value }

func (f *fill) set(v float64) { f.v.Store(v) }
func (f *fill) get() float64  { v, _ := f.v.Load().(float64); return v }

func newTestGovernor(f *fill) *Governor {
	return NewGovernor(GovernorConfig{
		HighWater:    0.8,
		LowWater:     0.5,
		Sustain:      time.Second,
		ThrottleRate: 1000,
		BatchSize:    64,
	}, f.get)
}

func TestGovernorClimbsAndDescendsLadder(t *testing.T) {
	f := &fill{}
	g := newTestGovernor(f)
	var seen []string
	g.OnChange(func(from, to FlowState) { seen = append(seen, from.String()+">"+to.String()) })

	now := time.Unix(0, 0)
	step := func(d time.Duration) {
		now = now.Add(d)
		g.Tick(now)
	}

	f.set(0.9)
	step(0)
	assert.Equal(t, Normal, g.State(), "pressure must be sustained")
	step(time.Second)
	assert.Equal(t, Throttled, g.State())
	step(500 * time.Millisecond)
	assert.Equal(t, Throttled, g.State())
	step(500 * time.Millisecond)
	assert.Equal(t, Paused, g.State())
	step(time.Second)
	assert.Equal(t, Spilling, g.State())
	assert.True(t, g.ShouldSpill())
	step(time.Second)
	assert.Equal(t, Spilling, g.State(), "top of the ladder")

	f.set(0.6)
	step(5 * time.Second)
	assert.Equal(t, Spilling, g.State(), "between the water marks nothing moves")

	f.set(0.1)
	step(0)
	step(time.Second)
	assert.Equal(t, Paused, g.State())
	step(time.Second)
	step(time.Second)
	assert.Equal(t, Normal, g.State())
	assert.False(t, g.ShouldSpill())

	assert.Equal(t, []string{
		"NORMAL>THROTTLED", "THROTTLED>PAUSED", "PAUSED>SPILLING",
		"SPILLING>PAUSED", "PAUSED>THROTTLED", "THROTTLED>NORMAL",
	}, seen)
}

func TestGovernorPauseBlocksReaders(t *testing.T) {
	f := &fill{}
	g := newTestGovernor(f)
	g.OnMemory(memory.Reading{Level: memory.Hard})
	assert.Equal(t, Paused, g.State())
	assert.True(t, g.ShouldSpill())
	assert.Equal(t, 32, g.BatchSize())

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), 1) }()
	select {
	case <-done:
		t.Fatal("wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	g.OnMemory(memory.Reading{Level: memory.Normal})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}
	assert.Equal(t, Normal, g.State())
	assert.Equal(t, 64, g.BatchSize())
}

func TestGovernorWaitHonoursContext(t *testing.T) {
	g := newTestGovernor(&fill{})
	g.OnMemory(memory.Reading{Level: memory.Hard})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx, 1), context.Canceled)
}

func TestGovernorSoftMemoryThrottles(t *testing.T) {
	g := newTestGovernor(&fill{})
	g.OnMemory(memory.Reading{Level: memory.Soft})
	assert.Equal(t, Throttled, g.State())
	assert.False(t, g.ShouldSpill())

	start := time.Now()
	require.NoError(t, g.Wait(context.Background(), 200))
	// the burst of 100 is available at once, the next 100 take ~100ms
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGovernorRunReleasesOnExit(t *testing.T) {
	g := newTestGovernor(&fill{})
	g.OnMemory(memory.Reading{Level: memory.Hard})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { g.Run(ctx, time.Millisecond); close(done) }()
	cancel()
	<-done
	assert.Equal(t, Normal, g.State())
	assert.NoError(t, g.Wait(context.Background(), 1))
}
