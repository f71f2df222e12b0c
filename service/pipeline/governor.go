package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"recon/infra/memory"
)

// FlowState is the governor ladder. Each step is reached only after the
// previous one failed to relieve pressure for a sustained period.
type FlowState int32

const (
	Normal FlowState = iota
	Throttled
	Paused
	Spilling
)

func (s FlowState) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Throttled:
		return "THROTTLED"
	case Paused:
		return "PAUSED"
	case Spilling:
		return "SPILLING"
	default:
		return fmt.Sprintf("FLOW(%d)", int32(s))
	}
}

type GovernorConfig struct {
	HighWater float64
	LowWater  float64
	Sustain   time.Duration
	// ThrottleRate is records per second per reader while throttled.
	ThrottleRate float64
	BatchSize    int
}

// Governor gates the readers. It implements reader.Gate.
type Governor struct {
	cfg   GovernorConfig
	probe func() float64

	state    atomic.Int32
	memLevel atomic.Uint32
	batch    atomic.Int32
	limiter  *rate.Limiter

	mu        sync.Mutex
	queue     FlowState
	highSince time.Time
	lowSince  time.Time
	resume    chan struct{}
	onChange  func(from, to FlowState)
}

// NewGovernor watches the fill ratio returned by probe, normally that of the
// queue furthest downstream.
func NewGovernor(cfg GovernorConfig, probe func() float64) *Governor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	if cfg.ThrottleRate <= 0 {
		cfg.ThrottleRate = 50_000
	}
	burst := max(cfg.BatchSize, int(cfg.ThrottleRate/10))
	g := &Governor{
		cfg:     cfg,
		probe:   probe,
		limiter: rate.NewLimiter(rate.Limit(cfg.ThrottleRate), burst),
	}
	g.batch.Store(int32(cfg.BatchSize))
	return g
}

// OnChange is called with every transition, from the ticking goroutine.
func (g *Governor) OnChange(fn func(from, to FlowState)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

func (g *Governor) State() FlowState { return FlowState(g.state.Load()) }

// ShouldSpill tells the writer to move queued events to the spill store.
func (g *Governor) ShouldSpill() bool {
	return g.State() == Spilling || memory.Level(g.memLevel.Load()) == memory.Hard
}

func (g *Governor) BatchSize() int { return int(g.batch.Load()) }

// Wait blocks while paused and rate limits while throttled.
func (g *Governor) Wait(ctx context.Context, n int) error {
	for {
		g.mu.Lock()
		resume := g.resume
		g.mu.Unlock()
		if resume == nil {
			break
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.State() != Throttled {
		return nil
	}
	for n > 0 {
		k := min(n, g.limiter.Burst())
		if err := g.limiter.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// OnMemory applies a memory reading: SOFT halves the batch size and
// throttles, HARD pauses.
func (g *Governor) OnMemory(r memory.Reading) {
	g.memLevel.Store(uint32(r.Level))
	switch r.Level {
	case memory.Normal:
		g.batch.Store(int32(g.cfg.BatchSize))
	default:
		g.batch.Store(int32(max(1, g.cfg.BatchSize/2)))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apply()
}

// Tick samples the queue fill and moves at most one step along the ladder.
func (g *Governor) Tick(now time.Time) {
	fill := g.probe()
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case fill >= g.cfg.HighWater:
		g.lowSince = time.Time{}
		if g.highSince.IsZero() {
			g.highSince = now
		}
		if now.Sub(g.highSince) >= g.cfg.Sustain && g.queue < Spilling {
			g.queue++
			g.highSince = now
		}
	case fill <= g.cfg.LowWater:
		g.highSince = time.Time{}
		if g.lowSince.IsZero() {
			g.lowSince = now
		}
		if now.Sub(g.lowSince) >= g.cfg.Sustain && g.queue > Normal {
			g.queue--
			g.lowSince = now
		}
	default:
		g.highSince, g.lowSince = time.Time{}, time.Time{}
	}
	g.apply()
}

// apply publishes the stricter of the queue and memory states. g.mu held.
func (g *Governor) apply() {
	next := g.queue
	switch memory.Level(g.memLevel.Load()) {
	case memory.Soft:
		next = max(next, Throttled)
	case memory.Hard:
		next = max(next, Paused)
	}
	prev := FlowState(g.state.Swap(int32(next)))
	if prev == next {
		return
	}
	paused := next >= Paused
	switch {
	case paused && g.resume == nil:
		g.resume = make(chan struct{})
	case !paused && g.resume != nil:
		close(g.resume)
		g.resume = nil
	}
	if g.onChange != nil {
		g.onChange(prev, next)
	}
}

// Run ticks until ctx is done and then releases any paused reader.
func (g *Governor) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.queue = Normal
			g.memLevel.Store(uint32(memory.Normal))
			g.apply()
			g.mu.Unlock()
			return
		case now := <-t.C:
			g.Tick(now)
		}
	}
}
