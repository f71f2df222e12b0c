package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
)

var ErrMemoryPressure = errors.New("memory: pressure")

type Level uint8

const (
	Normal Level = iota
	Soft
	Hard
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "NORMAL"
	case Soft:
		return "SOFT"
	case Hard:
		return "HARD"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// Sampler reports the current resident set size in bytes.
type Sampler interface {
	RSS() (uint64, error)
}

// ProcSampler reads RSS of this process from /proc.
type ProcSampler struct {
	proc procfs.Proc
}

func NewProcSampler() (*ProcSampler, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return &ProcSampler{proc: p}, nil
}

func (s *ProcSampler) RSS() (uint64, error) {
	st, err := s.proc.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(st.ResidentMemory()), nil
}

// SystemTotal returns MemTotal from /proc/meminfo in bytes.
func SystemTotal() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemTotal == nil {
		return 0, errors.New("memory: meminfo has no MemTotal")
	}
	return *mi.MemTotal * 1024, nil
}

type Config struct {
	LimitBytes     uint64
	Soft           float64
	Hard           float64
	SampleInterval time.Duration
}

type Reading struct {
	RSS   uint64
	Limit uint64
	Ratio float64
	Level Level
	At    time.Time
}

// Monitor samples memory usage and publishes level changes.
type Monitor struct {
	cfg     Config
	sampler Sampler
	log     zerolog.Logger

	level atomic.Uint32
	last  atomic.Pointer[Reading]

	mu       sync.Mutex
	watchers []*watcher
	trimmers []*trimmer
}

type watcher struct{ fn func(Reading) }

type trimmer struct{ t Trimmer }

func NewMonitor(cfg Config, sampler Sampler, log zerolog.Logger) (*Monitor, error) {
	if cfg.Soft <= 0 {
		cfg.Soft = 0.85
	}
	if cfg.Hard <= 0 {
		cfg.Hard = 0.95
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.LimitBytes == 0 {
		total, err := SystemTotal()
		if err != nil {
			return nil, fmt.Errorf("memory: no limit configured: %w", err)
		}
		cfg.LimitBytes = total
	}
	return &Monitor{cfg: cfg, sampler: sampler, log: log}, nil
}

// OnChange registers fn to be called with every reading whose level differs
// from the previous one. The returned func removes it.
func (m *Monitor) OnChange(fn func(Reading)) (remove func()) {
	w := &watcher{fn: fn}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.watchers = slices.DeleteFunc(m.watchers, func(x *watcher) bool { return x == w })
		m.mu.Unlock()
	}
}

// Register adds a cache to trim when usage crosses the soft limit. The
// returned func removes it.
func (m *Monitor) Register(t Trimmer) (remove func()) {
	tr := &trimmer{t: t}
	m.mu.Lock()
	m.trimmers = append(m.trimmers, tr)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.trimmers = slices.DeleteFunc(m.trimmers, func(x *trimmer) bool { return x == tr })
		m.mu.Unlock()
	}
}

func (m *Monitor) Level() Level { return Level(m.level.Load()) }

func (m *Monitor) Last() (Reading, bool) {
	r := m.last.Load()
	if r == nil {
		return Reading{}, false
	}
	return *r, true
}

// Check returns ErrMemoryPressure while usage is at or above the soft limit.
func (m *Monitor) Check() error {
	if l := m.Level(); l >= Soft {
		r, _ := m.Last()
		return fmt.Errorf("%w: %s at %.1f%% of %d bytes", ErrMemoryPressure, l, r.Ratio*100, r.Limit)
	}
	return nil
}

func (m *Monitor) classify(ratio float64) Level {
	switch {
	case ratio >= m.cfg.Hard:
		return Hard
	case ratio >= m.cfg.Soft:
		return Soft
	default:
		return Normal
	}
}

// Sample takes one reading and applies it.
func (m *Monitor) Sample() (Reading, error) {
	rss, err := m.sampler.RSS()
	if err != nil {
		return Reading{}, fmt.Errorf("memory: sample: %w", err)
	}
	r := Reading{RSS: rss, Limit: m.cfg.LimitBytes, At: time.Now()}
	r.Ratio = float64(rss) / float64(r.Limit)
	r.Level = m.classify(r.Ratio)
	m.last.Store(&r)

	prev := Level(m.level.Swap(uint32(r.Level)))
	if r.Level == prev {
		return r, nil
	}
	m.log.Warn().
		Str("from", prev.String()).
		Str("to", r.Level.String()).
		Uint64("rss", r.RSS).
		Float64("ratio", r.Ratio).
		Msg("memory level changed")
	if r.Level > prev && r.Level >= Soft {
		m.release()
	}

	m.mu.Lock()
	ws := slices.Clone(m.watchers)
	m.mu.Unlock()
	for _, w := range ws {
		w.fn(r)
	}
	return r, nil
}

// release trims registered caches and returns freed memory to the OS.
func (m *Monitor) release() {
	m.mu.Lock()
	ts := slices.Clone(m.trimmers)
	m.mu.Unlock()
	for _, tr := range ts {
		tr.t.Trim()
	}
	debug.FreeOSMemory()
}

// Run samples every SampleInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.SampleInterval)
	defer t.Stop()
	for {
		if _, err := m.Sample(); err != nil {
			m.log.Error().Err(err).Msg("memory sample failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
