// Package router fans input chunks out to one isolated worker per
// instrument. Every chunk is journaled before it is handed to a worker, so a
// crashed worker restarts from its latest checkpoint and replays the journal.
package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"recon/checkpoint"
	"recon/domain/record"
	"recon/infra/reader"
	"recon/infra/sequence"
	"recon/infra/wal/entry"
)

var (
	ErrUnknownInstrument = errors.New("router: unknown instrument")
	ErrClosed            = errors.New("router: closed")
	ErrWorkerPanic       = errors.New("router: worker panicked")
)

// Runner is one attempt at running an instrument's pipeline.
type Runner interface {
	Run(ctx context.Context) error
	Processed() uint64
	Heartbeat() time.Time
}

// Factory builds a fresh Runner for every attempt. The runner must resume
// from its latest checkpoint and report checkpoints through onCheckpoint.
type Factory func(instrument string, sources [record.NumKinds]reader.Source, onCheckpoint func(checkpoint.Position)) (Runner, error)

type Config struct {
	Instruments []string
	JournalDir  string
	SegmentSize int64
	// MaxRestarts is how many crashes an instrument survives before FAILED.
	MaxRestarts    int
	RestartBackoff time.Duration
	InboxSize      int
}

type Stats struct {
	Chunks  uint64
	Rows    uint64
	Dropped uint64
	// Duplicates counts rows of chunks an earlier run already journaled.
	Duplicates uint64
}

type Router struct {
	cfg     Config
	factory Factory
	log     zerolog.Logger

	workers map[string]*worker
	order   []string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	chunks, rows, dropped, dups atomic.Uint64
	onHealth                    func(Health)
}

func New(cfg Config, factory Factory, log zerolog.Logger) (*Router, error) {
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("router: no instruments")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	r := &Router{
		cfg:     cfg,
		factory: factory,
		log:     log.With().Str("component", "router").Logger(),
		workers: make(map[string]*worker, len(cfg.Instruments)),
	}
	for _, instr := range cfg.Instruments {
		if _, dup := r.workers[instr]; dup {
			r.closeJournals()
			return nil, fmt.Errorf("router: instrument %s listed twice", instr)
		}
		w, err := newWorker(r, instr)
		if err != nil {
			r.closeJournals()
			return nil, err
		}
		r.workers[instr] = w
		r.order = append(r.order, instr)
	}
	slices.Sort(r.order)
	return r, nil
}

func newWorker(r *Router, instr string) (*worker, error) {
	j, err := entry.Open(entry.Config{
		Dir:         filepath.Join(r.cfg.JournalDir, instr),
		SegmentSize: r.cfg.SegmentSize,
	})
	if err != nil {
		return nil, fmt.Errorf("router: journal %s: %w", instr, err)
	}
	w := &worker{
		router:     r,
		instrument: instr,
		journal:    j,
		seq:        sequence.New(j.LastSeq()),
		log:        r.log.With().Str("instrument", instr).Logger(),
		down:       make(chan struct{}),
	}
	close(w.down)
	if err := w.loadOrigins(); err != nil {
		j.Close()
		return nil, fmt.Errorf("router: journal %s: %w", instr, err)
	}
	for k := range w.inbox {
		w.inbox[k] = make(chan reader.Chunk, r.cfg.InboxSize)
	}
	w.state.Store(int32(Starting))
	return w, nil
}

// OnHealth registers a callback for every worker state change. Set it
// before Start.
func (r *Router) OnHealth(fn func(Health)) { r.onHealth = fn }

// Instruments lists the routed instruments in sorted order.
func (r *Router) Instruments() []string { return slices.Clone(r.order) }

func (r *Router) Stats() Stats {
	return Stats{Chunks: r.chunks.Load(), Rows: r.rows.Load(), Dropped: r.dropped.Load(), Duplicates: r.dups.Load()}
}

// Start launches every worker. Workers stop when ctx is cancelled or, after
// Close, once their input is exhausted.
func (r *Router) Start(ctx context.Context) {
	for _, instr := range r.order {
		w := r.workers[instr]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.supervise(ctx)
		}()
	}
}

// Wait blocks until every worker has stopped or failed and closes the
// journals.
func (r *Router) Wait() {
	r.wg.Wait()
	for _, w := range r.workers {
		if err := w.saveOrigins(); err != nil {
			w.log.Warn().Err(err).Msg("saving input marks failed")
		}
	}
	r.closeJournals()
}

// Close ends the input. Workers finish what was dispatched and stop.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, w := range r.workers {
		w.mu.Lock()
		for _, ch := range w.inbox {
			close(ch)
		}
		w.mu.Unlock()
	}
}

func (r *Router) closeJournals() {
	for _, w := range r.workers {
		if err := w.journal.Close(); err != nil && !errors.Is(err, entry.ErrClosed) {
			r.log.Warn().Err(err).Str("instrument", w.instrument).Msg("journal close failed")
		}
	}
}

// Dispatch splits c by instrument, journals every part and hands it to the
// owning worker. Rows of unknown instruments are dropped and counted, as are
// parts whose Origin is not above the last one journaled for that kind. It
// blocks while a running worker's inbox is full; a worker that is down gets
// the part from its journal when it restarts.
func (r *Router) Dispatch(ctx context.Context, c reader.Chunk) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("router: chunk kind %d", c.Kind)
	}
	parts, err := split(c)
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	r.chunks.Add(1)
	for _, part := range parts {
		n, _ := part.Rows()
		w, ok := r.workers[part.Symbol]
		if !ok {
			r.dropped.Add(uint64(n))
			r.log.Warn().Str("symbol", part.Symbol).Int("rows", n).Msg("rows for unknown instrument dropped")
			continue
		}
		fresh, err := w.dispatch(ctx, part)
		if err != nil {
			return err
		}
		if !fresh {
			r.dups.Add(uint64(n))
			continue
		}
		r.rows.Add(uint64(n))
	}
	return nil
}

// split groups rows by the symbol column. Without one the whole chunk
// belongs to c.Symbol. Parts come back sorted by symbol.
func split(c reader.Chunk) ([]reader.Chunk, error) {
	n, err := c.Rows()
	if err != nil {
		return nil, err
	}
	syms, ok := c.Columns[reader.ColSymbol]
	if !ok {
		if c.Symbol == "" {
			return nil, fmt.Errorf("%w: chunk without symbol", ErrUnknownInstrument)
		}
		return []reader.Chunk{c}, nil
	}

	rows := make(map[string][]int)
	for i := range n {
		s := syms[i]
		if s == "" {
			s = c.Symbol
		}
		rows[s] = append(rows[s], i)
	}
	parts := make([]reader.Chunk, 0, len(rows))
	for sym, idx := range rows {
		cols := make(map[string][]string, len(c.Columns)-1)
		for name, col := range c.Columns {
			if name == reader.ColSymbol {
				continue
			}
			out := make([]string, len(idx))
			for j, i := range idx {
				out[j] = col[i]
			}
			cols[name] = out
		}
		parts = append(parts, reader.Chunk{Symbol: sym, Kind: c.Kind, Columns: cols, Origin: c.Origin})
	}
	slices.SortFunc(parts, func(a, b reader.Chunk) int {
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		}
		return 0
	})
	return parts, nil
}
