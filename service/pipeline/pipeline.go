// Package pipeline runs the reconstruction of one instrument:
//
//	readers(3) -> unifier -> engine -> formatter -> writer
//
// Stages are goroutines joined by bounded channels. A governor gates the
// readers when the writer side backs up or memory runs short, checkpoints
// travel down the output path as barriers so a checkpoint is only written
// once every event it covers is durable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"recon/checkpoint"
	"recon/domain/engine"
	"recon/domain/precision"
	"recon/domain/record"
	"recon/domain/unifier"
	"recon/infra/eventstore"
	"recon/infra/memory"
	"recon/infra/metrics"
	"recon/infra/reader"
	"recon/infra/spill"
	exitwal "recon/infra/wal/exit"
)

type Queues struct {
	ReaderUnifier   int
	UnifierEngine   int
	EngineFormatter int
	FormatterWriter int
}

type Config struct {
	Instrument string
	// MaxLevels bounds the level columns read from snapshot chunks.
	MaxLevels int
	Queues    Queues
	Unifier   unifier.Config
	Engine    engine.Config
	Governor  GovernorConfig
	Tick      time.Duration

	DrainTimeout       time.Duration
	CheckpointInterval time.Duration
	CheckpointEvery    uint64
	SampleInterval     time.Duration
}

func (c *Config) applyDefaults() {
	setInt := func(p *int, v int) {
		if *p <= 0 {
			*p = v
		}
	}
	setInt(&c.Queues.ReaderUnifier, 2048)
	setInt(&c.Queues.UnifierEngine, 2048)
	setInt(&c.Queues.EngineFormatter, 4096)
	setInt(&c.Queues.FormatterWriter, 4096)
	setInt(&c.MaxLevels, max(c.Engine.MaxDepth, 20))
	if c.Governor.HighWater <= 0 {
		c.Governor.HighWater = 0.8
	}
	if c.Governor.LowWater <= 0 {
		c.Governor.LowWater = 0.5
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Minute
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 1_000_000
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	c.Engine.Instrument = c.Instrument
}

// Deps are the collaborators a pipeline runs against. Sources, Codec,
// Checkpoints and Store are required.
type Deps struct {
	Sources     [record.NumKinds]reader.Source
	Codec       *precision.Codec
	Checkpoints *checkpoint.Manager
	Store       *eventstore.Writer

	Spill        *spill.Store
	Outbox       *exitwal.ExitWAL
	Memory       *memory.Monitor
	Sink         metrics.Sink
	Registerer   prometheus.Registerer
	OnCheckpoint func(checkpoint.Position)
	Log          zerolog.Logger
}

var ErrStagePanic = errors.New("pipeline: stage panicked")

// item flows from the engine to the writer: an event or a checkpoint barrier.
type item struct {
	ev      record.Event
	barrier *checkpoint.State
}

type Pipeline struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	eng       *engine.Engine
	uni       *unifier.Unifier
	readers   [record.NumKinds]*reader.Reader
	gov       *Governor
	collector *metrics.Collector
	reporter  *reporter

	rawCh [record.NumKinds]chan record.Raw
	uniCh chan record.Unified
	fmtCh chan item
	outCh chan item

	// engine goroutine only
	pos       checkpoint.Position
	lastCkpt  time.Time
	sinceCkpt uint64

	base      uint64
	recovered bool

	engStats   atomic.Pointer[engine.Stats]
	engState   atomic.Int32
	applied    atomic.Uint64
	applyErrs  atomic.Uint64
	heartbeat  atomic.Int64
	ckpts      atomic.Uint64
	forceCkpt  atomic.Bool
	outOfOrder atomic.Uint64
	dropped    atomic.Uint64
	done       atomic.Bool
}

// New builds a pipeline and restores it from the newest valid checkpoint.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Codec == nil || deps.Checkpoints == nil || deps.Store == nil {
		return nil, errors.New("pipeline: codec, checkpoints and store are required")
	}
	cfg.applyDefaults()
	if deps.Sink == nil {
		deps.Sink = metrics.NopSink{}
	}
	p := &Pipeline{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With().Str("component", "pipeline").Str("instrument", cfg.Instrument).Logger(),
	}
	p.collector = metrics.NewCollector(cfg.Instrument, p.Snapshot)
	if deps.Registerer != nil {
		if err := deps.Registerer.Register(p.collector); err != nil {
			return nil, fmt.Errorf("pipeline: metrics: %w", err)
		}
	}
	p.reporter = &reporter{
		instrument: cfg.Instrument,
		runID:      deps.Checkpoints.RunID(),
		outbox:     deps.Outbox,
		collector:  p.collector,
		log:        p.log,
	}
	p.eng = engine.New(cfg.Engine, deps.Codec, p.reporter)
	p.uni = unifier.New(cfg.Unifier)

	for k := range p.rawCh {
		p.rawCh[k] = make(chan record.Raw, cfg.Queues.ReaderUnifier)
	}
	p.uniCh = make(chan record.Unified, cfg.Queues.UnifierEngine)
	p.fmtCh = make(chan item, cfg.Queues.EngineFormatter)
	p.outCh = make(chan item, cfg.Queues.FormatterWriter)

	p.gov = NewGovernor(cfg.Governor, p.writerFill)
	p.gov.OnChange(func(from, to FlowState) {
		p.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("flow state")
	})

	if err := p.recover(); err != nil {
		return nil, err
	}

	for k := range p.readers {
		kind := record.Kind(k)
		dec, err := reader.NewDecoder(kind, deps.Codec, cfg.MaxLevels)
		if err != nil {
			return nil, err
		}
		src := deps.Sources[k]
		if src == nil {
			src = emptySource{}
		}
		r := reader.New(dec, src, p.gov, p.log)
		c := p.pos.Cursors[k]
		r.ResumeAfter(c.Chunk, int(c.Rows))
		p.readers[k] = r
	}
	p.publishEngine()
	return p, nil
}

func (p *Pipeline) recover() error {
	st, err := p.deps.Checkpoints.Recover()
	if errors.Is(err, checkpoint.ErrNoValidCheckpoint) {
		p.log.Info().Msg("no checkpoint, starting from the beginning")
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.eng.Restore(st.Engine); err != nil {
		return fmt.Errorf("pipeline: restore: %w", err)
	}
	p.pos = st.Position
	p.base = st.Position.Events
	p.uni.Resume(st.Position.Key, st.Position.Events)
	p.recovered = true
	p.log.Info().
		Uint64("events", st.Position.Events).
		Str("state", st.Engine.State.String()).
		Str("from_run", st.RunID).
		Msg("resumed from checkpoint")
	return nil
}

// Recovered reports whether New restored a checkpoint.
func (p *Pipeline) Recovered() bool { return p.recovered }

func (p *Pipeline) Instrument() string { return p.cfg.Instrument }

// Processed is the number of unified events applied, including those before
// the checkpoint this run resumed from.
func (p *Pipeline) Processed() uint64 { return p.base + p.applied.Load() }

// Heartbeat is the last time the engine made progress.
func (p *Pipeline) Heartbeat() time.Time {
	ns := p.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *Pipeline) Governor() *Governor { return p.gov }

// RequestCheckpoint asks the engine stage to checkpoint at the next event.
func (p *Pipeline) RequestCheckpoint() { p.forceCkpt.Store(true) }

func (p *Pipeline) writerFill() float64 {
	return float64(len(p.outCh)) / float64(cap(p.outCh))
}

func (p *Pipeline) onMemory(r memory.Reading) {
	if p.done.Load() {
		return
	}
	p.gov.OnMemory(r)
	if r.Level == memory.Hard {
		p.RequestCheckpoint()
	}
}

// Run processes until every source is exhausted or ctx is cancelled. On
// cancellation the readers stop at once and the rest of the pipeline gets
// DrainTimeout to finish; the final checkpoint is always attempted.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.done.Store(true)
	if m := p.deps.Memory; m != nil {
		defer m.OnChange(p.onMemory)()
		defer m.Register(p.deps.Store)()
		// pressure that began before this attempt reports no change
		if r, ok := m.Last(); ok && r.Level > memory.Normal {
			p.onMemory(r)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	// a failed stage cancels runCtx and with it the readers
	g, runCtx := errgroup.WithContext(runCtx)

	// drainCtx outlives runCtx by at most DrainTimeout.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	stopDrain := context.AfterFunc(runCtx, func() {
		t := time.NewTimer(p.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			p.log.Warn().Dur("timeout", p.cfg.DrainTimeout).Msg("drain timed out")
			cancelDrain()
		case <-drainCtx.Done():
		}
	})
	defer stopDrain()

	goStage := func(stage string, fn func() error) {
		g.Go(func() error {
			err := runStage(fn)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			p.log.Error().Err(err).Str("stage", stage).Msg("stage failed")
			return fmt.Errorf("%s: %w", stage, err)
		})
	}

	var aux sync.WaitGroup
	aux.Add(2)
	go func() { defer aux.Done(); p.gov.Run(runCtx, p.cfg.Tick) }()
	go func() { defer aux.Done(); p.pushSamples(runCtx) }()

	for k, r := range p.readers {
		goStage("reader "+r.Kind().String(), func() error { return r.Run(runCtx, p.rawCh[k]) })
	}
	var in [record.NumKinds]<-chan record.Raw
	for k := range in {
		in[k] = p.rawCh[k]
	}
	goStage("unifier", func() error {
		defer close(p.uniCh)
		return p.uni.Run(drainCtx, in, p.uniCh)
	})
	goStage("engine", func() error { return p.runEngine(drainCtx) })
	goStage("formatter", func() error { return p.runFormatter(cancelRun) })
	goStage("writer", func() error { return p.runWriter(drainCtx, cancelRun) })

	runErr := g.Wait()
	cancelRun()
	aux.Wait()
	p.eng.Shutdown()
	p.publishEngine()

	if err := p.publish(context.Background()); err != nil {
		p.log.Debug().Err(err).Msg("final metrics push failed")
	}
	p.log.Info().
		Uint64("applied", p.applied.Load()).
		Uint64("checkpoints", p.ckpts.Load()).
		Msg("pipeline stopped")
	return runErr
}

// runStage turns a stage panic into an error so one instrument's fault stays
// inside its pipeline.
func runStage(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()
	return fn()
}

// Close unregisters the pipeline's collector. Call it after Run returns.
func (p *Pipeline) Close() {
	if p.deps.Registerer != nil {
		p.deps.Registerer.Unregister(p.collector)
	}
}

type emptySource struct{}

func (emptySource) Next(context.Context) (reader.Chunk, error) { return reader.Chunk{}, io.EOF }
