package pipeline

import (
	"context"
	"time"

	"recon/checkpoint"
	"recon/domain/record"
	"recon/infra/metrics"
	"recon/infra/sequence"
)

const (
	// statsEvery is how often, in applied events, the engine publishes its
	// counters and checks the checkpoint interval.
	statsEvery = 4096
	spillBatch = 1024
)

// runEngine owns the engine. Emits block: the writer always consumes, so the
// only way out of a send is forward.
func (p *Pipeline) runEngine(ctx context.Context) error {
	defer close(p.fmtCh)
	p.lastCkpt = time.Now()
	emit := func(ev record.Event) { p.fmtCh <- item{ev: ev} }

	t := time.NewTicker(p.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Warn().Int("unapplied", len(p.uniCh)).Msg("engine stopped before its input drained")
			p.barrier("drain timeout")
			return nil
		case <-t.C:
			p.publishEngine()
			if p.sinceCkpt > 0 && (p.forceCkpt.Load() || time.Since(p.lastCkpt) >= p.cfg.CheckpointInterval) {
				p.barrier("interval")
			}
		case u, ok := <-p.uniCh:
			if !ok {
				p.barrier("final")
				return nil
			}
			p.apply(u, emit)
		}
	}
}

func (p *Pipeline) apply(u record.Unified, emit func(record.Event)) {
	if err := p.eng.Apply(u, emit); err != nil {
		p.applyErrs.Add(1)
		p.log.Error().
			Err(err).
			Uint64("position", u.Position).
			Str("type", u.Type.String()).
			Msg("event rejected by engine")
	}
	chunk, _ := sequence.Split(u.Raw.SourceSeq)
	p.pos.Cursors[u.Raw.Kind].Advance(chunk)
	p.pos.Key = u.Key
	p.pos.Events++
	p.sinceCkpt++

	n := p.applied.Add(1)
	switch {
	case p.forceCkpt.Load():
		p.barrier("forced")
	case p.sinceCkpt >= p.cfg.CheckpointEvery:
		p.barrier("events")
	case n%statsEvery == 0:
		p.publishEngine()
		if time.Since(p.lastCkpt) >= p.cfg.CheckpointInterval {
			p.barrier("interval")
		}
	}
}

// barrier sends a checkpoint of the current engine state down the output
// path. The writer persists it once every event ahead of it is durable.
func (p *Pipeline) barrier(reason string) {
	st := &checkpoint.State{
		Position:    p.pos,
		MaxDepth:    p.cfg.Engine.MaxDepth,
		Engine:      p.eng.Export(),
		CreatedAtNs: time.Now().UnixNano(),
	}
	p.fmtCh <- item{barrier: st}
	p.lastCkpt = time.Now()
	p.sinceCkpt = 0
	p.forceCkpt.Store(false)
	p.publishEngine()
	p.log.Debug().Str("reason", reason).Uint64("events", st.Position.Events).Msg("checkpoint barrier")
}

// publishEngine copies engine counters for other goroutines. Engine goroutine
// only, or while it is not running.
func (p *Pipeline) publishEngine() {
	s := p.eng.Stats()
	p.engStats.Store(&s)
	p.engState.Store(int32(p.eng.State()))
	p.heartbeat.Store(time.Now().UnixNano())
}

// runFormatter checks output ordering and hands events to the writer.
func (p *Pipeline) runFormatter(abort func()) error {
	defer close(p.outCh)
	defer p.drainOnPanic(p.fmtCh, abort)
	var last uint64
	for it := range p.fmtCh {
		if it.barrier == nil {
			if last != 0 && it.ev.Position != last+1 {
				p.outOfOrder.Add(1)
				p.log.Error().
					Uint64("prev", last).
					Uint64("position", it.ev.Position).
					Msg("output position not contiguous")
			}
			last = it.ev.Position
		}
		p.outCh <- it
	}
	return nil
}

// runWriter persists events and commits checkpoints. It consumes until its
// input closes; once ctx is done or the governor asks for it, events go to
// the spill store instead of the event store.
func (p *Pipeline) runWriter(ctx context.Context, abort func()) error {
	defer p.drainOnPanic(p.outCh, abort)
	var (
		failed error
		batch  []record.Event
	)
	fail := func(err error) {
		if failed != nil {
			return
		}
		failed = err
		p.log.Error().Err(err).Msg("writer failed, remaining output is dropped and not checkpointed")
		abort()
	}
	spilling := func() bool {
		return p.deps.Spill != nil && (ctx.Err() != nil || p.gov.ShouldSpill())
	}
	flushBatch := func() {
		if len(batch) == 0 || failed != nil {
			return
		}
		if err := p.deps.Spill.Put(batch); err != nil {
			fail(err)
		}
		batch = batch[:0]
	}

	if err := p.drainSpill(); err != nil {
		fail(err)
	}
	for it := range p.outCh {
		if failed != nil {
			if it.barrier == nil {
				p.dropped.Add(1)
			}
			continue
		}
		if it.barrier != nil {
			flushBatch()
			if failed == nil {
				p.commit(it.barrier, fail)
			}
			continue
		}
		if spilling() {
			batch = append(batch, it.ev)
			if len(batch) >= spillBatch {
				flushBatch()
			}
			continue
		}
		flushBatch()
		if err := p.drainSpill(); err != nil {
			fail(err)
			continue
		}
		if err := p.deps.Store.Write(it.ev); err != nil {
			fail(err)
		}
	}
	flushBatch()
	if failed == nil {
		if err := p.deps.Store.Flush(); err != nil {
			fail(err)
		}
	}
	return failed
}

// drainOnPanic keeps a panicking consumer's input flowing so the stages
// upstream of it can finish, then re-panics.
func (p *Pipeline) drainOnPanic(in <-chan item, abort func()) {
	r := recover()
	if r == nil {
		return
	}
	abort()
	for it := range in {
		if it.barrier == nil {
			p.dropped.Add(1)
		}
	}
	panic(r)
}

// commit makes the store durable, then writes the checkpoint. A failed
// checkpoint is retried by the next barrier; a failed store is fatal.
func (p *Pipeline) commit(st *checkpoint.State, fail func(error)) {
	if err := p.deps.Store.Sync(); err != nil {
		fail(err)
		return
	}
	if _, err := p.deps.Checkpoints.Checkpoint(*st); err != nil {
		p.log.Error().Err(err).Uint64("events", st.Position.Events).Msg("checkpoint failed")
		return
	}
	p.ckpts.Add(1)
	if p.deps.OnCheckpoint != nil {
		p.deps.OnCheckpoint(st.Position)
	}
}

// drainSpill moves spilled events into the store in position order.
func (p *Pipeline) drainSpill() error {
	if p.deps.Spill == nil || p.deps.Spill.Len() == 0 {
		return nil
	}
	n, err := p.deps.Spill.Drain(func(evs []record.Event) error {
		for _, ev := range evs {
			if err := p.deps.Store.Write(ev); err != nil {
				return err
			}
		}
		return p.deps.Store.Sync()
	})
	p.log.Info().Int("events", n).Msg("spill drained into store")
	return err
}

// Snapshot gathers the pipeline's counters. Safe from any goroutine.
func (p *Pipeline) Snapshot() metrics.Snapshot {
	s := metrics.Snapshot{
		Checkpoints:   p.ckpts.Load(),
		Corruptions:   p.deps.Checkpoints.Corruptions(),
		Deduped:       p.deps.Store.Stats().Deduped,
		Truncations:   p.deps.Codec.TruncationsOf(p.cfg.Instrument),
		DriftAbsQty:   p.reporter.driftQty.Load(),
		GovernorState: int(p.gov.State()),
		EngineState:   int(p.engState.Load()),
		Queues:        p.queues(),
	}
	if es := p.engStats.Load(); es != nil {
		s.Events = es.Events
		s.Emitted = es.Emitted
		s.Gaps = es.Gaps
		s.Resyncs = es.Resyncs
		s.Stale = es.DeltasStale
		s.PreSync = es.DeltasPreSync
		s.Discarded = es.DeltasDiscarded
		if es.DeltasApplied > 0 {
			s.GapRatio = float64(es.Gaps) / float64(es.DeltasApplied)
		}
	}
	us := p.uni.Stats()
	s.LagEvents = us.LagEvents
	s.Late = us.Late
	for _, r := range p.readers {
		if r == nil {
			continue
		}
		rs := r.Stats()
		s.SchemaErrors += rs.SchemaErrors
		s.PrecisionErrors += rs.PrecisionErrors
	}
	if p.deps.Spill != nil {
		s.Spilled = p.deps.Spill.Spilled()
	}
	if p.deps.Memory != nil {
		if r, ok := p.deps.Memory.Last(); ok {
			s.RSSBytes = r.RSS
			s.MemoryLevel = int(r.Level)
		}
	}
	return s
}

func (p *Pipeline) queues() map[string]metrics.QueueDepth {
	q := make(map[string]metrics.QueueDepth, record.NumKinds+3)
	for k, ch := range p.rawCh {
		q["reader_"+record.Kind(k).String()] = metrics.QueueDepth{Len: len(ch), Cap: cap(ch)}
	}
	q["unifier_engine"] = metrics.QueueDepth{Len: len(p.uniCh), Cap: cap(p.uniCh)}
	q["engine_formatter"] = metrics.QueueDepth{Len: len(p.fmtCh), Cap: cap(p.fmtCh)}
	q["formatter_writer"] = metrics.QueueDepth{Len: len(p.outCh), Cap: cap(p.outCh)}
	return q
}

// pushSamples publishes the counters to the sink every SampleInterval.
func (p *Pipeline) pushSamples(ctx context.Context) {
	t := time.NewTicker(p.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.publish(ctx); err != nil {
				p.log.Warn().Err(err).Msg("metrics push failed")
			}
		}
	}
}

func (p *Pipeline) publish(ctx context.Context) error {
	return p.deps.Sink.Publish(ctx, p.Snapshot().Samples(p.cfg.Instrument, time.Now().UnixNano()))
}
