package router

import (
	"context"
	"errors"
	"fmt"
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

type State int32

const (
	Starting State = iota
	Running
	Restarting
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Restarting:
		return "RESTARTING"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// Health is a worker's externally visible condition.
type Health struct {
	Instrument string
	State      State
	Heartbeat  time.Time
	Processed  uint64
	Restarts   int
	LastError  string
}

type worker struct {
	router     *Router
	instrument string
	journal    *entry.WAL
	seq        *sequence.Sequencer
	log        zerolog.Logger

	// mu keeps journal order and inbox order the same.
	mu    sync.Mutex
	inbox [record.NumKinds]chan reader.Chunk
	// down is closed while no attempt consumes the inbox. Chunks journaled
	// then are replayed by the next attempt instead. Replaced under mu.
	down chan struct{}
	// origins is the highest input Origin journaled per kind, written under mu.
	origins [record.NumKinds]atomic.Uint64

	// replaying is read-held while the journal is replayed; truncation
	// takes it exclusively and is skipped when it cannot.
	replaying sync.RWMutex

	state    atomic.Int32
	restarts atomic.Int32

	hmu     sync.Mutex
	runner  Runner
	lastErr string
}

// dispatch journals c and queues it. It reports false for a chunk whose
// Origin was already journaled.
func (w *worker) dispatch(ctx context.Context, c reader.Chunk) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mark := &w.origins[c.Kind]
	if c.Origin != 0 && c.Origin <= mark.Load() {
		return false, nil
	}
	c.Seq = w.seq.Next()
	if err := w.journal.Append(entry.NewRecord(c.Kind, c.Seq, reader.MarshalChunk(nil, &c))); err != nil {
		return false, fmt.Errorf("router: journal %s: %w", w.instrument, err)
	}
	if c.Origin > mark.Load() {
		mark.Store(c.Origin)
	}
	select {
	case w.inbox[c.Kind] <- c:
		return true, nil
	case <-w.down:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (w *worker) supervise(ctx context.Context) {
	for {
		err := w.attempt(ctx)
		if err == nil || ctx.Err() != nil {
			w.setState(Stopped, err)
			return
		}
		if int(w.restarts.Load()) >= w.router.cfg.MaxRestarts {
			w.log.Error().Err(err).Int32("restarts", w.restarts.Load()).Msg("worker failed for good")
			w.setState(Failed, err)
			return
		}
		n := w.restarts.Add(1)
		w.log.Warn().Err(err).Int32("restart", n).Msg("worker crashed, restarting from checkpoint")
		w.setState(Restarting, err)

		t := time.NewTimer(w.router.cfg.RestartBackoff * time.Duration(n))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			w.setState(Stopped, nil)
			return
		}
	}
}

// attempt runs one pipeline: first the journal up to its current end, then
// live chunks from the inbox.
func (w *worker) attempt(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	actx, cancel := context.WithCancel(ctx)
	var fwd sync.WaitGroup
	defer func() {
		cancel()
		fwd.Wait()
	}()

	// everything journaled so far is replayed, everything after arrives
	// through the inbox
	w.mu.Lock()
	upTo := w.journal.LastSeq()
	down := make(chan struct{})
	w.down = down
	w.mu.Unlock()
	defer close(down)

	var (
		feeds   [record.NumKinds]chan reader.Chunk
		sources [record.NumKinds]reader.Source
	)
	for k := range feeds {
		feeds[k] = make(chan reader.Chunk, w.router.cfg.InboxSize)
		sources[k] = reader.ChanSource(feeds[k])
	}
	run, err := w.router.factory(w.instrument, sources, w.onCheckpoint)
	if err != nil {
		return err
	}
	w.hmu.Lock()
	w.runner = run
	w.hmu.Unlock()

	var (
		errMu   sync.Mutex
		feedErr error
		pending atomic.Int32
	)
	// the last replay to finish releases the journal for truncation
	pending.Store(int32(len(feeds)))
	w.replaying.RLock()
	for k := range feeds {
		kind := record.Kind(k)
		fwd.Add(1)
		go func() {
			defer fwd.Done()
			defer close(feeds[k])
			err := w.replay(actx, kind, upTo, feeds[k])
			if pending.Add(-1) == 0 {
				w.replaying.RUnlock()
			}
			if err == nil {
				err = w.forward(actx, kind, upTo, feeds[k])
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				errMu.Lock()
				feedErr = errors.Join(feedErr, err)
				errMu.Unlock()
				cancel()
			}
		}()
	}

	w.setState(Running, nil)
	err = run.Run(actx)
	cancel()
	fwd.Wait()
	return errors.Join(err, feedErr)
}

var errReplayDone = errors.New("replay done")

// replay feeds journaled chunks of one kind up to seq upTo.
func (w *worker) replay(ctx context.Context, kind record.Kind, upTo uint64, out chan<- reader.Chunk) error {
	if upTo == 0 {
		return nil
	}
	n := 0
	_, err := entry.Replay(w.journal.Dir(), func(rec *entry.Record) error {
		if rec.Seq > upTo {
			return errReplayDone
		}
		if rec.Kind != kind {
			return nil
		}
		c, err := reader.UnmarshalChunk(rec.Data)
		if err != nil {
			return fmt.Errorf("router: journal record %d: %w", rec.Seq, err)
		}
		select {
		case out <- c:
			n++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && !errors.Is(err, errReplayDone) {
		return err
	}
	if n > 0 {
		w.log.Info().Str("kind", kind.String()).Int("chunks", n).Uint64("up_to", upTo).Msg("journal replayed")
	}
	return nil
}

// forward passes live chunks on. Chunks at or below upTo were replayed.
func (w *worker) forward(ctx context.Context, kind record.Kind, upTo uint64, out chan<- reader.Chunk) error {
	in := w.inbox[kind]
	for {
		select {
		case c, ok := <-in:
			if !ok {
				return nil
			}
			if c.Seq <= upTo {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// onCheckpoint drops journal segments the checkpoint no longer needs. The
// input marks are saved first since the dropped records carry them.
func (w *worker) onCheckpoint(pos checkpoint.Position) {
	if !w.replaying.TryLock() {
		return
	}
	defer w.replaying.Unlock()
	if err := w.saveOrigins(); err != nil {
		w.log.Warn().Err(err).Msg("saving input marks failed, journal kept")
		return
	}
	n, err := w.journal.TruncateCovered(pos.Covers)
	if err != nil {
		w.log.Warn().Err(err).Msg("journal truncation failed")
		return
	}
	if n > 0 {
		w.log.Debug().Int("segments", n).Uint64("events", pos.Events).Msg("journal truncated")
	}
}

func (w *worker) setState(s State, err error) {
	w.state.Store(int32(s))
	w.hmu.Lock()
	if err != nil {
		w.lastErr = err.Error()
	}
	w.hmu.Unlock()
	if fn := w.router.onHealth; fn != nil {
		fn(w.health())
	}
}

func (w *worker) health() Health {
	w.hmu.Lock()
	defer w.hmu.Unlock()
	h := Health{
		Instrument: w.instrument,
		State:      State(w.state.Load()),
		Restarts:   int(w.restarts.Load()),
		LastError:  w.lastErr,
	}
	if w.runner != nil {
		h.Heartbeat = w.runner.Heartbeat()
		h.Processed = w.runner.Processed()
	}
	return h
}

// Health reports every worker, sorted by instrument.
func (r *Router) Health() []Health {
	out := make([]Health, 0, len(r.order))
	for _, instr := range r.order {
		out = append(out, r.workers[instr].health())
	}
	return out
}

func (r *Router) HealthOf(instrument string) (Health, bool) {
	w, ok := r.workers[instrument]
	if !ok {
		return Health{}, false
	}
	return w.health(), true
}
