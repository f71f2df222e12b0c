package unifier

import (
	"context"
	"time"

	"recon/domain/record"
	"recon/rbq"
)

type source struct {
	in   <-chan record.Raw
	buf  *rbq.Ring[record.Raw]
	open bool
	// stalled sources are skipped until they deliver again
	stalled bool
}

// waiting reports whether the merge cannot safely proceed without this source.
func (s *source) waiting() bool {
	return s.open && !s.stalled && s.buf.IsEmpty()
}

// recv returns nil for sources that cannot accept more input right now.
func (s *source) recv() <-chan record.Raw {
	if !s.open || s.buf.IsFull() {
		return nil
	}
	return s.in
}

type sources [record.NumKinds]*source

func (ss *sources) scan() (waiting, buffered, full, stalled, open bool) {
	for _, s := range ss {
		waiting = waiting || s.waiting()
		buffered = buffered || !s.buf.IsEmpty()
		full = full || s.buf.IsFull()
		stalled = stalled || (s.open && s.stalled)
		open = open || s.open
	}
	return
}

// Run merges the per-kind input channels into out until every input is
// closed and drained. Inputs are indexed by record.Kind; a nil channel is a
// source that never delivers. Run returns ctx.Err() if cancelled first.
func (u *Unifier) Run(ctx context.Context, in [record.NumKinds]<-chan record.Raw, out chan<- record.Unified) error {
	var src sources
	for i := range src {
		src[i] = &source{in: in[i], buf: rbq.New[record.Raw](u.cfg.LagLimit), open: in[i] != nil}
	}

	stall := time.NewTimer(u.cfg.StallTimeout)
	defer stall.Stop()
	stopTimer(stall)
	armed, lagging := false, false

	for {
		for {
			waiting, buffered, full, stalled, _ := src.scan()
			if !buffered {
				break
			}
			if waiting && !full {
				break
			}
			var flags record.Flag
			if waiting {
				flags = record.FlagLagged
				if !lagging {
					lagging = true
					u.stats.lagEvents.Add(1)
				}
			} else if stalled {
				flags = record.FlagLagged
			}
			if err := u.emitMin(ctx, &src, flags, out); err != nil {
				return err
			}
		}

		waiting, buffered, _, stalled, open := src.scan()
		if !open && !buffered {
			return nil
		}
		if !waiting && !stalled {
			lagging = false
		}

		if waiting && buffered {
			if !armed {
				stall.Reset(u.cfg.StallTimeout)
				armed = true
			}
		} else if armed {
			stopTimer(stall)
			armed = false
		}
		var timeout <-chan time.Time
		if armed {
			timeout = stall.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-src[0].recv():
			src[0].accept(r, ok)
		case r, ok := <-src[1].recv():
			src[1].accept(r, ok)
		case r, ok := <-src[2].recv():
			src[2].accept(r, ok)
		case <-timeout:
			armed = false
			for _, s := range src {
				if s.waiting() {
					s.stalled = true
				}
			}
			if !lagging {
				lagging = true
				u.stats.lagEvents.Add(1)
			}
		}
	}
}

func (s *source) accept(r record.Raw, ok bool) {
	s.stalled = false
	if !ok {
		s.open = false
		return
	}
	s.buf.Push(r)
}

func (u *Unifier) emitMin(ctx context.Context, src *sources, flags record.Flag, out chan<- record.Unified) error {
	var best *source
	var bestKey record.Key
	for _, s := range src {
		r, ok := s.buf.Peek()
		if !ok {
			continue
		}
		k := u.key(&r)
		if best == nil || k.Less(bestKey) {
			best, bestKey = s, k
		}
	}
	r, _ := best.buf.Pop()
	select {
	case out <- u.stamp(r, flags):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
