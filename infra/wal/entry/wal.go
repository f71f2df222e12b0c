package entry

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"recon/domain/record"
)

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// SyncEvery fsyncs after every append when set; otherwise callers
	// call Sync at batch boundaries.
	SyncEvery bool
}

var ErrClosed = errors.New("journal: closed")

// WAL is an append-only, segmented journal of input chunks.
type WAL struct {
	cfg Config

	mu         sync.Mutex
	current    *segment
	lastSeq    uint64
	lastRotate time.Time
	closed     bool
}

// Open resumes the newest segment of dir, cutting off a torn tail left by a
// crash, or starts a new journal.
func Open(cfg Config) (*WAL, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	segs, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{cfg: cfg, lastRotate: time.Now()}
	index := 0
	for _, idx := range segs {
		valid, err := scanSegment(segmentPath(cfg.Dir, idx), func(r *Record) error {
			w.lastSeq = max(w.lastSeq, r.Seq)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		if idx == segs[len(segs)-1] {
			if err := os.Truncate(segmentPath(cfg.Dir, idx), valid); err != nil {
				return nil, err
			}
		}
		index = idx
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}
	w.current = seg
	return w, nil
}

func (w *WAL) Dir() string { return w.cfg.Dir }

// LastSeq is the highest sequence appended so far, including earlier runs.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

func (w *WAL) Append(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if r.Seq <= w.lastSeq {
		return fmt.Errorf("journal: seq %d not after %d", r.Seq, w.lastSeq)
	}
	if err := w.current.append(r.encode()); err != nil {
		return err
	}
	w.lastSeq = r.Seq
	if w.cfg.SyncEvery {
		if err := w.current.sync(); err != nil {
			return err
		}
	}

	if w.current.offset >= w.cfg.SegmentSize ||
		(w.cfg.SegmentDuration > 0 && time.Since(w.lastRotate) >= w.cfg.SegmentDuration) {
		return w.rotate()
	}
	return nil
}

func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.current.sync()
}

func (w *WAL) rotate() error {
	if err := w.current.sync(); err != nil {
		return err
	}
	_ = w.current.close()

	seg, err := openSegment(w.cfg.Dir, w.current.index+1)
	if err != nil {
		return err
	}
	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

// TruncateCovered removes closed segments whose every record satisfies
// covered, typically "chunk is behind the latest checkpoint". The segment
// being written and the newest closed segment are never removed.
func (w *WAL) TruncateCovered(covered func(kind record.Kind, seq uint64) bool) (int, error) {
	w.mu.Lock()
	cur := w.current.index
	w.mu.Unlock()

	segs, err := listSegments(w.cfg.Dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, idx := range segs {
		// the newest closed segment carries LastSeq across a reopen when the
		// current one is still empty
		if idx >= cur-1 {
			break
		}
		path := segmentPath(w.cfg.Dir, idx)
		ok, err := segmentCovered(path, covered)
		if err != nil {
			return removed, err
		}
		if !ok {
			// later segments hold newer chunks
			break
		}
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.current.sync(); err != nil {
		w.current.close()
		return err
	}
	return w.current.close()
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
