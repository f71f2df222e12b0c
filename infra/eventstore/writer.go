// Package eventstore is the append-only output store. Events are written in
// hourly partitions per instrument as CRC framed columnar blocks:
//
//	<dir>/<instrument>/dt=YYYYMMDD/hh=HH/part-NNNNNN.evt
//
// Every part file starts with a metadata frame carrying the scales needed to
// interpret the scaled integers that follow.
package eventstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/memory"
	"recon/infra/wal"
)

const DefaultBlockRows = 4096

type Config struct {
	Dir       string
	Scale     precision.Scale
	BlockRows int
	// SyncOnFlush fsyncs the part file after every block.
	SyncOnFlush bool
}

type Stats struct {
	Events  uint64
	Blocks  uint64
	Files   uint64
	Deduped uint64
}

var ErrClosed = errors.New("eventstore: writer closed")

// Writer appends events for one instrument. It is not safe for concurrent
// use; Stats may be read from any goroutine.
type Writer struct {
	cfg Config
	log zerolog.Logger

	file *os.File
	bw   *bufio.Writer
	hour int64

	pending []record.Event
	last    uint64
	hasLast bool
	closed  bool

	bufs *memory.Pool[[]byte]

	events, blocks, files, deduped atomic.Uint64
}

// Open prepares a writer. Events at or below the last persisted position
// are dropped, which makes replay after a crash idempotent.
func Open(cfg Config, log zerolog.Logger) (*Writer, error) {
	if cfg.Scale.Symbol == "" {
		return nil, errors.New("eventstore: instrument required")
	}
	if cfg.BlockRows <= 0 {
		cfg.BlockRows = DefaultBlockRows
	}
	last, found, err := LastPosition(cfg.Dir, cfg.Scale.Symbol)
	if err != nil {
		return nil, err
	}
	return &Writer{
		cfg:     cfg,
		log:     log,
		last:    last,
		hasLast: found,
		pending: make([]record.Event, 0, cfg.BlockRows),
		bufs: memory.NewPool(
			func() *[]byte { b := make([]byte, 0, 64*1024); return &b },
			func(b *[]byte) { *b = (*b)[:0] },
		),
	}, nil
}

// LastPosition is the highest position accepted so far.
func (w *Writer) LastPosition() (uint64, bool) { return w.last, w.hasLast }

func (w *Writer) Stats() Stats {
	return Stats{
		Events:  w.events.Load(),
		Blocks:  w.blocks.Load(),
		Files:   w.files.Load(),
		Deduped: w.deduped.Load(),
	}
}

func (w *Writer) Write(ev record.Event) error {
	if w.closed {
		return ErrClosed
	}
	if w.hasLast && ev.Position <= w.last {
		w.deduped.Add(1)
		return nil
	}
	hour := time.Unix(0, ev.EventTimestampNs).UTC().Truncate(time.Hour).UnixNano()
	if w.file == nil || hour != w.hour {
		if err := w.rotate(hour); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, ev)
	w.last, w.hasLast = ev.Position, true
	if len(w.pending) >= w.cfg.BlockRows {
		return w.flushBlock()
	}
	return nil
}

// Flush writes buffered events as a block and flushes the file buffer.
func (w *Writer) Flush() error {
	if w.file == nil {
		return nil
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	return w.bw.Flush()
}

// Sync flushes and fsyncs the current part file.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	err := w.closeFile()
	w.closed = true
	return err
}

// Trim releases pooled encode buffers.
func (w *Writer) Trim() { w.bufs.Trim() }

func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}
	enc := w.bufs.Get()
	defer w.bufs.Put(enc)
	block := AppendBlock((*enc)[:0], w.pending)
	frame := wal.AppendFrame(nil, block)
	*enc = block
	if _, err := w.bw.Write(frame); err != nil {
		return fmt.Errorf("eventstore: write block: %w", err)
	}
	w.events.Add(uint64(len(w.pending)))
	w.blocks.Add(1)
	w.pending = w.pending[:0]
	if w.cfg.SyncOnFlush {
		if err := w.bw.Flush(); err != nil {
			return err
		}
		return w.file.Sync()
	}
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.Flush(), w.file.Sync(), w.file.Close())
	w.file, w.bw = nil, nil
	return err
}

func (w *Writer) rotate(hour int64) error {
	if err := w.closeFile(); err != nil {
		return err
	}
	dir := partitionDir(w.cfg.Dir, w.cfg.Scale.Symbol, hour)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	existing, _ := filepath.Glob(filepath.Join(dir, "part-*.evt"))
	next := 0
	for _, p := range existing {
		next = max(next, partIndex(p)+1)
	}
	path := filepath.Join(dir, fmt.Sprintf(partPattern, next))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	meta := Meta{
		SchemaVersion:    SchemaVersion,
		Instrument:       w.cfg.Scale.Symbol,
		PriceDecimals:    w.cfg.Scale.PriceDecimals,
		QuantityDecimals: w.cfg.Scale.QuantityDecimals,
		CreatedAtNs:      time.Now().UnixNano(),
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	if _, err := bw.Write(wal.AppendFrame(nil, meta.marshal())); err != nil {
		f.Close()
		return err
	}
	w.file, w.bw, w.hour = f, bw, hour
	w.files.Add(1)
	w.log.Debug().Str("path", path).Msg("part opened")
	return nil
}
