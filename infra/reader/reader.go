package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"recon/domain/record"
)

// Source yields chunks for one reader. Next returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// Gate is consulted before each batch is published. It may block (pause) or
// rate limit; BatchSize bounds how many records go out per Wait, 0 for the
// whole chunk.
type Gate interface {
	Wait(ctx context.Context, n int) error
	BatchSize() int
}

type NopGate struct{}

func (NopGate) Wait(context.Context, int) error { return nil }
func (NopGate) BatchSize() int                  { return 0 }

type Stats struct {
	Chunks          uint64
	Records         uint64
	SchemaErrors    uint64
	PrecisionErrors uint64
	// Skipped counts records dropped because they precede the resume point.
	Skipped uint64
	// LastSeq is the sequence of the last chunk fully published.
	LastSeq uint64
}

// Reader runs one decoder over one source and publishes into a channel.
type Reader struct {
	dec  Decoder
	src  Source
	gate Gate
	log  zerolog.Logger

	// OnReject, if set, is called for every chunk skipped as malformed.
	OnReject func(*SchemaError)

	chunks, records      atomic.Uint64
	schemaErrs, precErrs atomic.Uint64
	lastSeq              atomic.Uint64
	skipped              atomic.Uint64

	resumeChunk uint64
	resumeRows  int
}

func New(dec Decoder, src Source, gate Gate, log zerolog.Logger) *Reader {
	if gate == nil {
		gate = NopGate{}
	}
	return &Reader{
		dec:  dec,
		src:  src,
		gate: gate,
		log:  log.With().Str("source", dec.Kind().String()).Logger(),
	}
}

func (r *Reader) Kind() record.Kind { return r.dec.Kind() }

func (r *Reader) Stats() Stats {
	return Stats{
		Chunks:          r.chunks.Load(),
		Records:         r.records.Load(),
		SchemaErrors:    r.schemaErrs.Load(),
		PrecisionErrors: r.precErrs.Load(),
		LastSeq:         r.lastSeq.Load(),
		Skipped:         r.skipped.Load(),
	}
}

// ResumeAfter makes Run drop every record of chunks older than chunk and the
// first rows decoded records of chunk itself. Call it before Run.
func (r *Reader) ResumeAfter(chunk uint64, rows int) {
	r.resumeChunk, r.resumeRows = chunk, rows
}

func (r *Reader) resume(seq uint64, recs []record.Raw) []record.Raw {
	switch {
	case seq < r.resumeChunk:
		r.skipped.Add(uint64(len(recs)))
		return nil
	case seq == r.resumeChunk:
		n := min(r.resumeRows, len(recs))
		r.skipped.Add(uint64(n))
		return recs[n:]
	}
	return recs
}

// Run publishes every decodable record until the source is exhausted or ctx
// is cancelled. out is closed when Run returns.
func (r *Reader) Run(ctx context.Context, out chan<- record.Raw) error {
	defer close(out)
	for {
		c, err := r.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reader %s: %w", r.dec.Kind(), err)
		}
		r.chunks.Add(1)

		recs, err := r.dec.Decode(&c)
		if err != nil {
			r.reject(err)
			continue
		}
		if err := r.publish(ctx, r.resume(c.Seq, recs), out); err != nil {
			return err
		}
		r.lastSeq.Store(c.Seq)
	}
}

func (r *Reader) publish(ctx context.Context, recs []record.Raw, out chan<- record.Raw) error {
	for len(recs) > 0 {
		n := len(recs)
		if b := r.gate.BatchSize(); b > 0 && b < n {
			n = b
		}
		if err := r.gate.Wait(ctx, n); err != nil {
			return err
		}
		for _, rec := range recs[:n] {
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r.records.Add(uint64(n))
		recs = recs[n:]
	}
	return nil
}

func (r *Reader) reject(err error) {
	var se *SchemaError
	if !errors.As(err, &se) {
		se = &SchemaError{Kind: r.dec.Kind(), Row: -1, Cause: err}
	}
	if se.Precision() {
		r.precErrs.Add(1)
	} else {
		r.schemaErrs.Add(1)
	}
	r.log.Warn().Err(err).Uint64("chunk", se.Seq).Msg("chunk skipped")
	if r.OnReject != nil {
		r.OnReject(se)
	}
}
