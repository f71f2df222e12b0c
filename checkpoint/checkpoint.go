package checkpoint

import (
	"errors"

	"recon/domain/engine"
	"recon/domain/record"
)

// SchemaVersion is bumped whenever State changes incompatibly.
const SchemaVersion uint16 = 1

var (
	ErrCheckpointCorruption = errors.New("checkpoint: corrupted")
	ErrNoValidCheckpoint    = errors.New("checkpoint: no valid checkpoint")
)

// Cursor marks progress through one source: the last input chunk with
// applied records and how many of its records, in decoded order, were applied.
type Cursor struct {
	Chunk uint64
	Rows  uint32
}

// Advance accounts one more applied record from chunk.
func (c *Cursor) Advance(chunk uint64) {
	if chunk != c.Chunk {
		c.Chunk, c.Rows = chunk, 0
	}
	c.Rows++
}

// Position is how far the pipeline got: the key of the last unified event
// applied to the engine, the count of applied events and a cursor per source.
type Position struct {
	Key     record.Key
	Events  uint64
	Cursors [record.NumKinds]Cursor
}

// Before reports whether p is strictly behind o.
func (p Position) Before(o Position) bool {
	if p.Events != o.Events {
		return p.Events < o.Events
	}
	return p.Key.Less(o.Key)
}

// Covers reports whether every record of the given input chunk was applied
// before this position, so the chunk is not needed to resume.
func (p Position) Covers(kind record.Kind, chunk uint64) bool {
	return chunk < p.Cursors[kind].Chunk
}

type State struct {
	SchemaVersion uint16
	Instrument    string
	RunID         string
	Position      Position
	MaxDepth      int
	Engine        engine.Snapshot
	CreatedAtNs   int64
}

// Handle identifies one checkpoint file.
type Handle struct {
	Path        string
	Seq         uint64
	Size        int64
	CreatedAtNs int64
}
