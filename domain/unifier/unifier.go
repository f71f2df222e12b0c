// Package unifier merges the trade, snapshot and delta streams of one
// instrument into a single chronological sequence.
//
// Records are ordered by (event time, source priority, source sequence).
// Each source is expected to be sorted by event time; a record that arrives
// below the already emitted watermark is clamped to it and flagged late.
package unifier

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"recon/domain/record"
)

// Priority ranks record kinds for timestamp ties; lower ranks go first.
type Priority [record.NumKinds]uint8

// DefaultPriority places snapshots before deltas before trades.
func DefaultPriority() Priority {
	var p Priority
	p[record.KindSnapshot] = 0
	p[record.KindDelta] = 1
	p[record.KindTrade] = 2
	return p
}

// ParsePriority builds a Priority from kind names, highest priority first,
// e.g. ["snapshot", "delta", "trade"]. Every kind must appear exactly once.
func ParsePriority(order []string) (Priority, error) {
	var p Priority
	if len(order) != int(record.NumKinds) {
		return p, fmt.Errorf("unifier: priority needs %d kinds, got %d", record.NumKinds, len(order))
	}
	var seen [record.NumKinds]bool
	for rank, name := range order {
		k, err := record.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return p, fmt.Errorf("unifier: priority: %w", err)
		}
		if seen[k] {
			return p, fmt.Errorf("unifier: priority lists %s twice", k)
		}
		seen[k] = true
		p[k] = uint8(rank)
	}
	return p, nil
}

type Config struct {
	Priority Priority
	// LagLimit is how many records one source may buffer while another open
	// source has nothing to offer.
	LagLimit int
	// StallTimeout is how long the merge waits on an empty open source
	// before proceeding without it.
	StallTimeout time.Duration
}

const (
	DefaultLagLimit     = 1024
	DefaultStallTimeout = 2 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Priority == (Priority{}) {
		c.Priority = DefaultPriority()
	}
	if c.LagLimit <= 0 {
		c.LagLimit = DefaultLagLimit
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
}

type Stats struct {
	Emitted uint64
	// LagEvents counts episodes where the merge proceeded past a lagging source.
	LagEvents uint64
	Lagged    uint64
	Late      uint64
}

// Unifier stamps merged records. It is not safe for concurrent use.
type Unifier struct {
	cfg Config

	watermark int64
	started   bool
	seqInTs   uint32
	pos       uint64

	stats counters
}

// counters may be read while Run is active.
type counters struct {
	emitted, lagEvents, lagged, late atomic.Uint64
}

func New(cfg Config) *Unifier {
	cfg.applyDefaults()
	return &Unifier{cfg: cfg}
}

func (u *Unifier) Stats() Stats {
	return Stats{
		Emitted:   u.stats.emitted.Load(),
		LagEvents: u.stats.lagEvents.Load(),
		Lagged:    u.stats.lagged.Load(),
		Late:      u.stats.late.Load(),
	}
}

// Watermark is the timestamp of the last emitted record.
func (u *Unifier) Watermark() int64 { return u.watermark }

// Resume continues after a restart: records older than key's timestamp are
// clamped and flagged late, and positions continue after pos.
func (u *Unifier) Resume(key record.Key, pos uint64) {
	u.watermark = key.TimestampNs
	u.started = pos > 0
	u.pos = pos
}

func (u *Unifier) key(r *record.Raw) record.Key {
	return record.Key{
		TimestampNs: r.EventTimeNs(),
		Priority:    u.cfg.Priority[r.Kind],
		SourceSeq:   r.SourceSeq,
	}
}

// stamp assigns the global ordering fields to the next emitted record.
func (u *Unifier) stamp(r record.Raw, flags record.Flag) record.Unified {
	k := u.key(&r)
	orig := k.TimestampNs
	if u.started && k.TimestampNs < u.watermark {
		k.TimestampNs = u.watermark
		flags |= record.FlagLate
		u.stats.late.Add(1)
	}

	if u.started && k.TimestampNs == u.watermark {
		u.seqInTs++
	} else {
		u.seqInTs = 0
	}
	u.watermark = k.TimestampNs
	u.started = true
	u.pos++
	u.stats.emitted.Add(1)
	if flags.Has(record.FlagLagged) {
		u.stats.lagged.Add(1)
	}

	return record.Unified{
		EventTimestampNs:        k.TimestampNs,
		OriginalTimestampNs:     orig,
		Type:                    record.EventTypeOf(r.Kind),
		SequenceWithinTimestamp: u.seqInTs,
		Position:                u.pos,
		Key:                     k,
		Flags:                   flags,
		Raw:                     r,
	}
}

// Merge is the batch form of the unifier: every source is fully available,
// so the result depends only on the input.
func Merge(cfg Config, sources ...[]record.Raw) []record.Unified {
	u := New(cfg)
	total := 0
	for _, s := range sources {
		total += len(s)
	}
	out := make([]record.Unified, 0, total)
	heads := make([]int, len(sources))

	for {
		best := -1
		var bestKey record.Key
		for i, s := range sources {
			if heads[i] >= len(s) {
				continue
			}
			k := u.key(&s[heads[i]])
			if best < 0 || k.Less(bestKey) {
				best, bestKey = i, k
			}
		}
		if best < 0 {
			return out
		}
		out = append(out, u.stamp(sources[best][heads[best]], 0))
		heads[best]++
	}
}
