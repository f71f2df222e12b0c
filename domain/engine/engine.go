// Package engine maintains one instrument's order book from the unified
// event stream. It owns the book exclusively, detects update id gaps and
// drives the resynchronization state machine:
//
//	UNINITIALIZED -> SYNCED -> GAP_DETECTED -> RESYNCING -> SYNCED ... -> SHUTDOWN
//
// Small gaps are held in a reorder buffer and either filled or bridged; large
// gaps discard deltas until the next snapshot and are reported as corrupted
// intervals. Nothing is ever fabricated to fill a hole.
package engine

import (
	"sort"

	"recon/domain/orderbook"
	"recon/domain/precision"
	"recon/domain/record"
)

type Config struct {
	Instrument string
	MaxDepth   int
	// GapThreshold is the largest gap treated as benign reordering.
	GapThreshold uint64
	// ReorderWindow is how many further deltas a small gap may stay open.
	ReorderWindow int
	// SampleEvery emits the book after every Nth applied delta.
	SampleEvery int
	// EmitDepth limits the levels carried in emitted book payloads.
	EmitDepth int
	// GapHistory bounds the in-memory gap and interval history.
	GapHistory int
}

func (c *Config) applyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = orderbook.DefaultMaxDepth
	}
	if c.GapThreshold == 0 {
		c.GapThreshold = 10
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 10
	}
	if c.SampleEvery <= 0 {
		c.SampleEvery = 1
	}
	if c.EmitDepth <= 0 || c.EmitDepth > c.MaxDepth {
		c.EmitDepth = c.MaxDepth
	}
	if c.GapHistory <= 0 {
		c.GapHistory = 1024
	}
}

type Engine struct {
	cfg      Config
	codec    *precision.Codec
	reporter Reporter

	book        *orderbook.Book
	state       State
	lastApplied uint64

	pending map[uint64]PendingDelta
	window  int

	corrupted *record.CorruptedInterval

	gaps      *ring[SequenceGap]
	intervals *ring[record.CorruptedInterval]
	lastDrift *DriftSample

	sinceSample int
	outPos      uint64
	lastTs      int64
	seqInTs     uint32

	stats Stats

	// per-Apply context
	cur  *record.Unified
	emit func(record.Event)
}

func New(cfg Config, codec *precision.Codec, reporter Reporter) *Engine {
	cfg.applyDefaults()
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Engine{
		cfg:       cfg,
		codec:     codec,
		reporter:  reporter,
		book:      orderbook.NewBook(cfg.MaxDepth),
		pending:   make(map[uint64]PendingDelta),
		gaps:      newRing[SequenceGap](cfg.GapHistory),
		intervals: newRing[record.CorruptedInterval](cfg.GapHistory),
	}
}

func (e *Engine) State() State                          { return e.state }
func (e *Engine) LastAppliedUpdateID() uint64           { return e.lastApplied }
func (e *Engine) Stats() Stats                          { return e.stats }
func (e *Engine) Book() *orderbook.Book                 { return e.book }
func (e *Engine) Gaps() []SequenceGap                   { return e.gaps.items() }
func (e *Engine) Corrupted() []record.CorruptedInterval { return e.intervals.items() }

// LastDrift returns the most recent drift sample, if any.
func (e *Engine) LastDrift() (DriftSample, bool) {
	if e.lastDrift == nil {
		return DriftSample{}, false
	}
	return *e.lastDrift, true
}

// Apply processes one unified event. Output events, if any, are passed to
// emit in order before Apply returns.
func (e *Engine) Apply(u record.Unified, emit func(record.Event)) error {
	if e.state == Shutdown {
		return ErrShutdown
	}
	e.cur, e.emit = &u, emit
	defer func() { e.cur, e.emit = nil, nil }()

	e.stats.Events++
	switch u.Raw.Kind {
	case record.KindSnapshot:
		return e.onSnapshot(u.Raw.Snapshot)
	case record.KindDelta:
		e.onDelta(u.Raw.Delta)
		return nil
	case record.KindTrade:
		e.onTrade(u.Raw.Trade)
		return nil
	default:
		panic("engine: unhandled record kind " + u.Raw.Kind.String())
	}
}

// Shutdown is terminal.
func (e *Engine) Shutdown() {
	e.setState(Shutdown)
}

// ---- snapshots ----

func (e *Engine) onSnapshot(s *record.BookSnapshot) error {
	e.stats.Snapshots++
	ts := e.cur.EventTimestampNs

	if e.state == Synced {
		d, err := e.book.Drift(s.Bids, s.Asks)
		if err == nil {
			sample := DriftSample{UpdateID: s.UpdateID, AtNs: ts, Drift: d}
			e.lastDrift = &sample
			e.reporter.OnDrift(sample)
		}
	}

	if err := e.book.Reset(s.Bids, s.Asks); err != nil {
		return err
	}
	e.lastApplied = s.UpdateID

	var flags record.Flag
	var closed *record.CorruptedInterval
	if e.corrupted != nil {
		closed = e.corrupted
		closed.EndUpdateID = s.UpdateID
		closed.EndNs = ts
		e.corrupted = nil
		e.intervals.push(*closed)
		e.reporter.OnCorrupted(*closed)
		flags |= record.FlagResync
	}

	held := e.takePending()
	e.setState(Synced)

	e.out(record.Event{
		Type:  record.EventBookSnapshot,
		Flags: flags,
		Book: &record.BookPayload{
			UpdateID:  s.UpdateID,
			Bids:      e.book.Top(record.Bid, e.cfg.EmitDepth),
			Asks:      e.book.Top(record.Ask, e.cfg.EmitDepth),
			Corrupted: closed,
		},
	})
	e.sinceSample = 0

	// deltas buffered ahead of the snapshot still count if they follow it
	for _, p := range held {
		if p.Delta.UpdateID <= e.lastApplied {
			e.stats.DeltasStale++
			continue
		}
		d := p.Delta
		e.sequenced(&d)
	}
	return nil
}

// ---- deltas ----

func (e *Engine) onDelta(d *record.BookDelta) {
	switch e.state {
	case Uninitialized:
		e.stats.DeltasPreSync++
		return
	case Resyncing:
		e.discard(d)
		return
	}
	e.sequenced(d)
}

// sequenced handles a delta while SYNCED or GAP_DETECTED.
func (e *Engine) sequenced(d *record.BookDelta) {
	id := d.UpdateID
	if id <= e.lastApplied {
		e.stats.DeltasStale++
		return
	}
	if e.state == GapDetected {
		if _, dup := e.pending[id]; dup {
			e.stats.DeltasStale++
			return
		}
	}

	if id == e.lastApplied+1 {
		e.applyDelta(d, 0)
		if e.state == GapDetected {
			e.drain()
		}
		return
	}

	if e.state == Synced {
		e.openGap(e.lastApplied+1, id, d)
		return
	}

	// GAP_DETECTED: a second, large hole beyond the buffered run
	if hi := e.pendingMax(); id > hi+1 && id-(hi+1) > e.cfg.GapThreshold {
		e.bridge()
		if e.state == Resyncing {
			e.discard(d)
			return
		}
		e.sequenced(d)
		return
	}

	e.pending[id] = PendingDelta{Delta: *d, AtNs: e.cur.EventTimestampNs}
	e.window++
	if e.window >= e.cfg.ReorderWindow || len(e.pending) > int(e.cfg.GapThreshold)+e.cfg.ReorderWindow {
		e.bridge()
	}
}

func (e *Engine) openGap(expected, received uint64, d *record.BookDelta) {
	size := received - expected
	e.recordGap(expected, received)
	if size <= e.cfg.GapThreshold {
		e.pending[received] = PendingDelta{Delta: *d, AtNs: e.cur.EventTimestampNs}
		e.window = 0
		e.setState(GapDetected)
		return
	}
	// too wide to bridge, escalate straight away
	e.setState(GapDetected)
	e.startResync(expected)
	e.discard(d)
}

func (e *Engine) recordGap(expected, received uint64) {
	g := SequenceGap{
		ExpectedUpdateID: expected,
		ReceivedUpdateID: received,
		GapSize:          received - expected,
		DetectedAtNs:     e.cur.EventTimestampNs,
	}
	e.stats.Gaps++
	e.gaps.push(g)
	e.reporter.OnGap(g)
}

// drain applies buffered deltas that became contiguous.
func (e *Engine) drain() {
	for {
		p, ok := e.pending[e.lastApplied+1]
		if !ok {
			break
		}
		delete(e.pending, p.Delta.UpdateID)
		e.applyDelta(&p.Delta, 0)
	}
	if len(e.pending) == 0 {
		e.stats.GapsReordered++
		e.window = 0
		e.setState(Synced)
	}
}

// bridge gives up on the open hole and applies the buffered run from its
// lowest id. Holes inside the run are new gaps.
func (e *Engine) bridge() {
	held := e.takePending()
	e.stats.GapsBridged++
	e.setState(Synced)

	first := true
	for i, p := range held {
		d := p.Delta
		if d.UpdateID <= e.lastApplied {
			e.stats.DeltasStale++
			continue
		}
		if !first && d.UpdateID != e.lastApplied+1 {
			expected := e.lastApplied + 1
			e.recordGap(expected, d.UpdateID)
			if d.UpdateID-expected > e.cfg.GapThreshold {
				e.startResync(expected)
				for _, rest := range held[i:] {
					rd := rest.Delta
					e.discard(&rd)
				}
				return
			}
			e.stats.GapsBridged++
		}
		var flags record.Flag
		if d.UpdateID != e.lastApplied+1 {
			flags = record.FlagGapBridged
		}
		e.lastApplied = d.UpdateID - 1
		e.applyDelta(&d, flags)
		first = false
	}
}

func (e *Engine) startResync(expected uint64) {
	e.stats.Resyncs++
	e.corrupted = &record.CorruptedInterval{
		StartUpdateID: expected,
		EndUpdateID:   expected,
		StartNs:       e.cur.EventTimestampNs,
	}
	for _, p := range e.takePending() {
		d := p.Delta
		e.discard(&d)
	}
	e.setState(Resyncing)
}

func (e *Engine) discard(d *record.BookDelta) {
	e.stats.DeltasDiscarded++
	if e.corrupted == nil {
		return
	}
	e.corrupted.DiscardedDeltas++
	if d.UpdateID > e.corrupted.EndUpdateID {
		e.corrupted.EndUpdateID = d.UpdateID
	}
}

func (e *Engine) applyDelta(d *record.BookDelta, flags record.Flag) {
	dropped, err := e.book.Apply(d.Side, d.Price, d.NewQuantity)
	if err != nil {
		// a negative quantity cannot be applied; the id is still consumed
		e.stats.DeltasDiscarded++
		e.lastApplied = d.UpdateID
		return
	}
	if dropped {
		e.stats.DeltasOutOfDepth++
	}
	e.lastApplied = d.UpdateID
	e.stats.DeltasApplied++

	e.sinceSample++
	if e.sinceSample < e.cfg.SampleEvery && flags == 0 {
		return
	}
	e.sinceSample = 0

	delta := *d
	e.out(record.Event{
		Type:  record.EventBookDelta,
		Flags: flags,
		Book: &record.BookPayload{
			UpdateID: d.UpdateID,
			Bids:     e.book.Top(record.Bid, e.cfg.EmitDepth),
			Asks:     e.book.Top(record.Ask, e.cfg.EmitDepth),
			Delta:    &delta,
		},
	})
}

// ---- trades ----

func (e *Engine) onTrade(t *record.Trade) {
	e.stats.Trades++

	p := &record.TradePayload{
		TradeID:  t.TradeID,
		Price:    t.Price,
		Quantity: t.Quantity,
		Side:     t.Side,
	}
	if n, err := e.codec.Notional(t.Price, t.Quantity, e.cfg.Instrument); err == nil {
		p.Notional = n
	} else {
		e.stats.NotionalOverflow++
	}

	bid, hasBid := e.book.BestBid()
	ask, hasAsk := e.book.BestAsk()
	if hasBid {
		p.BestBid = bid.Price
	}
	if hasAsk {
		p.BestAsk = ask.Price
	}

	var flags record.Flag
	switch e.state {
	case Uninitialized:
		flags |= record.FlagUnsynced
	case Resyncing:
		flags |= record.FlagCorrupted
	default:
		if (hasBid && t.Price < bid.Price) || (hasAsk && t.Price > ask.Price) {
			flags |= record.FlagTradeOutsideBook
			e.stats.TradesOutside++
		}
	}

	e.out(record.Event{Type: record.EventTrade, Flags: flags, Trade: p})
}

// ---- output ----

// out stamps an output event with the triggering event's time, a
// within-timestamp sequence and the next output position.
func (e *Engine) out(ev record.Event) {
	ts := e.cur.EventTimestampNs
	if ts == e.lastTs && e.outPos > 0 {
		e.seqInTs++
	} else {
		e.lastTs = ts
		e.seqInTs = 0
	}
	e.outPos++
	ev.EventTimestampNs = ts
	ev.SequenceWithinTimestamp = e.seqInTs
	ev.Position = e.outPos
	ev.Flags |= e.cur.Flags & (record.FlagLagged | record.FlagLate)
	if e.state == Resyncing {
		ev.Flags |= record.FlagCorrupted
	}
	e.stats.Emitted++
	if e.emit != nil {
		e.emit(ev)
	}
}

// ---- helpers ----

func (e *Engine) setState(s State) {
	if s == e.state {
		return
	}
	from := e.state
	e.state = s
	e.reporter.OnStateChange(from, s)
}

func (e *Engine) takePending() []PendingDelta {
	held := e.sortedPending()
	clear(e.pending)
	e.window = 0
	return held
}

func (e *Engine) sortedPending() []PendingDelta {
	if len(e.pending) == 0 {
		return nil
	}
	held := make([]PendingDelta, 0, len(e.pending))
	for _, p := range e.pending {
		held = append(held, p)
	}
	sort.Slice(held, func(i, j int) bool { return held[i].Delta.UpdateID < held[j].Delta.UpdateID })
	return held
}

func (e *Engine) pendingMax() uint64 {
	var hi uint64
	for id := range e.pending {
		if id > hi {
			hi = id
		}
	}
	return hi
}
