package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/checkpoint"
	"recon/domain/engine"
	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/eventstore"
	"recon/infra/memory"
	"recon/infra/reader"
	"recon/infra/spill"
	exitwal "recon/infra/wal/exit"
)

const sym = "BTC-USD"

var scale = precision.Scale{Symbol: sym, PriceDecimals: 2, QuantityDecimals: 0}

type sliceSource struct{ chunks []reader.Chunk }

func (s *sliceSource) Next(context.Context) (reader.Chunk, error) {
	if len(s.chunks) == 0 {
		return reader.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func snapshotChunk(seq uint64, ts int64, id uint64) reader.Chunk {
	return reader.Chunk{Seq: seq, Symbol: sym, Kind: record.KindSnapshot, Columns: map[string][]string{
		reader.ColTimestamp:   {strconv.FormatInt(ts, 10)},
		reader.ColUpdateID:    {strconv.FormatUint(id, 10)},
		reader.BidPriceCol(0): {"100.00"},
		reader.BidQtyCol(0):   {"5"},
		reader.BidPriceCol(1): {"99.99"},
		reader.BidQtyCol(1):   {"3"},
		reader.AskPriceCol(0): {"100.01"},
		reader.AskQtyCol(0):   {"4"},
	}}
}

type delta struct {
	ts    int64
	id    uint64
	price string
	qty   string
}

func deltaChunk(seq uint64, ds ...delta) reader.Chunk {
	cols := map[string][]string{}
	for _, d := range ds {
		cols[reader.ColTimestamp] = append(cols[reader.ColTimestamp], strconv.FormatInt(d.ts, 10))
		cols[reader.ColUpdateID] = append(cols[reader.ColUpdateID], strconv.FormatUint(d.id, 10))
		cols[reader.ColSide] = append(cols[reader.ColSide], "bid")
		cols[reader.ColPrice] = append(cols[reader.ColPrice], d.price)
		cols[reader.ColQuantity] = append(cols[reader.ColQuantity], d.qty)
	}
	return reader.Chunk{Seq: seq, Symbol: sym, Kind: record.KindDelta, Columns: cols}
}

func tradeChunk(seq uint64, ts int64) reader.Chunk {
	return reader.Chunk{Seq: seq, Symbol: sym, Kind: record.KindTrade, Columns: map[string][]string{
		reader.ColTimestamp: {strconv.FormatInt(ts, 10)},
		reader.ColTradeID:   {"1"},
		reader.ColPrice:     {"100.00"},
		reader.ColQuantity:  {"1"},
		reader.ColSide:      {"sell"},
	}}
}

type env struct {
	t     *testing.T
	dir   string
	codec *precision.Codec
	mem   *memory.Monitor
}

func newEnv(t *testing.T) *env {
	codec, err := precision.NewCodec(scale)
	require.NoError(t, err)
	return &env{t: t, dir: t.TempDir(), codec: codec}
}

type run struct {
	p      *Pipeline
	store  *eventstore.Writer
	ckpts  *checkpoint.Manager
	outbox *exitwal.ExitWAL
	spill  *spill.Store
	reg    *prometheus.Registry
	seen   []checkpoint.Position
}

// open builds a pipeline over the env's directories, as a process restart would.
func (e *env) open(sources [record.NumKinds][]reader.Chunk) *run {
	t := e.t
	t.Helper()
	r := &run{reg: prometheus.NewRegistry()}
	var err error
	r.store, err = eventstore.Open(eventstore.Config{Dir: filepath.Join(e.dir, "events"), Scale: scale}, zerolog.Nop())
	require.NoError(t, err)
	r.ckpts, err = checkpoint.NewManager(checkpoint.Config{Dir: filepath.Join(e.dir, "ckpt"), Instrument: sym}, zerolog.Nop())
	require.NoError(t, err)
	r.outbox, err = exitwal.Open(filepath.Join(e.dir, "outbox"))
	require.NoError(t, err)
	t.Cleanup(func() { r.outbox.Close() })
	r.spill, err = spill.Open(filepath.Join(e.dir, "spill"))
	require.NoError(t, err)
	t.Cleanup(func() { r.spill.Close() })

	var srcs [record.NumKinds]reader.Source
	for k, cs := range sources {
		srcs[k] = &sliceSource{chunks: cs}
	}
	r.p, err = New(Config{
		Instrument: sym,
		Engine:     engine.Config{MaxDepth: 20},
		Tick:       5 * time.Millisecond,
	}, Deps{
		Sources:      srcs,
		Codec:        e.codec,
		Checkpoints:  r.ckpts,
		Store:        r.store,
		Spill:        r.spill,
		Outbox:       r.outbox,
		Memory:       e.mem,
		Registerer:   r.reg,
		OnCheckpoint: func(p checkpoint.Position) { r.seen = append(r.seen, p) },
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return r
}

func (r *run) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.p.Run(ctx))
	require.NoError(t, r.store.Close())
}

func (e *env) events() []record.Event {
	var out []record.Event
	require.NoError(e.t, eventstore.Scan(filepath.Join(e.dir, "events"), sym, func(ev record.Event) error {
		out = append(out, ev)
		return nil
	}))
	return out
}

func positions(evs []record.Event) []uint64 {
	ps := make([]uint64, len(evs))
	for i, ev := range evs {
		ps[i] = ev.Position
	}
	return ps
}

func TestPipelineScenario(t *testing.T) {
	e := newEnv(t)
	var in [record.NumKinds][]reader.Chunk
	in[record.KindSnapshot] = []reader.Chunk{snapshotChunk(1, 100, 10)}
	in[record.KindDelta] = []reader.Chunk{deltaChunk(1,
		delta{ts: 110, id: 11, price: "100.00", qty: "2"},
		delta{ts: 120, id: 15, price: "99.99", qty: "7"},
	)}
	in[record.KindTrade] = []reader.Chunk{tradeChunk(1, 115)}
	r := e.open(in)
	assert.False(t, r.p.Recovered())
	r.run(t)

	evs := e.events()
	require.Len(t, evs, 3, "snapshot, delta 11 and the trade; delta 15 is held")
	assert.Equal(t, []uint64{1, 2, 3}, positions(evs))
	assert.Equal(t, record.EventBookSnapshot, evs[0].Type)
	assert.Equal(t, record.EventBookDelta, evs[1].Type)
	assert.Equal(t, record.EventTrade, evs[2].Type)
	assert.Equal(t, record.Level{Price: 10000, Quantity: 2}, evs[1].Book.Bids[0])

	st, err := r.ckpts.Recover()
	require.NoError(t, err)
	assert.Equal(t, engine.GapDetected, st.Engine.State)
	assert.EqualValues(t, 11, st.Engine.LastAppliedUpdateID)
	assert.EqualValues(t, 4, st.Position.Events)
	assert.Equal(t, checkpoint.Cursor{Chunk: 1, Rows: 2}, st.Position.Cursors[record.KindDelta])
	assert.Equal(t, checkpoint.Cursor{Chunk: 1, Rows: 1}, st.Position.Cursors[record.KindSnapshot])
	require.NotEmpty(t, r.seen)
	assert.Equal(t, st.Position, r.seen[len(r.seen)-1])

	var reports []Report
	require.NoError(t, r.outbox.ScanPending(func(rec *exitwal.ExitRecord) error {
		var rep Report
		require.NoError(t, json.Unmarshal(rec.Payload, &rep))
		reports = append(reports, rep)
		return nil
	}))
	require.Len(t, reports, 1)
	assert.Equal(t, "gap", reports[0].Type)
	assert.Equal(t, sym, reports[0].Instrument)
	assert.EqualValues(t, 12, reports[0].Gap.ExpectedUpdateID)
	assert.EqualValues(t, 15, reports[0].Gap.ReceivedUpdateID)
	assert.EqualValues(t, 3, reports[0].Gap.GapSize)

	snap := r.p.Snapshot()
	assert.EqualValues(t, 4, snap.Events)
	assert.EqualValues(t, 1, snap.Gaps)
	assert.EqualValues(t, 1, snap.Checkpoints)
	assert.EqualValues(t, 4, r.p.Processed())

	n, err := testutil.GatherAndCount(r.reg, "recon_gaps_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipelineResumesAfterCheckpoint(t *testing.T) {
	e := newEnv(t)
	snap := []reader.Chunk{snapshotChunk(1, 100, 10)}
	first := deltaChunk(1, delta{ts: 110, id: 11, price: "100.00", qty: "2"})
	second := deltaChunk(2,
		delta{ts: 130, id: 12, price: "99.98", qty: "1"},
		delta{ts: 140, id: 13, price: "99.97", qty: "1"},
	)

	var in [record.NumKinds][]reader.Chunk
	in[record.KindSnapshot] = snap
	in[record.KindDelta] = []reader.Chunk{first}
	e.open(in).run(t)
	require.Len(t, e.events(), 2)

	// the restarted process replays its whole input
	in[record.KindDelta] = []reader.Chunk{first, second}
	r := e.open(in)
	assert.True(t, r.p.Recovered())
	r.run(t)

	evs := e.events()
	assert.Equal(t, []uint64{1, 2, 3, 4}, positions(evs), "no duplicates and no holes")
	assert.EqualValues(t, 0, r.store.Stats().Deduped)

	st, err := r.ckpts.Recover()
	require.NoError(t, err)
	assert.Equal(t, engine.Synced, st.Engine.State)
	assert.EqualValues(t, 13, st.Engine.LastAppliedUpdateID)
	assert.EqualValues(t, 4, st.Position.Events)
	assert.EqualValues(t, 4, r.p.Processed())

	var skipped uint64
	for _, rd := range r.p.readers {
		skipped += rd.Stats().Skipped
	}
	assert.EqualValues(t, 2, skipped)

	// the same input in one go ends in the same book and output
	whole := newEnv(t)
	wr := whole.open(in)
	wr.run(t)
	want, err := wr.ckpts.Recover()
	require.NoError(t, err)
	assert.Equal(t, want.Engine, st.Engine)
	assert.Equal(t, want.Position, st.Position)
	assert.Equal(t, whole.events(), evs)
}

func TestPipelineResumesAcrossGaps(t *testing.T) {
	chunks := []reader.Chunk{
		deltaChunk(1,
			delta{ts: 110, id: 11, price: "100.00", qty: "2"},
			delta{ts: 120, id: 13, price: "99.97", qty: "1"},
		),
		deltaChunk(2,
			delta{ts: 130, id: 12, price: "99.98", qty: "1"},
			delta{ts: 140, id: 16, price: "99.95", qty: "1"},
		),
		deltaChunk(3,
			delta{ts: 150, id: 14, price: "99.96", qty: "1"},
			delta{ts: 160, id: 15, price: "99.99", qty: "4"},
			delta{ts: 170, id: 17, price: "99.94", qty: "1"},
		),
	}
	input := func(n int) [record.NumKinds][]reader.Chunk {
		var in [record.NumKinds][]reader.Chunk
		in[record.KindSnapshot] = []reader.Chunk{snapshotChunk(1, 100, 10)}
		in[record.KindDelta] = chunks[:n]
		return in
	}

	// every restart sees more of the same growing input, stopping inside a gap
	e := newEnv(t)
	var states []engine.State
	for n := 1; n <= len(chunks); n++ {
		r := e.open(input(n))
		assert.Equal(t, n > 1, r.p.Recovered())
		r.run(t)
		st, err := r.ckpts.Recover()
		require.NoError(t, err)
		states = append(states, st.Engine.State)
	}
	assert.Equal(t, []engine.State{engine.GapDetected, engine.GapDetected, engine.Synced}, states)

	whole := newEnv(t)
	wr := whole.open(input(len(chunks)))
	wr.run(t)
	want, err := wr.ckpts.Recover()
	require.NoError(t, err)

	got, err := checkpoint.NewManager(checkpoint.Config{Dir: filepath.Join(e.dir, "ckpt"), Instrument: sym}, zerolog.Nop())
	require.NoError(t, err)
	st, err := got.Recover()
	require.NoError(t, err)
	assert.EqualValues(t, 17, st.Engine.LastAppliedUpdateID)
	assert.EqualValues(t, 2, st.Engine.Stats.Gaps)
	assert.Equal(t, want.Engine.Bids, st.Engine.Bids)
	assert.Equal(t, want.Engine, st.Engine)
	assert.Equal(t, want.Position, st.Position)

	evs := e.events()
	assert.Equal(t, whole.events(), evs)
	assert.Len(t, evs, 8)
}

type fixedSampler struct{ rss atomic.Uint64 }

func (f *fixedSampler) RSS() (uint64, error) { return f.rss.Load(), nil }

func TestPipelineStartsUnderExistingPressure(t *testing.T) {
	e := newEnv(t)
	s := &fixedSampler{}
	s.rss.Store(900)
	var err error
	e.mem, err = memory.NewMonitor(memory.Config{LimitBytes: 1000}, s, zerolog.Nop())
	require.NoError(t, err)
	_, err = e.mem.Sample()
	require.NoError(t, err)
	require.Equal(t, memory.Soft, e.mem.Level())

	r := e.open([record.NumKinds][]reader.Chunk{record.KindSnapshot: {snapshotChunk(1, 100, 10)}})
	require.Equal(t, 512, r.p.gov.BatchSize())
	r.run(t)
	assert.Equal(t, 256, r.p.gov.BatchSize(), "the soft reading taken before Run applied")
	assert.Equal(t, []uint64{1}, positions(e.events()))
}

// TestPipelineMemoryStaysBounded pushes a burst far larger than the queues
// through one pipeline and checks the heap never approaches the budget.
func TestPipelineMemoryStaysBounded(t *testing.T) {
	if testing.Short() {
		t.Skip("burst run")
	}
	const (
		deltas  = 20_000
		perRow  = 500
		budget  = 256 << 20
		startID = 11
	)
	e := newEnv(t)
	sampler, err := memory.NewProcSampler()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	e.mem, err = memory.NewMonitor(memory.Config{LimitBytes: 1 << 30, SampleInterval: 5 * time.Millisecond}, sampler, zerolog.Nop())
	require.NoError(t, err)

	var in [record.NumKinds][]reader.Chunk
	in[record.KindSnapshot] = []reader.Chunk{snapshotChunk(1, 100, 10)}
	for c := range deltas / perRow {
		ds := make([]delta, perRow)
		for i := range ds {
			n := c*perRow + i
			ds[i] = delta{
				ts:    int64(1_000 + n),
				id:    uint64(startID + n),
				price: fmt.Sprintf("99.%02d", n%15),
				qty:   strconv.Itoa(n%7 + 1),
			}
		}
		in[record.KindDelta] = append(in[record.KindDelta], deltaChunk(uint64(c+1), ds...))
	}

	runtime.GC()
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	var peak atomic.Uint64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		var ms runtime.MemStats
		for {
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > peak.Load() {
				peak.Store(ms.HeapAlloc)
			}
			select {
			case <-stop:
				return
			case <-tick.C:
			}
		}
	}()

	var hard atomic.Bool
	e.mem.OnChange(func(rd memory.Reading) { hard.Store(hard.Load() || rd.Level == memory.Hard) })
	monCtx, stopMon := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() { defer close(monDone); e.mem.Run(monCtx) }()

	r := e.open(in)
	r.run(t)
	close(stop)
	<-sampled
	stopMon()
	<-monDone

	assert.False(t, hard.Load(), "rss reached the hard limit")
	assert.Less(t, peak.Load()-min(peak.Load(), base.HeapAlloc), uint64(budget))
	assert.Len(t, e.events(), deltas+1)
	assert.EqualValues(t, deltas+1, r.p.Processed())
}

func TestPipelineDrainsSpillBeforeNewEvents(t *testing.T) {
	e := newEnv(t)
	var in [record.NumKinds][]reader.Chunk
	in[record.KindSnapshot] = []reader.Chunk{snapshotChunk(1, 100, 10)}
	in[record.KindDelta] = []reader.Chunk{deltaChunk(1, delta{ts: 110, id: 11, price: "100.00", qty: "2"})}

	// a previous run spilled its first event and died before checkpointing
	sp, err := spill.Open(filepath.Join(e.dir, "spill"))
	require.NoError(t, err)
	require.NoError(t, sp.Put([]record.Event{{
		EventTimestampNs: 100,
		Type:             record.EventBookSnapshot,
		Position:         1,
		Book:             &record.BookPayload{UpdateID: 10},
	}}))
	require.NoError(t, sp.Close())

	r := e.open(in)
	require.Equal(t, 1, r.spill.Len())
	r.run(t)

	assert.Equal(t, 0, r.spill.Len())
	evs := e.events()
	assert.Equal(t, []uint64{1, 2}, positions(evs))
	assert.EqualValues(t, 1, r.store.Stats().Deduped, "regenerated event 1 already came from spill")
}

func TestPipelineCancelStillCheckpoints(t *testing.T) {
	e := newEnv(t)
	ch := make(chan reader.Chunk, 1)
	ch <- deltaChunk(1, delta{ts: 110, id: 11, price: "100.00", qty: "2"})

	r := e.open([record.NumKinds][]reader.Chunk{record.KindSnapshot: {snapshotChunk(1, 100, 10)}})
	r.p.readers[record.KindDelta] = reader.New(mustDecoder(t, e.codec, record.KindDelta), reader.ChanSource(ch), r.p.gov, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.p.Run(ctx) }()
	require.Eventually(t, func() bool { return r.p.Processed() == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	require.NoError(t, r.store.Close())

	st, err := r.ckpts.Recover()
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Position.Events)
	assert.Equal(t, []uint64{1, 2}, positions(e.events()))
}

func mustDecoder(t *testing.T, codec *precision.Codec, kind record.Kind) reader.Decoder {
	t.Helper()
	d, err := reader.NewDecoder(kind, codec, 20)
	require.NoError(t, err)
	return d
}
