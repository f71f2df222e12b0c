package pipeline

import (
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"recon/domain/engine"
	"recon/domain/record"
	"recon/infra/metrics"
	exitwal "recon/infra/wal/exit"
)

// Report is the JSON payload published for every tracked condition.
type Report struct {
	Type       string                    `json:"type"`
	Instrument string                    `json:"instrument"`
	RunID      string                    `json:"run_id"`
	Gap        *engine.SequenceGap       `json:"gap,omitempty"`
	Corrupted  *record.CorruptedInterval `json:"corrupted,omitempty"`
	Drift      *engine.DriftSample       `json:"drift,omitempty"`
	From       string                    `json:"from,omitempty"`
	To         string                    `json:"to,omitempty"`
}

// reporter logs engine conditions and queues them in the outbox. It runs on
// the engine goroutine; outbox puts are synchronous.
type reporter struct {
	instrument string
	runID      string
	outbox     *exitwal.ExitWAL
	collector  *metrics.Collector
	log        zerolog.Logger
	failed     uint64
	driftQty   atomic.Int64
}

func (r *reporter) put(rep Report) {
	if r.outbox == nil {
		return
	}
	rep.Instrument, rep.RunID = r.instrument, r.runID
	b, err := json.Marshal(rep)
	if err == nil {
		_, err = r.outbox.Put([]byte(r.instrument), b)
	}
	if err != nil {
		r.failed++
		r.log.Error().Err(err).Str("report", rep.Type).Msg("report not queued")
	}
}

func (r *reporter) OnGap(g engine.SequenceGap) {
	r.log.Warn().
		Uint64("expected", g.ExpectedUpdateID).
		Uint64("received", g.ReceivedUpdateID).
		Uint64("size", g.GapSize).
		Msg("sequence gap")
	r.put(Report{Type: "gap", Gap: &g})
}

func (r *reporter) OnCorrupted(c record.CorruptedInterval) {
	r.log.Warn().
		Err(engine.ErrUnrecoverableGap).
		Uint64("start", c.StartUpdateID).
		Uint64("end", c.EndUpdateID).
		Uint64("discarded", c.DiscardedDeltas).
		Msg("corrupted interval closed")
	r.put(Report{Type: "corrupted_interval", Corrupted: &c})
}

func (r *reporter) OnDrift(d engine.DriftSample) {
	r.driftQty.Store(d.AbsQtyDiff)
	if r.collector != nil {
		r.collector.ObserveDrift(d.Unmatched, d.Matched, d.AbsQtyDiff)
	}
	r.log.Debug().Uint64("update_id", d.UpdateID).Int("unmatched", d.Unmatched).Int64("abs_qty_diff", d.AbsQtyDiff).Msg("snapshot drift")
	r.put(Report{Type: "drift", Drift: &d})
}

func (r *reporter) OnStateChange(from, to engine.State) {
	r.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("engine state")
	if to == engine.Resyncing || from == engine.Resyncing {
		r.put(Report{Type: "state", From: from.String(), To: to.String()})
	}
}
