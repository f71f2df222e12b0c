// Package metrics exposes a pipeline's counters to prometheus and as a
// key/value sample stream. Every pipeline owns its collectors; nothing here
// is global.
package metrics

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recon"

// Snapshot is a point-in-time copy of one pipeline's counters and gauges.
type Snapshot struct {
	Events          uint64
	Emitted         uint64
	Gaps            uint64
	Resyncs         uint64
	LagEvents       uint64
	Late            uint64
	SchemaErrors    uint64
	PrecisionErrors uint64
	Stale           uint64
	PreSync         uint64
	Discarded       uint64
	Spilled         uint64
	Deduped         uint64
	Checkpoints     uint64
	Corruptions     uint64
	Truncations     uint64

	// DriftAbsQty is the summed quantity difference of the last snapshot
	// that replaced a synced book, in scaled units.
	DriftAbsQty int64

	// GapRatio is gaps per applied delta.
	GapRatio      float64
	RSSBytes      uint64
	MemoryLevel   int
	GovernorState int
	EngineState   int
	Queues        map[string]QueueDepth
}

type QueueDepth struct {
	Len, Cap int
}

type counter struct {
	desc *prometheus.Desc
	get  func(*Snapshot) float64
}

// Collector reads a Snapshot on every scrape.
type Collector struct {
	snapshot func() Snapshot

	counters []counter
	gauges   []counter
	queueLen *prometheus.Desc
	queueCap *prometheus.Desc

	drift    *prometheus.HistogramVec
	driftQty prometheus.Histogram
}

func desc(instrument, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels,
		prometheus.Labels{"instrument": instrument})
}

func NewCollector(instrument string, snapshot func() Snapshot) *Collector {
	c := &Collector{snapshot: snapshot}
	add := func(dst *[]counter, name, help string, get func(*Snapshot) float64) {
		*dst = append(*dst, counter{desc: desc(instrument, name, help), get: get})
	}
	u := func(f func(*Snapshot) uint64) func(*Snapshot) float64 {
		return func(s *Snapshot) float64 { return float64(f(s)) }
	}

	add(&c.counters, "events_total", "Unified events applied to the engine.", u(func(s *Snapshot) uint64 { return s.Events }))
	add(&c.counters, "emitted_total", "Output events emitted.", u(func(s *Snapshot) uint64 { return s.Emitted }))
	add(&c.counters, "gaps_total", "Sequence gaps detected.", u(func(s *Snapshot) uint64 { return s.Gaps }))
	add(&c.counters, "resyncs_total", "Resynchronizations completed by a snapshot.", u(func(s *Snapshot) uint64 { return s.Resyncs }))
	add(&c.counters, "lag_events_total", "Unifier emissions forced by the lag limit or a stall.", u(func(s *Snapshot) uint64 { return s.LagEvents }))
	add(&c.counters, "late_records_total", "Records clamped to the watermark.", u(func(s *Snapshot) uint64 { return s.Late }))
	add(&c.counters, "schema_errors_total", "Input chunks skipped as malformed.", u(func(s *Snapshot) uint64 { return s.SchemaErrors }))
	add(&c.counters, "precision_errors_total", "Input chunks skipped for precision loss.", u(func(s *Snapshot) uint64 { return s.PrecisionErrors }))
	add(&c.counters, "stale_deltas_total", "Deltas at or below the last applied update id.", u(func(s *Snapshot) uint64 { return s.Stale }))
	add(&c.counters, "presync_deltas_total", "Deltas discarded before the first snapshot.", u(func(s *Snapshot) uint64 { return s.PreSync }))
	add(&c.counters, "discarded_deltas_total", "Deltas discarded while resyncing.", u(func(s *Snapshot) uint64 { return s.Discarded }))
	add(&c.counters, "spilled_events_total", "Output events spilled to disk.", u(func(s *Snapshot) uint64 { return s.Spilled }))
	add(&c.counters, "deduped_events_total", "Replayed output events already in the store.", u(func(s *Snapshot) uint64 { return s.Deduped }))
	add(&c.counters, "checkpoints_total", "Checkpoints written.", u(func(s *Snapshot) uint64 { return s.Checkpoints }))
	add(&c.counters, "checkpoint_corruptions_total", "Checkpoints rejected during recovery.", u(func(s *Snapshot) uint64 { return s.Corruptions }))
	add(&c.counters, "precision_truncations_total", "Input values rounded to the instrument scale.", u(func(s *Snapshot) uint64 { return s.Truncations }))

	add(&c.gauges, "gap_ratio", "Gaps per applied delta.", func(s *Snapshot) float64 { return s.GapRatio })
	add(&c.gauges, "rss_bytes", "Resident set size at the last memory sample.", u(func(s *Snapshot) uint64 { return s.RSSBytes }))
	add(&c.gauges, "memory_level", "Memory pressure level: 0 normal, 1 soft, 2 hard.", func(s *Snapshot) float64 { return float64(s.MemoryLevel) })
	add(&c.gauges, "governor_state", "Flow governor state: 0 normal, 1 throttled, 2 paused, 3 spilling.", func(s *Snapshot) float64 { return float64(s.GovernorState) })
	add(&c.gauges, "engine_state", "Order book engine state.", func(s *Snapshot) float64 { return float64(s.EngineState) })
	add(&c.gauges, "drift_abs_qty", "Absolute quantity difference at the last snapshot drift check.", func(s *Snapshot) float64 { return float64(s.DriftAbsQty) })

	c.queueLen = desc(instrument, "queue_length", "Items buffered in a pipeline queue.", "queue")
	c.queueCap = desc(instrument, "queue_capacity", "Capacity of a pipeline queue.", "queue")

	c.drift = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        "snapshot_drift_levels",
		Help:        "Levels compared when a snapshot replaces a synced book, by whether the price existed on both sides.",
		Buckets:     []float64{0, 1, 2, 5, 10, 20, 40},
		ConstLabels: prometheus.Labels{"instrument": instrument},
	}, []string{"kind"})
	c.driftQty = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        "snapshot_drift_abs_qty",
		Help:        "Summed absolute quantity difference between a synced book and the snapshot replacing it, in scaled units.",
		Buckets:     prometheus.ExponentialBuckets(1, 10, 10),
		ConstLabels: prometheus.Labels{"instrument": instrument},
	})
	return c
}

// ObserveDrift records one drift sample.
func (c *Collector) ObserveDrift(unmatched, matched int, absQty int64) {
	c.drift.WithLabelValues("unmatched").Observe(float64(unmatched))
	c.drift.WithLabelValues("matched").Observe(float64(matched))
	c.driftQty.Observe(float64(absQty))
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.counters {
		ch <- m.desc
	}
	for _, m := range c.gauges {
		ch <- m.desc
	}
	ch <- c.queueLen
	ch <- c.queueCap
	c.drift.Describe(ch)
	c.driftQty.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	for _, m := range c.counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.get(&s))
	}
	for _, m := range c.gauges {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, m.get(&s))
	}
	for name, q := range s.Queues {
		ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(q.Len), name)
		ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(q.Cap), name)
	}
	c.drift.Collect(ch)
	c.driftQty.Collect(ch)
}

// Sample is one key/value reading pushed to a Sink.
type Sample struct {
	Instrument string  `json:"instrument"`
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	AtNs       int64   `json:"at_ns"`
}

// Sink receives sample batches. Publish must not retain the slice.
type Sink interface {
	Publish(ctx context.Context, samples []Sample) error
}

type NopSink struct{}

func (NopSink) Publish(context.Context, []Sample) error { return nil }

// Samples flattens a snapshot into name-sorted samples.
func (s Snapshot) Samples(instrument string, atNs int64) []Sample {
	vals := map[string]float64{
		"events":                float64(s.Events),
		"emitted":               float64(s.Emitted),
		"gaps":                  float64(s.Gaps),
		"gap_ratio":             s.GapRatio,
		"resyncs":               float64(s.Resyncs),
		"lag_events":            float64(s.LagEvents),
		"late":                  float64(s.Late),
		"schema_errors":         float64(s.SchemaErrors),
		"precision_errors":      float64(s.PrecisionErrors),
		"stale":                 float64(s.Stale),
		"discarded":             float64(s.Discarded),
		"spilled":               float64(s.Spilled),
		"checkpoints":           float64(s.Checkpoints),
		"drift_abs_qty":         float64(s.DriftAbsQty),
		"precision_truncations": float64(s.Truncations),
		"rss_bytes":             float64(s.RSSBytes),
		"memory_level":          float64(s.MemoryLevel),
		"governor_state":        float64(s.GovernorState),
	}
	for name, q := range s.Queues {
		vals["queue."+name] = float64(q.Len)
	}
	out := make([]Sample, 0, len(vals))
	for name, v := range vals {
		out = append(out, Sample{Instrument: instrument, Name: name, Value: v, AtNs: atNs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
