// Package config loads the static YAML configuration of a run.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"recon/domain/engine"
	"recon/domain/precision"
	"recon/domain/unifier"
	"recon/infra/logging"
)

type Config struct {
	Log         logging.Config `yaml:"log"`
	Instruments []Instrument   `yaml:"instruments"`
	Queues      Queues         `yaml:"queues"`
	Unifier     Unifier        `yaml:"unifier"`
	Engine      Engine         `yaml:"engine"`
	Checkpoint  Checkpoint     `yaml:"checkpoint"`
	Memory      Memory         `yaml:"memory"`
	Governor    Governor       `yaml:"governor"`
	Store       Store          `yaml:"store"`
	Spill       Spill          `yaml:"spill"`
	Journal     Journal        `yaml:"journal"`
	Outbox      Outbox         `yaml:"outbox"`
	Kafka       Kafka          `yaml:"kafka"`
	GRPC        GRPC           `yaml:"grpc"`
	Router      Router         `yaml:"router"`
	Metrics     Metrics        `yaml:"metrics"`
}

type Instrument struct {
	Symbol           string `yaml:"symbol"`
	PriceDecimals    int32  `yaml:"price_decimals"`
	QuantityDecimals int32  `yaml:"quantity_decimals"`
	AllowTruncation  bool   `yaml:"allow_truncation"`
	MaxDepth         int    `yaml:"max_depth"`
	Inputs           Inputs `yaml:"inputs"`
}

// Inputs are JSON-lines files read by the binary. Any may be empty.
type Inputs struct {
	Trades    string `yaml:"trades"`
	Snapshots string `yaml:"snapshots"`
	Deltas    string `yaml:"deltas"`
	ChunkRows int    `yaml:"chunk_rows"`
}

type Queues struct {
	ReaderUnifier   int `yaml:"reader_unifier"`
	UnifierEngine   int `yaml:"unifier_engine"`
	EngineFormatter int `yaml:"engine_formatter"`
	FormatterWriter int `yaml:"formatter_writer"`
}

type Unifier struct {
	// Priority lists record kinds from first to last on equal timestamps.
	Priority     []string      `yaml:"priority"`
	LagLimit     int           `yaml:"lag_limit"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

type Engine struct {
	GapThreshold  uint64 `yaml:"gap_threshold"`
	ReorderWindow int    `yaml:"reorder_window"`
	SampleEvery   int    `yaml:"sample_every"`
	EmitDepth     int    `yaml:"emit_depth"`
	GapHistory    int    `yaml:"gap_history"`
}

type Checkpoint struct {
	Dir         string        `yaml:"dir"`
	Interval    time.Duration `yaml:"interval"`
	EveryEvents uint64        `yaml:"every_events"`
	Retain      int           `yaml:"retain"`
}

type Memory struct {
	// LimitBytes is the budget RSS is measured against; 0 reads the cgroup
	// limit or falls back to total system memory.
	LimitBytes     uint64        `yaml:"limit_bytes"`
	Soft           float64       `yaml:"soft"`
	Hard           float64       `yaml:"hard"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type Governor struct {
	// HighWater and LowWater are queue fill ratios.
	HighWater float64       `yaml:"high_water"`
	LowWater  float64       `yaml:"low_water"`
	Sustain   time.Duration `yaml:"sustain"`
	// ThrottleRate is records per second per reader while throttled.
	ThrottleRate float64       `yaml:"throttle_rate"`
	Tick         time.Duration `yaml:"tick"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type Store struct {
	Dir       string `yaml:"dir"`
	BlockRows int    `yaml:"block_rows"`
}

type Spill struct {
	Dir string `yaml:"dir"`
}

type Journal struct {
	Dir         string `yaml:"dir"`
	SegmentSize int64  `yaml:"segment_size"`
}

type Outbox struct {
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Kafka struct {
	Brokers      []string `yaml:"brokers"`
	ReportsTopic string   `yaml:"reports_topic"`
	MetricsTopic string   `yaml:"metrics_topic"`
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type GRPC struct {
	// Addr serves the health service; empty disables it.
	Addr string `yaml:"addr"`
	// StaleAfter marks a running instrument NOT_SERVING once its heartbeat
	// is older than this.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type Metrics struct {
	// Addr serves /metrics for prometheus; empty disables it.
	Addr string `yaml:"addr"`
	// PushInterval is how often samples go to the metrics topic.
	PushInterval time.Duration `yaml:"push_interval"`
}

type Router struct {
	MaxRestarts       int           `yaml:"max_restarts"`
	RestartBackoff    time.Duration `yaml:"restart_backoff"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InboxSize         int           `yaml:"inbox_size"`
}

// Default returns a configuration with every tunable at its default.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads a YAML file and fills unset fields with defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Instruments {
		if c.Instruments[i].MaxDepth <= 0 {
			c.Instruments[i].MaxDepth = 20
		}
	}
	setInt(&c.Queues.ReaderUnifier, 2048)
	setInt(&c.Queues.UnifierEngine, 2048)
	setInt(&c.Queues.EngineFormatter, 4096)
	setInt(&c.Queues.FormatterWriter, 4096)

	if len(c.Unifier.Priority) == 0 {
		c.Unifier.Priority = []string{"snapshot", "delta", "trade"}
	}
	setInt(&c.Unifier.LagLimit, unifier.DefaultLagLimit)
	setDur(&c.Unifier.StallTimeout, unifier.DefaultStallTimeout)

	if c.Engine.GapThreshold == 0 {
		c.Engine.GapThreshold = 10
	}
	setInt(&c.Engine.ReorderWindow, 10)
	setInt(&c.Engine.SampleEvery, 1)
	setInt(&c.Engine.GapHistory, 1024)

	setStr(&c.Checkpoint.Dir, "./data/checkpoints")
	setDur(&c.Checkpoint.Interval, 5*time.Minute)
	if c.Checkpoint.EveryEvents == 0 {
		c.Checkpoint.EveryEvents = 1_000_000
	}
	setInt(&c.Checkpoint.Retain, 5)

	setFloat(&c.Memory.Soft, 0.85)
	setFloat(&c.Memory.Hard, 0.95)
	setDur(&c.Memory.SampleInterval, time.Second)

	setFloat(&c.Governor.HighWater, 0.8)
	setFloat(&c.Governor.LowWater, 0.5)
	setDur(&c.Governor.Sustain, 2*time.Second)
	setFloat(&c.Governor.ThrottleRate, 50_000)
	setDur(&c.Governor.Tick, 100*time.Millisecond)
	setDur(&c.Governor.DrainTimeout, 10*time.Second)

	setStr(&c.Store.Dir, "./data/events")
	setInt(&c.Store.BlockRows, 4096)
	setStr(&c.Spill.Dir, "./data/spill")
	setStr(&c.Journal.Dir, "./data/journal")
	if c.Journal.SegmentSize == 0 {
		c.Journal.SegmentSize = 64 << 20
	}
	setStr(&c.Outbox.Dir, "./data/outbox")
	setDur(&c.Outbox.PollInterval, 250*time.Millisecond)
	setStr(&c.Kafka.ReportsTopic, "recon.reports")
	setStr(&c.Kafka.MetricsTopic, "recon.metrics")

	setStr(&c.GRPC.Addr, ":50051")
	setDur(&c.GRPC.StaleAfter, 30*time.Second)
	setDur(&c.Metrics.PushInterval, 10*time.Second)

	setInt(&c.Router.MaxRestarts, 3)
	setDur(&c.Router.RestartBackoff, time.Second)
	setDur(&c.Router.HeartbeatInterval, time.Second)
	setInt(&c.Router.InboxSize, 64)
}

var ErrInvalid = errors.New("config: invalid")

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Instruments))
	for _, in := range c.Instruments {
		if in.Symbol == "" {
			return fmt.Errorf("%w: instrument without symbol", ErrInvalid)
		}
		if seen[in.Symbol] {
			return fmt.Errorf("%w: instrument %s listed twice", ErrInvalid, in.Symbol)
		}
		seen[in.Symbol] = true
	}
	if _, err := c.Codec(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := unifier.ParsePriority(c.Unifier.Priority); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m := c.Memory
	if m.Soft <= 0 || m.Hard > 1 || m.Soft >= m.Hard {
		return fmt.Errorf("%w: memory thresholds soft=%v hard=%v", ErrInvalid, m.Soft, m.Hard)
	}
	g := c.Governor
	if g.LowWater <= 0 || g.HighWater > 1 || g.LowWater >= g.HighWater {
		return fmt.Errorf("%w: governor water marks low=%v high=%v", ErrInvalid, g.LowWater, g.HighWater)
	}
	if c.Checkpoint.Retain < 1 {
		return fmt.Errorf("%w: checkpoint.retain must be at least 1", ErrInvalid)
	}
	return nil
}

// Codec builds the precision codec for all configured instruments.
func (c *Config) Codec() (*precision.Codec, error) {
	scales := make([]precision.Scale, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		scales = append(scales, in.Scale())
	}
	return precision.NewCodec(scales...)
}

func (in Instrument) Scale() precision.Scale {
	return precision.Scale{
		Symbol:           in.Symbol,
		PriceDecimals:    in.PriceDecimals,
		QuantityDecimals: in.QuantityDecimals,
		AllowTruncation:  in.AllowTruncation,
	}
}

// Symbols lists the configured instruments in file order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		out = append(out, in.Symbol)
	}
	return out
}

func (c *Config) Instrument(symbol string) (Instrument, bool) {
	for _, in := range c.Instruments {
		if in.Symbol == symbol {
			return in, true
		}
	}
	return Instrument{}, false
}

func (c *Config) UnifierConfig() unifier.Config {
	p, _ := unifier.ParsePriority(c.Unifier.Priority)
	return unifier.Config{Priority: p, LagLimit: c.Unifier.LagLimit, StallTimeout: c.Unifier.StallTimeout}
}

func (c *Config) EngineConfig(in Instrument) engine.Config {
	return engine.Config{
		Instrument:    in.Symbol,
		MaxDepth:      in.MaxDepth,
		GapThreshold:  c.Engine.GapThreshold,
		ReorderWindow: c.Engine.ReorderWindow,
		SampleEvery:   c.Engine.SampleEvery,
		EmitDepth:     c.Engine.EmitDepth,
		GapHistory:    c.Engine.GapHistory,
	}
}

func setInt(p *int, v int) {
	if *p <= 0 {
		*p = v
	}
}

func setFloat(p *float64, v float64) {
	if *p <= 0 {
		*p = v
	}
}

func setDur(p *time.Duration, v time.Duration) {
	if *p <= 0 {
		*p = v
	}
}

func setStr(p *string, v string) {
	if *p == "" {
		*p = v
	}
}
