package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"recon/api/grpcserver"
	"recon/checkpoint"
	"recon/config"
	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/eventstore"
	"recon/infra/kafka"
	"recon/infra/memory"
	"recon/infra/metrics"
	"recon/infra/reader"
	"recon/infra/spill"
	exitwal "recon/infra/wal/exit"
	"recon/jobs/broadcaster"
	"recon/service/pipeline"
	"recon/service/router"
)

func runCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Reconstruct every configured instrument from its input files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
}

// app holds what every instrument attempt shares.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	codec    *precision.Codec
	outbox   *exitwal.ExitWAL
	mem      *memory.Monitor
	sink     metrics.Sink
	registry *prometheus.Registry
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if len(cfg.Instruments) == 0 {
		return errors.New("no instruments configured")
	}
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}
	codec.OnTruncate(func(w *precision.TruncationWarning) {
		log.Warn().Str("instrument", w.Instrument).Str("field", w.Field.String()).Str("input", w.Input).Msg("value truncated")
	})

	// background services outlive the input and stop after the router
	bgCtx, stopBg := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBg()
	var bg sync.WaitGroup

	sampler, err := memory.NewProcSampler()
	if err != nil {
		return fmt.Errorf("memory sampler: %w", err)
	}
	mon, err := memory.NewMonitor(memory.Config{
		LimitBytes:     cfg.Memory.LimitBytes,
		Soft:           cfg.Memory.Soft,
		Hard:           cfg.Memory.Hard,
		SampleInterval: cfg.Memory.SampleInterval,
	}, sampler, log.With().Str("component", "memory").Logger())
	if err != nil {
		return err
	}
	bg.Add(1)
	go func() { defer bg.Done(); mon.Run(bgCtx) }()

	outbox, err := exitwal.Open(cfg.Outbox.Dir)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	defer outbox.Close()

	a := &app{
		cfg:      cfg,
		log:      log,
		codec:    codec,
		outbox:   outbox,
		mem:      mon,
		sink:     metrics.NopSink{},
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Kafka.Enabled() {
		producer, err := broadcaster.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		bc := broadcaster.New(outbox, producer, broadcaster.Config{
			Topic:        cfg.Kafka.ReportsTopic,
			PollInterval: cfg.Outbox.PollInterval,
		}, log)
		defer bc.Close()
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := bc.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("broadcaster stopped")
			}
		}()

		sink := kafka.NewSampleSink(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.MetricsTopic), "metrics", log)
		defer sink.Close()
		a.sink = sink
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	rt, err := router.New(router.Config{
		Instruments:    cfg.Symbols(),
		JournalDir:     cfg.Journal.Dir,
		SegmentSize:    cfg.Journal.SegmentSize,
		MaxRestarts:    cfg.Router.MaxRestarts,
		RestartBackoff: cfg.Router.RestartBackoff,
		InboxSize:      cfg.Router.InboxSize,
	}, a.newInstance, log)
	if err != nil {
		return err
	}

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		hs := grpcserver.New(grpcserver.Config{
			StaleAfter: cfg.GRPC.StaleAfter,
			Interval:   cfg.Router.HeartbeatInterval,
		}, log)
		rt.OnHealth(hs.Update)
		go func() {
			if err := hs.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc server stopped")
			}
		}()
		bg.Add(1)
		go func() { defer bg.Done(); hs.Monitor(bgCtx, rt) }()
		defer hs.Stop()
	}

	rt.Start(ctx)
	feedErr := feedInputs(ctx, rt, cfg, log)
	rt.Close()
	rt.Wait()

	stopBg()
	bg.Wait()

	st := rt.Stats()
	log.Info().
		Uint64("chunks", st.Chunks).
		Uint64("rows", st.Rows).
		Uint64("dropped", st.Dropped).
		Uint64("duplicates", st.Duplicates).
		Msg("run finished")

	var failed []string
	for _, h := range rt.Health() {
		if h.State == router.Failed {
			failed = append(failed, h.Instrument)
		}
	}
	if len(failed) > 0 {
		feedErr = errors.Join(feedErr, fmt.Errorf("instruments failed: %v", failed))
	}
	if errors.Is(feedErr, context.Canceled) {
		return nil
	}
	return feedErr
}

// instance is one attempt at an instrument. It owns the per-attempt stores.
type instance struct {
	*pipeline.Pipeline
	store *eventstore.Writer
	spill *spill.Store
}

func (i *instance) Run(ctx context.Context) error {
	err := i.Pipeline.Run(ctx)
	i.Pipeline.Close()
	return errors.Join(err, i.store.Close(), i.spill.Close())
}

func (a *app) newInstance(symbol string, sources [record.NumKinds]reader.Source, onCheckpoint func(checkpoint.Position)) (router.Runner, error) {
	in, ok := a.cfg.Instrument(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", router.ErrUnknownInstrument, symbol)
	}
	store, err := eventstore.Open(eventstore.Config{
		Dir:       a.cfg.Store.Dir,
		Scale:     in.Scale(),
		BlockRows: a.cfg.Store.BlockRows,
	}, a.log)
	if err != nil {
		return nil, err
	}
	sp, err := spill.Open(filepath.Join(a.cfg.Spill.Dir, symbol))
	if err != nil {
		store.Close()
		return nil, err
	}
	ckpts, err := checkpoint.NewManager(checkpoint.Config{
		Dir:        a.cfg.Checkpoint.Dir,
		Instrument: symbol,
		Retain:     a.cfg.Checkpoint.Retain,
		MaxDepth:   in.MaxDepth,
	}, a.log.With().Str("component", "checkpoint").Str("instrument", symbol).Logger())
	if err != nil {
		store.Close()
		sp.Close()
		return nil, err
	}
	p, err := pipeline.New(pipelineConfig(&a.cfg, in), pipeline.Deps{
		Sources:      sources,
		Codec:        a.codec,
		Checkpoints:  ckpts,
		Store:        store,
		Spill:        sp,
		Outbox:       a.outbox,
		Memory:       a.mem,
		Sink:         a.sink,
		Registerer:   a.registry,
		OnCheckpoint: onCheckpoint,
		Log:          a.log,
	})
	if err != nil {
		store.Close()
		sp.Close()
		return nil, err
	}
	return &instance{Pipeline: p, store: store, spill: sp}, nil
}

func pipelineConfig(cfg *config.Config, in config.Instrument) pipeline.Config {
	return pipeline.Config{
		Instrument: in.Symbol,
		Queues:     pipeline.Queues(cfg.Queues),
		Unifier:    cfg.UnifierConfig(),
		Engine:     cfg.EngineConfig(in),
		Governor: pipeline.GovernorConfig{
			HighWater:    cfg.Governor.HighWater,
			LowWater:     cfg.Governor.LowWater,
			Sustain:      cfg.Governor.Sustain,
			ThrottleRate: cfg.Governor.ThrottleRate,
		},
		Tick:               cfg.Governor.Tick,
		DrainTimeout:       cfg.Governor.DrainTimeout,
		CheckpointInterval: cfg.Checkpoint.Interval,
		CheckpointEvery:    cfg.Checkpoint.EveryEvents,
		SampleInterval:     cfg.Metrics.PushInterval,
	}
}

// input is one file of one kind. A file listed by several instruments is
// read once and split by its symbol column.
type input struct {
	path    string
	kind    record.Kind
	rows    int
	symbols []string
}

func inputs(cfg *config.Config) []input {
	var out []input
	idx := make(map[string]int)
	add := func(path string, kind record.Kind, in config.Instrument) {
		if path == "" {
			return
		}
		key := kind.String() + "|" + path
		if i, ok := idx[key]; ok {
			out[i].symbols = append(out[i].symbols, in.Symbol)
			return
		}
		idx[key] = len(out)
		out = append(out, input{path: path, kind: kind, rows: in.Inputs.ChunkRows, symbols: []string{in.Symbol}})
	}
	for _, in := range cfg.Instruments {
		add(in.Inputs.Trades, record.KindTrade, in)
		add(in.Inputs.Snapshots, record.KindSnapshot, in)
		add(in.Inputs.Deltas, record.KindDelta, in)
	}
	return out
}

// feedInputs reads every input concurrently; one kind must not wait on
// another since the unifier needs all three.
func feedInputs(ctx context.Context, rt *router.Router, cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, in := range inputs(&cfg) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed(ctx, rt, in); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("input", in.path).Msg("input failed")
				}
				mu.Lock()
				errs = errors.Join(errs, fmt.Errorf("%s: %w", in.path, err))
				mu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()
	return errs
}

func feed(ctx context.Context, rt *router.Router, in input) error {
	symbol := ""
	if len(in.symbols) == 1 {
		symbol = in.symbols[0]
	}
	src, err := reader.OpenJSONLines(in.path, symbol, in.kind, in.rows, nil)
	if err != nil {
		return err
	}
	defer src.Close()
	for {
		c, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := rt.Dispatch(ctx, c); err != nil {
			return err
		}
	}
}
