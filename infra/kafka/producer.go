// Package kafka pushes metric samples to a topic through a circuit breaker,
// so a broker outage degrades to dropped samples instead of a stalled
// pipeline.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"recon/infra/metrics"
)

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// SampleSink implements metrics.Sink.
type SampleSink struct {
	w   MessageWriter
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

func NewSampleSink(w MessageWriter, name string, log zerolog.Logger) *SampleSink {
	st := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
	s := &SampleSink{w: w, log: log.With().Str("component", "metrics_sink").Logger()}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		s.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state")
	}
	s.cb = gobreaker.NewCircuitBreaker(st)
	return s
}

// Publish writes one message per sample keyed by instrument. While the
// breaker is open it fails fast with gobreaker.ErrOpenState.
func (s *SampleSink) Publish(ctx context.Context, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(samples))
	for _, sm := range samples {
		v, err := json.Marshal(sm)
		if err != nil {
			return fmt.Errorf("kafka: encode sample: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(sm.Instrument), Value: v})
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.w.WriteMessages(ctx, msgs...)
	})
	return err
}

func (s *SampleSink) State() gobreaker.State { return s.cb.State() }

func (s *SampleSink) Close() error {
	return s.w.Close()
}
