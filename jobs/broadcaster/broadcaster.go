// Package broadcaster publishes the report outbox to Kafka.
package broadcaster

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	exitwal "recon/infra/wal/exit"
)

// DefaultMaxRetries is how many publish attempts an entry gets before it is
// marked FAILED and left in the outbox for inspection.
const DefaultMaxRetries = 10

type Config struct {
	Topic        string
	PollInterval time.Duration
	MaxRetries   uint32
}

type Broadcaster struct {
	cfg      Config
	outbox   *exitwal.ExitWAL
	producer sarama.SyncProducer
	log      zerolog.Logger
}

// NewProducer builds the synchronous producer used in production.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return sarama.NewSyncProducer(brokers, cfg)
}

func New(outbox *exitwal.ExitWAL, producer sarama.SyncProducer, cfg Config, log zerolog.Logger) *Broadcaster {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Broadcaster{
		cfg:      cfg,
		outbox:   outbox,
		producer: producer,
		log:      log.With().Str("component", "broadcaster").Logger(),
	}
}

// Run publishes pending entries every poll interval until ctx ends, then
// makes one last pass.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info().Str("topic", b.cfg.Topic).Msg("started")
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := b.ReplayOnce(); err != nil {
				b.log.Warn().Err(err).Msg("final pass incomplete")
			}
			return nil
		case <-ticker.C:
			if _, err := b.ReplayOnce(); err != nil {
				b.log.Debug().Err(err).Msg("pass stopped")
			}
		}
	}
}

var errStopPass = errors.New("broadcaster: send failed")

// ReplayOnce sends every pending entry in order. It stops at the first send
// failure so entries are never published out of order.
func (b *Broadcaster) ReplayOnce() (int, error) {
	sent := 0
	err := b.outbox.ScanPending(func(rec *exitwal.ExitRecord) error {
		if rec.Retries >= b.cfg.MaxRetries {
			b.log.Error().Uint64("seq", rec.Seq).Uint32("retries", rec.Retries).Msg("report abandoned")
			return b.outbox.MarkFailed(rec.Seq)
		}
		if err := b.outbox.MarkSent(rec.Seq); err != nil {
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: b.cfg.Topic,
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if len(rec.Key) > 0 {
			msg.Key = sarama.ByteEncoder(rec.Key)
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			b.log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("send failed, will retry")
			return errStopPass
		}
		sent++
		return b.outbox.MarkAcked(rec.Seq)
	})
	if errors.Is(err, errStopPass) {
		return sent, err
	}
	if err != nil {
		return sent, err
	}
	if _, err := b.outbox.TruncateAcked(); err != nil {
		return sent, err
	}
	return sent, nil
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
