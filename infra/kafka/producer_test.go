package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/infra/metrics"
)

type fakeWriter struct {
	fail   error
	calls  int
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestSampleSinkPublishes(t *testing.T) {
	w := &fakeWriter{}
	s := NewSampleSink(w, "test", zerolog.Nop())
	err := s.Publish(context.Background(), []metrics.Sample{
		{Instrument: "BTC-USD", Name: "gaps", Value: 2, AtNs: 5},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "BTC-USD", string(w.msgs[0].Key))

	var got metrics.Sample
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "gaps", got.Name)
	assert.EqualValues(t, 2, got.Value)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestSampleSinkBreakerOpens(t *testing.T) {
	w := &fakeWriter{fail: errors.New("broker down")}
	s := NewSampleSink(w, "test", zerolog.Nop())
	batch := []metrics.Sample{{Instrument: "BTC-USD", Name: "events", Value: 1}}

	for i := 0; i < 3; i++ {
		assert.Error(t, s.Publish(context.Background(), batch))
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	err := s.Publish(context.Background(), batch)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, w.calls, "open breaker does not reach the broker")
}
