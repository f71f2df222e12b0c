package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug"}, &buf)
	require.NoError(t, err)

	Component(l, "engine", "BTC-USD").Debug().Uint64("update_id", 12).Msg("gap")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "BTC-USD", line["instrument"])
	assert.Equal(t, "gap", line["message"])
	assert.EqualValues(t, 12, line["update_id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "WARN"}, &buf)
	require.NoError(t, err)
	l.Info().Msg("quiet")
	assert.Zero(t, buf.Len())
}

func TestBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}
