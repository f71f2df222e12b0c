package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var b []byte
	b = AppendFrame(b, []byte("alpha"))
	b = AppendFrame(b, nil)
	b = AppendFrame(b, []byte("gamma"))

	r := bytes.NewReader(b)
	var got []string
	for {
		p, err := ReadFrame(r, nil)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(p))
	}
	assert.Equal(t, []string{"alpha", "", "gamma"}, got)
}

func TestFrameTornAndCorrupt(t *testing.T) {
	b := AppendFrame(nil, []byte("payload"))

	_, err := ReadFrame(bytes.NewReader(b[:len(b)-2]), nil)
	assert.ErrorIs(t, err, ErrTorn)
	_, err = ReadFrame(bytes.NewReader(b[:2]), nil)
	assert.ErrorIs(t, err, ErrTorn)

	bad := bytes.Clone(b)
	bad[6] ^= 1
	_, err = ReadFrame(bytes.NewReader(bad), nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}
