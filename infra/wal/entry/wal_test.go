package entry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/domain/record"
	"recon/infra/wal"
)

func appendN(t *testing.T, w *WAL, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		kind := record.Kind(seq % record.NumKinds)
		require.NoError(t, w.Append(NewRecord(kind, seq, []byte{byte(seq), 0xab})))
	}
}

func replayAll(t *testing.T, dir string) []*Record {
	t.Helper()
	var got []*Record
	_, err := Replay(dir, func(r *Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 100})
	require.NoError(t, err)
	appendN(t, w, 1, 10)
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(segs), 1, "small segments rotate")

	got := replayAll(t, dir)
	require.Len(t, got, 10)
	for i, r := range got {
		assert.EqualValues(t, i+1, r.Seq)
		assert.Equal(t, record.Kind(r.Seq%record.NumKinds), r.Kind)
		assert.Equal(t, []byte{byte(r.Seq), 0xab}, r.Data)
	}
}

func TestAppendRejectsStaleSeq(t *testing.T) {
	w, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer w.Close()
	appendN(t, w, 1, 3)
	assert.Error(t, w.Append(NewRecord(record.KindTrade, 3, nil)))

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(NewRecord(record.KindTrade, 9, nil)), ErrClosed)
}

func TestReopenRepairsTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	require.NoError(t, w.Close())

	// crash mid-append
	path := segmentPath(dir, 0)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(NewRecord(record.KindDelta, 4, []byte("partial")).encode()[:10])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Len(t, replayAll(t, dir), 3, "torn tail ends replay")

	w2, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	assert.EqualValues(t, 3, w2.LastSeq())
	appendN(t, w2, 4, 5)
	require.NoError(t, w2.Close())

	got := replayAll(t, dir)
	require.Len(t, got, 5)
	assert.EqualValues(t, 5, got[4].Seq)
}

func TestReplayDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	require.NoError(t, w.Close())

	path := segmentPath(dir, 0)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[headerSize] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Replay(dir, func(*Record) error { return nil })
	assert.ErrorIs(t, err, wal.ErrCorrupt)
}

func TestTruncateCovered(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 60})
	require.NoError(t, err)
	defer w.Close()
	appendN(t, w, 1, 9)

	before, err := listSegments(dir)
	require.NoError(t, err)

	n, err := w.TruncateCovered(func(_ record.Kind, seq uint64) bool { return seq <= 4 })
	require.NoError(t, err)
	assert.Positive(t, n)

	after, err := listSegments(dir)
	require.NoError(t, err)
	assert.Len(t, after, len(before)-n)

	got := replayAll(t, dir)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, got[0].Seq, uint64(5), "uncovered chunks survive")
	assert.EqualValues(t, 9, got[len(got)-1].Seq)

	// nothing is covered by a kind that was never applied
	n, err = w.TruncateCovered(func(k record.Kind, seq uint64) bool { return k != record.KindTrade })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTruncateKeepsLastSeqAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 1})
	require.NoError(t, err)
	appendN(t, w, 1, 4)

	n, err := w.TruncateCovered(func(record.Kind, uint64) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, w.Close())

	w, err = Open(Config{Dir: dir, SegmentSize: 1})
	require.NoError(t, err)
	defer w.Close()
	assert.EqualValues(t, 4, w.LastSeq())
}
