package entry

import (
	"fmt"

	"recon/infra/wal"
)

type ReplayHandler func(*Record) error

// Replay feeds every intact record in dir to fn in journal order and returns
// the last sequence seen. A torn record at the end of the newest segment is
// treated as the end of the journal; anywhere else it is corruption.
func Replay(dir string, fn ReplayHandler) (lastSeq uint64, err error) {
	segs, err := listSegments(dir)
	if err != nil {
		return 0, err
	}
	for i, idx := range segs {
		path := segmentPath(dir, idx)
		valid, err := scanSegment(path, func(rec *Record) error {
			if rec.Seq <= lastSeq {
				return fmt.Errorf("%w: non-monotonic seq %d after %d in %s", wal.ErrCorrupt, rec.Seq, lastSeq, path)
			}
			lastSeq = rec.Seq
			return fn(rec)
		})
		if err != nil {
			return lastSeq, err
		}
		if i < len(segs)-1 {
			if size, err := fileSize(path); err == nil && size != valid {
				return lastSeq, fmt.Errorf("%w: torn record inside %s", wal.ErrCorrupt, path)
			}
		}
	}
	return lastSeq, nil
}
