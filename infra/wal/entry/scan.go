package entry

import (
	"bufio"
	"errors"
	"io"
	"os"

	"recon/domain/record"
	"recon/infra/wal"
)

// scanSegment calls fn for every intact record of a segment and returns the
// byte length of the intact prefix. A torn tail ends the scan without error.
func scanSegment(path string, fn func(*Record) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var valid int64
	for {
		rec, err := readRecord(r)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, wal.ErrTorn):
			return valid, nil
		case err != nil:
			return valid, err
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return valid, err
			}
		}
		valid += rec.size()
	}
}

// segmentCovered reports whether covered holds for every record in path.
func segmentCovered(path string, covered func(record.Kind, uint64) bool) (bool, error) {
	all := true
	_, err := scanSegment(path, func(r *Record) error {
		if !covered(r.Kind, r.Seq) {
			all = false
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return all, err
}

var errStop = errors.New("stop")
