package eventstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"recon/domain/record"
	"recon/infra/wal"
)

const partPattern = "part-%06d.evt"

// partitionDir is <root>/<instrument>/dt=YYYYMMDD/hh=HH for the UTC hour of ts.
func partitionDir(root, instrument string, ts int64) string {
	t := time.Unix(0, ts).UTC()
	return filepath.Join(root, instrument, "dt="+t.Format("20060102"), "hh="+t.Format("15"))
}

// Files lists the part files of one instrument in write order.
func Files(root, instrument string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(root, instrument, "dt=*", "hh=*", "part-*.evt"))
	if err != nil {
		return nil, err
	}
	// zero padded names sort chronologically
	slices.Sort(files)
	return files, nil
}

func partIndex(path string) int {
	var n int
	if _, err := fmt.Sscanf(filepath.Base(path), partPattern, &n); err != nil {
		return -1
	}
	return n
}

// ReadFile calls fn for every block of one part file. A torn final frame is
// treated as the end of the file.
func ReadFile(path string, fn func(Meta, []record.Event) error) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 256*1024)

	payload, err := wal.ReadFrame(r, nil)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, wal.ErrTorn) {
			return Meta{}, nil
		}
		return Meta{}, fmt.Errorf("eventstore: %s: %w", path, err)
	}
	meta, err := unmarshalMeta(payload)
	if err != nil {
		return Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	for {
		payload, err = wal.ReadFrame(r, nil)
		if errors.Is(err, io.EOF) || errors.Is(err, wal.ErrTorn) {
			return meta, nil
		}
		if err != nil {
			return meta, fmt.Errorf("eventstore: %s: %w", path, err)
		}
		events, err := DecodeBlock(payload)
		if err != nil {
			return meta, fmt.Errorf("%s: %w", path, err)
		}
		if err := fn(meta, events); err != nil {
			return meta, err
		}
	}
}

// Scan calls fn for every stored event of instrument in write order.
func Scan(root, instrument string, fn func(record.Event) error) error {
	files, err := Files(root, instrument)
	if err != nil {
		return err
	}
	for _, path := range files {
		_, err := ReadFile(path, func(_ Meta, events []record.Event) error {
			for _, ev := range events {
				if err := fn(ev); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// LastPosition returns the highest position persisted for instrument.
func LastPosition(root, instrument string) (pos uint64, found bool, err error) {
	files, err := Files(root, instrument)
	if err != nil {
		return 0, false, err
	}
	// the newest file may hold only a meta frame
	for i := len(files) - 1; i >= 0 && !found; i-- {
		_, err := ReadFile(files[i], func(_ Meta, events []record.Event) error {
			for _, ev := range events {
				if !found || ev.Position > pos {
					pos, found = ev.Position, true
				}
			}
			return nil
		})
		if err != nil {
			return 0, false, err
		}
	}
	return pos, found, nil
}
