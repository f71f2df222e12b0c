package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"recon/domain/record"
	"recon/infra/reader"
	"recon/infra/wal/entry"
)

// originsFile sits next to the journal segments and keeps the input marks of
// records that truncation removed.
const originsFile = "origins.json"

// loadOrigins takes the larger of the saved marks and those of the records
// still in the journal.
func (w *worker) loadOrigins() error {
	b, err := os.ReadFile(filepath.Join(w.journal.Dir(), originsFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		saved := make(map[string]uint64)
		if err := json.Unmarshal(b, &saved); err != nil {
			return fmt.Errorf("%s: %w", originsFile, err)
		}
		for name, v := range saved {
			k, err := record.ParseKind(name)
			if err != nil {
				return fmt.Errorf("%s: %w", originsFile, err)
			}
			w.bumpOrigin(k, v)
		}
	}

	_, err = entry.Replay(w.journal.Dir(), func(rec *entry.Record) error {
		c, err := reader.UnmarshalChunk(rec.Data)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		w.bumpOrigin(c.Kind, c.Origin)
		return nil
	})
	return err
}

func (w *worker) bumpOrigin(k record.Kind, v uint64) {
	if !k.Valid() {
		return
	}
	if m := &w.origins[k]; v > m.Load() {
		m.Store(v)
	}
}

// saveOrigins persists the marks. It must not take w.mu: dispatch may hold
// it while the pipeline that checkpoints is backed up.
func (w *worker) saveOrigins() error {
	marks := make(map[string]uint64, record.NumKinds)
	for k := range w.origins {
		if v := w.origins[k].Load(); v > 0 {
			marks[record.Kind(k).String()] = v
		}
	}
	b, err := json.Marshal(marks)
	if err != nil {
		return err
	}
	dir := w.journal.Dir()
	f, err := os.CreateTemp(dir, ".tmp-origins-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, originsFile))
}
