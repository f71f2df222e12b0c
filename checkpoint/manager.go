package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"recon/domain/orderbook"
)

const (
	filePrefix = "ckpt-"
	fileSuffix = ".bin"
)

type Config struct {
	Dir        string
	Instrument string
	// Retain is how many checkpoints are kept; older ones are deleted.
	Retain   int
	MaxDepth int
}

// Manager writes and recovers the checkpoints of one instrument.
type Manager struct {
	cfg   Config
	dir   string
	runID string
	log   zerolog.Logger

	mu      sync.Mutex
	nextSeq uint64

	corrupt atomic.Uint64
	written atomic.Uint64
}

func NewManager(cfg Config, log zerolog.Logger) (*Manager, error) {
	if cfg.Instrument == "" {
		return nil, errors.New("checkpoint: instrument required")
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 5
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = orderbook.DefaultMaxDepth
	}
	dir := filepath.Join(cfg.Dir, cfg.Instrument)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	m := &Manager{
		cfg:   cfg,
		dir:   dir,
		runID: uuid.NewString(),
		log:   log,
	}
	hs, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(hs) > 0 {
		m.nextSeq = hs[0].Seq
	}
	m.removeTemps()
	return m, nil
}

// RunID identifies this process run in every checkpoint it writes.
func (m *Manager) RunID() string { return m.runID }

func (m *Manager) Dir() string { return m.dir }

// Corruptions counts checkpoint files rejected by Recover.
func (m *Manager) Corruptions() uint64 { return m.corrupt.Load() }

func (m *Manager) Written() uint64 { return m.written.Load() }

// Checkpoint atomically persists s and prunes old checkpoints.
func (m *Manager) Checkpoint(s State) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SchemaVersion = SchemaVersion
	s.Instrument = m.cfg.Instrument
	s.RunID = m.runID
	if s.MaxDepth == 0 {
		s.MaxDepth = m.cfg.MaxDepth
	}
	if s.CreatedAtNs == 0 {
		s.CreatedAtNs = time.Now().UnixNano()
	}
	buf, err := encode(&s)
	if err != nil {
		return Handle{}, err
	}

	seq := m.nextSeq + 1
	path := filepath.Join(m.dir, fileName(seq))
	if err := writeAtomic(m.dir, path, buf); err != nil {
		return Handle{}, fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	m.nextSeq = seq
	m.written.Add(1)

	h := Handle{Path: path, Seq: seq, Size: int64(len(buf)), CreatedAtNs: s.CreatedAtNs}
	m.log.Debug().
		Uint64("seq", seq).
		Uint64("events", s.Position.Events).
		Int("bytes", len(buf)).
		Msg("checkpoint written")

	if err := m.prune(); err != nil {
		m.log.Warn().Err(err).Msg("checkpoint prune failed")
	}
	return h, nil
}

// writeAtomic writes to a temp file, syncs it, renames it into place and
// syncs the directory.
func writeAtomic(dir, path string, buf []byte) error {
	f, err := os.CreateTemp(dir, ".tmp-"+filePrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(buf); err != nil {
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
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (m *Manager) prune() error {
	hs, err := m.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range hs[min(len(hs), m.cfg.Retain):] {
		if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) removeTemps() {
	tmps, _ := filepath.Glob(filepath.Join(m.dir, ".tmp-"+filePrefix+"*"))
	for _, p := range tmps {
		_ = os.Remove(p)
	}
}

// List returns checkpoint handles newest first.
func (m *Manager) List() ([]Handle, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var hs []Handle
	for _, e := range entries {
		seq, ok := parseName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		hs = append(hs, Handle{
			Path:        filepath.Join(m.dir, e.Name()),
			Seq:         seq,
			Size:        info.Size(),
			CreatedAtNs: info.ModTime().UnixNano(),
		})
	}
	slices.SortFunc(hs, func(a, b Handle) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		}
		return 0
	})
	return hs, nil
}

// Load reads and validates one checkpoint file.
func (m *Manager) Load(h Handle) (State, error) {
	b, err := os.ReadFile(h.Path)
	if err != nil {
		return State{}, err
	}
	s, err := decode(b)
	if err != nil {
		return State{}, err
	}
	if s.Instrument != m.cfg.Instrument {
		return State{}, fmt.Errorf("%w: instrument %q in %s", ErrCheckpointCorruption, s.Instrument, h.Path)
	}
	bids, asks := s.Engine.Levels()
	depth := s.MaxDepth
	if depth <= 0 {
		depth = m.cfg.MaxDepth
	}
	if err := orderbook.ValidateLevels(bids, asks, depth); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCheckpointCorruption, err)
	}
	return *s, nil
}

// Recover returns the newest checkpoint that decodes, has a sane book and
// whose position is not behind the next older readable checkpoint.
func (m *Manager) Recover() (State, error) {
	hs, err := m.List()
	if err != nil {
		return State{}, err
	}

	loaded := make([]*State, len(hs))
	load := func(i int) *State {
		if loaded[i] != nil {
			return loaded[i]
		}
		s, err := m.Load(hs[i])
		if err != nil {
			return nil
		}
		loaded[i] = &s
		return loaded[i]
	}

	for i := range hs {
		s := load(i)
		if s == nil {
			m.reject(hs[i], "unreadable")
			continue
		}
		var older *State
		for j := i + 1; j < len(hs) && older == nil; j++ {
			older = load(j)
		}
		if older != nil && s.Position.Before(older.Position) {
			m.reject(hs[i], "position behind older checkpoint")
			continue
		}
		m.log.Info().
			Uint64("seq", hs[i].Seq).
			Str("run_id", s.RunID).
			Uint64("events", s.Position.Events).
			Msg("checkpoint recovered")
		return *s, nil
	}
	return State{}, ErrNoValidCheckpoint
}

func (m *Manager) reject(h Handle, why string) {
	m.corrupt.Add(1)
	m.log.Warn().
		Err(ErrCheckpointCorruption).
		Str("path", h.Path).
		Str("reason", why).
		Msg("checkpoint skipped")
}

func fileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

func parseName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
