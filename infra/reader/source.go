package reader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"recon/domain/record"
	"recon/infra/sequence"
)

// ChanSource adapts a channel of chunks, e.g. one fed by the router.
type ChanSource <-chan Chunk

func (s ChanSource) Next(ctx context.Context) (Chunk, error) {
	select {
	case c, ok := <-s:
		if !ok {
			return Chunk{}, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// DefaultChunkRows is how many JSON lines go into one chunk.
const DefaultChunkRows = 4096

// JSONLinesSource reads newline-delimited JSON objects, one row per line,
// and groups them into chunks. Numbers keep their exact decimal text.
type JSONLinesSource struct {
	sc     *bufio.Scanner
	closer io.Closer
	symbol string
	kind   record.Kind
	rows   int
	seq    *sequence.Sequencer
	line   int
}

func NewJSONLines(r io.Reader, symbol string, kind record.Kind, rows int, seq *sequence.Sequencer) *JSONLinesSource {
	if rows <= 0 || rows > sequence.MaxRows {
		rows = DefaultChunkRows
	}
	if seq == nil {
		seq = sequence.New(0)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	s := &JSONLinesSource{sc: sc, symbol: symbol, kind: kind, rows: rows, seq: seq}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func OpenJSONLines(path, symbol string, kind record.Kind, rows int, seq *sequence.Sequencer) (*JSONLinesSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewJSONLines(f, symbol, kind, rows, seq), nil
}

func (s *JSONLinesSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	cols := make(map[string][]string)
	n := 0
	for n < s.rows && s.sc.Scan() {
		s.line++
		b := s.sc.Bytes()
		if len(b) == 0 {
			continue
		}
		row, err := decodeRow(b)
		if err != nil {
			return Chunk{}, fmt.Errorf("jsonl line %d: %w", s.line, err)
		}
		for k, v := range row {
			col, ok := cols[k]
			if !ok {
				col = make([]string, n, s.rows)
			}
			cols[k] = append(col, v)
		}
		n++
		for k, col := range cols {
			if len(col) < n {
				cols[k] = append(col, "")
			}
		}
	}
	if err := s.sc.Err(); err != nil {
		return Chunk{}, err
	}
	if n == 0 {
		return Chunk{}, io.EOF
	}
	seq := s.seq.Next()
	return Chunk{Seq: seq, Origin: seq, Symbol: s.symbol, Kind: s.kind, Columns: cols}, nil
}

func (s *JSONLinesSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

var errNotObject = errors.New("row is not a JSON object")

func decodeRow(b []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errNotObject
	}
	row := make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := cellText(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		row[k] = s
	}
	return row, nil
}

// cellText keeps numbers as written so decimals are never routed through float64.
func cellText(v json.RawMessage) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	switch v[0] {
	case '"':
		var s string
		err := json.Unmarshal(v, &s)
		return s, err
	case 'n':
		return "", nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case '{', '[':
		return "", fmt.Errorf("nested value %s", v)
	default:
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}
