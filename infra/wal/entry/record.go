// Package entry is the input journal: every sub-chunk routed to an
// instrument is appended here before its worker sees it, so a restarted
// worker can replay what it had not yet checkpointed.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"recon/domain/record"
	"recon/infra/wal"
)

// Record frame: [kind:1][seq:8][time:8][len:4][payload][crc:4]
const headerSize = 21

type Record struct {
	Kind record.Kind
	// Seq is the chunk sequence, monotonic within one journal.
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(kind record.Kind, seq uint64, data []byte) *Record {
	return &Record{
		Kind: kind,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}

func (r *Record) size() int64 { return int64(headerSize + len(r.Data) + 4) }

func (r *Record) encode() []byte {
	n := uint32(len(r.Data))
	buf := make([]byte, headerSize+n+4)
	buf[0] = byte(r.Kind)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], n)
	copy(buf[headerSize:], r.Data)
	binary.BigEndian.PutUint32(buf[headerSize+n:], wal.CRC32(buf[:headerSize+n]))
	return buf
}

// readRecord returns io.EOF at a clean end, wal.ErrTorn for a record cut
// short and wal.ErrCorrupt when the checksum fails.
func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, headerSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, wal.ErrTorn
	}
	l := binary.BigEndian.Uint32(header[17:21])
	if l > wal.MaxFrame {
		return nil, fmt.Errorf("%w: length %d", wal.ErrCorrupt, l)
	}
	buf := make([]byte, headerSize+l+4)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[headerSize:]); err != nil {
		return nil, wal.ErrTorn
	}
	if !wal.CRC32Valid(buf[:headerSize+l], binary.BigEndian.Uint32(buf[headerSize+l:])) {
		return nil, wal.ErrCorrupt
	}
	kind := record.Kind(header[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %d", wal.ErrCorrupt, header[0])
	}
	return &Record{
		Kind: kind,
		Seq:  binary.BigEndian.Uint64(header[1:9]),
		Time: int64(binary.BigEndian.Uint64(header[9:17])),
		Data: buf[headerSize : headerSize+l],
	}, nil
}
