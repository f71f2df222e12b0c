// Package wal holds the checksummed framing shared by the on-disk logs: the
// input journal, the event store and the spill files.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds a single frame payload.
const MaxFrame = 256 << 20

var (
	// ErrCorrupt is a frame whose checksum or length does not validate.
	ErrCorrupt = errors.New("wal: corrupt frame")
	// ErrTorn is a frame cut short by the end of the file, the usual
	// result of a crash mid-append.
	ErrTorn = errors.New("wal: torn frame")
)

// AppendFrame appends [len:4][payload][crc:4] to dst. The checksum covers
// the length and the payload.
func AppendFrame(dst, payload []byte) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint32(dst, CRC32(dst[start:]))
}

// ReadFrame reads one frame into buf, growing it as needed, and returns the
// payload. A clean end of input is io.EOF.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [4]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, ErrTorn
	}
	l := binary.BigEndian.Uint32(hdr[:])
	if l > MaxFrame {
		return nil, fmt.Errorf("%w: length %d", ErrCorrupt, l)
	}
	need := 4 + int(l) + 4
	if cap(buf) < need {
		buf = make([]byte, need)
	}
	buf = buf[:need]
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, ErrTorn
	}
	sum := binary.BigEndian.Uint32(buf[4+l:])
	if !CRC32Valid(buf[:4+l], sum) {
		return nil, ErrCorrupt
	}
	return buf[4 : 4+l], nil
}
