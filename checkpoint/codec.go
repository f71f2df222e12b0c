package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
)

var magic = [4]byte{'R', 'C', 'K', 'P'}

// header: [magic:4][version:2][len:4]
const headerSize = 4 + 2 + 4

// encode frames a state as [magic][version][len][gob payload][crc32].
// The checksum covers version, length and payload.
func encode(s *State) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(s); err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	n := payload.Len()
	buf := make([]byte, headerSize+n+4)
	copy(buf[:4], magic[:])
	binary.BigEndian.PutUint16(buf[4:6], SchemaVersion)
	binary.BigEndian.PutUint32(buf[6:10], uint32(n))
	copy(buf[headerSize:], payload.Bytes())
	binary.BigEndian.PutUint32(buf[headerSize+n:], crc32.ChecksumIEEE(buf[4:headerSize+n]))
	return buf, nil
}

func decode(b []byte) (*State, error) {
	if len(b) < headerSize+4 {
		return nil, fmt.Errorf("%w: short file (%d bytes)", ErrCheckpointCorruption, len(b))
	}
	if !bytes.Equal(b[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCheckpointCorruption)
	}
	version := binary.BigEndian.Uint16(b[4:6])
	n := int(binary.BigEndian.Uint32(b[6:10]))
	if len(b) != headerSize+n+4 {
		return nil, fmt.Errorf("%w: length %d does not match file size %d", ErrCheckpointCorruption, n, len(b))
	}
	want := binary.BigEndian.Uint32(b[headerSize+n:])
	if got := crc32.ChecksumIEEE(b[4 : headerSize+n]); got != want {
		return nil, fmt.Errorf("%w: crc %08x != %08x", ErrCheckpointCorruption, got, want)
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrCheckpointCorruption, version, SchemaVersion)
	}

	var s State
	if err := gob.NewDecoder(bytes.NewReader(b[headerSize : headerSize+n])).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorruption, err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: payload schema version %d", ErrCheckpointCorruption, s.SchemaVersion)
	}
	return &s, nil
}
