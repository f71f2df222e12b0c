package reader

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"recon/domain/record"
)

// Chunk wire format, protobuf compatible:
//
//	message Chunk  { uint64 seq = 1; string symbol = 2; uint32 kind = 3; repeated Column columns = 4; uint64 origin = 5; }
//	message Column { string name = 1; repeated string cells = 2; }
const (
	fieldSeq     protowire.Number = 1
	fieldSymbol  protowire.Number = 2
	fieldKind    protowire.Number = 3
	fieldColumn  protowire.Number = 4
	fieldOrigin  protowire.Number = 5
	fieldColName protowire.Number = 1
	fieldColCell protowire.Number = 2
)

var errWire = errors.New("chunk: malformed wire data")

// MarshalChunk encodes c with columns in name order so equal chunks encode
// to equal bytes.
func MarshalChunk(b []byte, c *Chunk) []byte {
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Seq)
	b = protowire.AppendTag(b, fieldSymbol, protowire.BytesType)
	b = protowire.AppendString(b, c.Symbol)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))

	names := make([]string, 0, len(c.Columns))
	for name := range c.Columns {
		names = append(names, name)
	}
	slices.Sort(names)

	var col []byte
	for _, name := range names {
		col = col[:0]
		col = protowire.AppendTag(col, fieldColName, protowire.BytesType)
		col = protowire.AppendString(col, name)
		for _, cell := range c.Columns[name] {
			col = protowire.AppendTag(col, fieldColCell, protowire.BytesType)
			col = protowire.AppendString(col, cell)
		}
		b = protowire.AppendTag(b, fieldColumn, protowire.BytesType)
		b = protowire.AppendBytes(b, col)
	}
	if c.Origin != 0 {
		b = protowire.AppendTag(b, fieldOrigin, protowire.VarintType)
		b = protowire.AppendVarint(b, c.Origin)
	}
	return b
}

func UnmarshalChunk(b []byte) (Chunk, error) {
	c := Chunk{Columns: make(map[string][]string)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Chunk{}, fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			c.Seq, n = protowire.ConsumeVarint(b)
		case num == fieldSymbol && typ == protowire.BytesType:
			c.Symbol, n = protowire.ConsumeString(b)
		case num == fieldKind && typ == protowire.VarintType:
			var k uint64
			k, n = protowire.ConsumeVarint(b)
			c.Kind = record.Kind(k)
		case num == fieldOrigin && typ == protowire.VarintType:
			c.Origin, n = protowire.ConsumeVarint(b)
		case num == fieldColumn && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				if err := unmarshalColumn(v, c.Columns); err != nil {
					return Chunk{}, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Chunk{}, fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if !c.Kind.Valid() {
		return Chunk{}, fmt.Errorf("%w: kind %d", errWire, c.Kind)
	}
	return c, nil
}

func unmarshalColumn(b []byte, cols map[string][]string) error {
	var (
		name  string
		cells []string
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldColName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == fieldColCell && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			cells = append(cells, s)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", errWire, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if cells == nil {
		cells = []string{}
	}
	cols[name] = cells
	return nil
}
