package eventstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SchemaVersion of the block layout.
const SchemaVersion = 1

// Meta is the first frame of every part file.
type Meta struct {
	SchemaVersion    uint32
	Instrument       string
	PriceDecimals    int32
	QuantityDecimals int32
	CreatedAtNs      int64
}

func (m *Meta) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SchemaVersion))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Instrument)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.PriceDecimals)))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.QuantityDecimals)))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAtNs))
	return b
}

func unmarshalMeta(b []byte) (Meta, error) {
	var m Meta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Meta{}, fmt.Errorf("eventstore: meta: %v", protowire.ParseError(n))
		}
		b = b[n:]
		var v uint64
		switch {
		case num == 2 && typ == protowire.BytesType:
			m.Instrument, n = protowire.ConsumeString(b)
		case typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case 1:
				m.SchemaVersion = uint32(v)
			case 3:
				m.PriceDecimals = int32(protowire.DecodeZigZag(v))
			case 4:
				m.QuantityDecimals = int32(protowire.DecodeZigZag(v))
			case 5:
				m.CreatedAtNs = protowire.DecodeZigZag(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Meta{}, fmt.Errorf("eventstore: meta: %v", protowire.ParseError(n))
		}
		b = b[n:]
	}
	if m.SchemaVersion != SchemaVersion {
		return Meta{}, fmt.Errorf("eventstore: schema version %d, want %d", m.SchemaVersion, SchemaVersion)
	}
	return m, nil
}
