package codec

import (
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/protocol/tlv"
	"google.golang.org/protobuf/encoding/protowire"
)

// binaryCodec is the protobuf wire encoding. Repeated scalars are written
// unpacked and accepted in both packed and unpacked form.
type binaryCodec struct{}

func (binaryCodec) Format() protocol.Format { return protocol.FormatBinary }

func (c binaryCodec) Encode(set *schema.Set, id uint32, rec schema.Record) ([]byte, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	return c.appendRecord(nil, set, m, rec)
}

func (c binaryCodec) appendRecord(b []byte, set *schema.Set, m *schema.Message, rec schema.Record) ([]byte, error) {
	for i, f := range m.Fields {
		if i >= len(rec) || rec[i] == nil {
			continue
		}
		values := []any{rec[i]}
		if f.Quantifier == schema.Repeated {
			values = rec[i].([]any)
		}
		for _, v := range values {
			var err error
			b, err = c.appendValue(b, set, f, v)
			if err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func (c binaryCodec) appendValue(b []byte, set *schema.Set, f schema.Field, v any) ([]byte, error) {
	switch f.Kind {
	case schema.KindString:
		return tlv.AppendString(b, f.Number, v.(string)), nil
	case schema.KindBytes:
		return tlv.AppendBytes(b, f.Number, v.([]byte)), nil
	case schema.KindBool:
		return tlv.AppendBool(b, f.Number, v.(bool)), nil
	case schema.KindSint32:
		return tlv.AppendSint(b, f.Number, v.(int64)), nil
	case schema.KindInt32, schema.KindInt64:
		return tlv.AppendVarint(b, f.Number, uint64(v.(int64))), nil
	case schema.KindUint32, schema.KindUint64:
		return tlv.AppendVarint(b, f.Number, v.(uint64)), nil
	case schema.KindMessage:
		nested, err := set.Message(f.MessageID)
		if err != nil {
			return nil, err
		}
		body, err := c.appendRecord(nil, set, nested, v.(schema.Record))
		if err != nil {
			return nil, err
		}
		return tlv.AppendBytes(b, f.Number, body), nil
	}
	return b, nil
}

func (c binaryCodec) Decode(set *schema.Set, id uint32, data []byte) (schema.Record, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	return c.decodeRecord(set, m, data)
}

func (c binaryCodec) decodeRecord(set *schema.Set, m *schema.Message, data []byte) (schema.Record, error) {
	fields, err := tlv.DecodeFields(data)
	if err != nil {
		return nil, malformed(m, "%v", err)
	}
	rec := schema.NewRecord(m)
	for _, wf := range fields {
		idx, ok := m.FieldIndex(wf.Number)
		if !ok {
			continue
		}
		f := m.Fields[idx]
		values, err := c.decodeValues(set, m, f, wf)
		if err != nil {
			return nil, err
		}
		if f.Quantifier == schema.Repeated {
			list, _ := rec[idx].([]any)
			rec[idx] = append(list, values...)
			continue
		}
		rec[idx] = values[len(values)-1]
	}
	return rec, nil
}

func (c binaryCodec) decodeValues(set *schema.Set, m *schema.Message, f schema.Field, wf tlv.Field) ([]any, error) {
	want := f.Kind.WireType()
	if wf.WireType == protowire.BytesType && want == protowire.VarintType && f.Quantifier == schema.Repeated {
		return c.decodePacked(m, f, wf.Value)
	}
	if wf.WireType != want {
		return nil, malformed(m, "field %s has wire type %d, want %d", f.Name, wf.WireType, want)
	}
	switch f.Kind {
	case schema.KindString:
		return []any{string(wf.Value)}, nil
	case schema.KindBytes:
		return []any{wf.Value}, nil
	case schema.KindMessage:
		nested, err := set.Message(f.MessageID)
		if err != nil {
			return nil, err
		}
		rec, err := c.decodeRecord(set, nested, wf.Value)
		if err != nil {
			return nil, err
		}
		return []any{rec}, nil
	default:
		return []any{scalarFromVarint(f.Kind, wf.Varint)}, nil
	}
}

func (c binaryCodec) decodePacked(m *schema.Message, f schema.Field, data []byte) ([]any, error) {
	out := make([]any, 0)
	for len(data) > 0 {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, malformed(m, "packed field %s: %v", f.Name, protowire.ParseError(n))
		}
		out = append(out, scalarFromVarint(f.Kind, v))
		data = data[n:]
	}
	return out, nil
}

func scalarFromVarint(kind schema.Kind, v uint64) any {
	switch kind {
	case schema.KindBool:
		return protowire.DecodeBool(v)
	case schema.KindSint32:
		return protowire.DecodeZigZag(v & 0xffffffff)
	case schema.KindInt32:
		return int64(int32(v))
	case schema.KindInt64:
		return int64(v)
	case schema.KindUint32:
		return uint64(uint32(v))
	default:
		return v
	}
}
