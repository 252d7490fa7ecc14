// Package tlv holds protobuf wire-format field primitives shared by the
// STP/1 envelope and the binary payload codec.
package tlv

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrWireType         = errors.New("tlv: unexpected wire type")
	ErrGroupUnsupported = errors.New("tlv: group wire type unsupported")
)

// Field is one decoded protobuf field. Varint holds varint and fixed
// values; Value holds length-delimited bytes.
type Field struct {
	Number   protowire.Number
	WireType protowire.Type
	Varint   uint64
	Value    []byte
}

// Uint returns the numeric value of varint and fixed fields.
func (f Field) Uint() (uint64, error) {
	switch f.WireType {
	case protowire.VarintType, protowire.Fixed32Type, protowire.Fixed64Type:
		return f.Varint, nil
	default:
		return 0, fmt.Errorf("%w: field %d is %d", ErrWireType, f.Number, f.WireType)
	}
}

// Bytes returns the value of a length-delimited field.
func (f Field) Bytes() ([]byte, error) {
	if f.WireType != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is %d", ErrWireType, f.Number, f.WireType)
	}
	return f.Value, nil
}

// AppendVarint appends a varint field.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool as a varint field.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendVarint(b, num, protowire.EncodeBool(v))
}

// AppendSint appends a zigzag-encoded signed varint field.
func AppendSint(b []byte, num protowire.Number, v int64) []byte {
	return AppendVarint(b, num, protowire.EncodeZigZag(v))
}

// AppendBytes appends a length-delimited field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString appends a length-delimited string field.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// DecodeFields splits payload into fields. Unknown numbers are kept in
// order so callers can skip or preserve them.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrShortFieldHeader, protowire.ParseError(n))
		}
		payload = payload[n:]
		f := Field{Number: num, WireType: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrShortFieldValue, protowire.ParseError(m))
			}
			f.Varint = v
			n = m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrShortFieldValue, protowire.ParseError(m))
			}
			f.Varint = uint64(v)
			n = m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrShortFieldValue, protowire.ParseError(m))
			}
			f.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(payload)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrShortFieldValue, protowire.ParseError(m))
			}
			f.Value = append([]byte(nil), v...)
			n = m
		default:
			return nil, fmt.Errorf("%w: field %d", ErrGroupUnsupported, num)
		}
		payload = payload[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// GetField returns the last occurrence of num, matching protobuf
// last-one-wins semantics for scalar fields.
func GetField(fields []Field, num protowire.Number) (Field, bool) {
	found := false
	var out Field
	for _, f := range fields {
		if f.Number == num {
			out = f
			found = true
		}
	}
	return out, found
}

// GetAll returns every occurrence of num in wire order.
func GetAll(fields []Field, num protowire.Number) []Field {
	out := make([]Field, 0)
	for _, f := range fields {
		if f.Number == num {
			out = append(out, f)
		}
	}
	return out
}
