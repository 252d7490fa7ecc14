package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
)

// jsonCodec writes positional arrays: slot i of the array is field i of
// the descriptor. Absent fields are null and trailing nulls are dropped.
type jsonCodec struct{}

func (jsonCodec) Format() protocol.Format { return protocol.FormatJSON }

func (c jsonCodec) Encode(set *schema.Set, id uint32, rec schema.Record) ([]byte, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	tree, err := c.toTree(set, m, rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

func (c jsonCodec) toTree(set *schema.Set, m *schema.Message, rec schema.Record) ([]any, error) {
	last := -1
	for i := range m.Fields {
		if i < len(rec) && rec[i] != nil {
			last = i
		}
	}
	out := make([]any, last+1)
	for i := 0; i <= last; i++ {
		v := rec[i]
		if v == nil {
			continue
		}
		f := m.Fields[i]
		if f.Quantifier == schema.Repeated {
			items := v.([]any)
			list := make([]any, len(items))
			for j, item := range items {
				t, err := c.valueToTree(set, f, item)
				if err != nil {
					return nil, err
				}
				list[j] = t
			}
			out[i] = list
			continue
		}
		t, err := c.valueToTree(set, f, v)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (c jsonCodec) valueToTree(set *schema.Set, f schema.Field, v any) (any, error) {
	switch f.Kind {
	case schema.KindMessage:
		nested, err := set.Message(f.MessageID)
		if err != nil {
			return nil, err
		}
		return c.toTree(set, nested, v.(schema.Record))
	case schema.KindBytes:
		return base64.StdEncoding.EncodeToString(v.([]byte)), nil
	default:
		return v, nil
	}
}

func (c jsonCodec) Decode(set *schema.Set, id uint32, data []byte) (schema.Record, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return schema.NewRecord(m), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, malformed(m, "%v", err)
	}
	if dec.More() {
		return nil, malformed(m, "trailing data")
	}
	return c.fromTree(set, m, tree)
}

func (c jsonCodec) fromTree(set *schema.Set, m *schema.Message, tree any) (schema.Record, error) {
	arr, ok := tree.([]any)
	if !ok {
		return nil, malformed(m, "expected array, got %T", tree)
	}
	rec := schema.NewRecord(m)
	for i, v := range arr {
		if i >= len(m.Fields) {
			// Newer peers may append fields.
			break
		}
		if v == nil {
			continue
		}
		f := m.Fields[i]
		if f.Quantifier == schema.Repeated {
			items, ok := v.([]any)
			if !ok {
				return nil, malformed(m, "field %s: expected array", f.Name)
			}
			list := make([]any, len(items))
			for j, item := range items {
				val, err := c.valueFromTree(set, m, f, item)
				if err != nil {
					return nil, err
				}
				list[j] = val
			}
			rec[i] = list
			continue
		}
		val, err := c.valueFromTree(set, m, f, v)
		if err != nil {
			return nil, err
		}
		rec[i] = val
	}
	return rec, nil
}

func (c jsonCodec) valueFromTree(set *schema.Set, m *schema.Message, f schema.Field, v any) (any, error) {
	switch f.Kind {
	case schema.KindMessage:
		nested, err := set.Message(f.MessageID)
		if err != nil {
			return nil, err
		}
		return c.fromTree(set, nested, v)
	case schema.KindBytes:
		s, ok := v.(string)
		if !ok {
			return nil, malformed(m, "field %s: expected base64 string", f.Name)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, malformed(m, "field %s: %v", f.Name, err)
		}
		return b, nil
	case schema.KindString, schema.KindBool:
		return v, nil
	default:
		n, ok := v.(json.Number)
		if !ok {
			return nil, malformed(m, "field %s: expected number, got %T", f.Name, v)
		}
		if f.Kind.Signed() {
			i, err := n.Int64()
			if err != nil {
				return nil, malformed(m, "field %s: %v", f.Name, err)
			}
			return i, nil
		}
		u, err := parseUint(n.String())
		if err != nil {
			return nil, malformed(m, "field %s: %v", f.Name, err)
		}
		return u, nil
	}
}
