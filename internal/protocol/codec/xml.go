package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
)

// xmlCodec writes <MessageName><field>value</field>...</MessageName>.
// Repeated fields repeat the element; nested messages nest their fields
// directly inside the field element.
type xmlCodec struct{}

func (xmlCodec) Format() protocol.Format { return protocol.FormatXML }

func (c xmlCodec) Encode(set *schema.Set, id uint32, rec schema.Record) ([]byte, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{Name: xml.Name{Local: m.Name}}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	if err := c.encodeFields(enc, set, m, rec); err != nil {
		return nil, err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c xmlCodec) encodeFields(enc *xml.Encoder, set *schema.Set, m *schema.Message, rec schema.Record) error {
	for i, f := range m.Fields {
		if i >= len(rec) || rec[i] == nil {
			continue
		}
		values := []any{rec[i]}
		if f.Quantifier == schema.Repeated {
			values = rec[i].([]any)
		}
		for _, v := range values {
			if err := c.encodeValue(enc, set, f, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c xmlCodec) encodeValue(enc *xml.Encoder, set *schema.Set, f schema.Field, v any) error {
	start := xml.StartElement{Name: xml.Name{Local: f.Name}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	switch f.Kind {
	case schema.KindMessage:
		nested, err := set.Message(f.MessageID)
		if err != nil {
			return err
		}
		if err := c.encodeFields(enc, set, nested, v.(schema.Record)); err != nil {
			return err
		}
	default:
		if err := enc.EncodeToken(xml.CharData(scalarText(f.Kind, v))); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func scalarText(kind schema.Kind, v any) string {
	switch kind {
	case schema.KindString:
		return v.(string)
	case schema.KindBytes:
		return base64.StdEncoding.EncodeToString(v.([]byte))
	case schema.KindBool:
		return strconv.FormatBool(v.(bool))
	default:
		if kind.Signed() {
			return strconv.FormatInt(v.(int64), 10)
		}
		return strconv.FormatUint(v.(uint64), 10)
	}
}

func (c xmlCodec) Decode(set *schema.Set, id uint32, data []byte) (schema.Record, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return schema.NewRecord(m), nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	root, err := nextStart(dec)
	if err != nil {
		return nil, malformed(m, "%v", err)
	}
	if root.Name.Local != m.Name {
		return nil, malformed(m, "root element %q", root.Name.Local)
	}
	return c.decodeFields(dec, set, m)
}

// decodeFields reads child elements until the enclosing end element.
func (c xmlCodec) decodeFields(dec *xml.Decoder, set *schema.Set, m *schema.Message) (schema.Record, error) {
	rec := schema.NewRecord(m)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, malformed(m, "%v", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return rec, nil
		case xml.StartElement:
			idx, ok := m.FieldIndexByName(t.Name.Local)
			if !ok {
				if err := dec.Skip(); err != nil {
					return nil, malformed(m, "%v", err)
				}
				continue
			}
			f := m.Fields[idx]
			v, err := c.decodeValue(dec, set, m, f)
			if err != nil {
				return nil, err
			}
			if f.Quantifier == schema.Repeated {
				list, _ := rec[idx].([]any)
				rec[idx] = append(list, v)
				continue
			}
			rec[idx] = v
		}
	}
}

func (c xmlCodec) decodeValue(dec *xml.Decoder, set *schema.Set, m *schema.Message, f schema.Field) (any, error) {
	if f.Kind == schema.KindMessage {
		nested, err := set.Message(f.MessageID)
		if err != nil {
			return nil, err
		}
		return c.decodeFields(dec, set, nested)
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, malformed(m, "field %s: %v", f.Name, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			return nil, malformed(m, "field %s: unexpected element %q", f.Name, t.Name.Local)
		case xml.EndElement:
			return scalarFromText(m, f, text.String())
		}
	}
}

func scalarFromText(m *schema.Message, f schema.Field, raw string) (any, error) {
	switch f.Kind {
	case schema.KindString:
		return raw, nil
	case schema.KindBytes:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, malformed(m, "field %s: %v", f.Name, err)
		}
		return b, nil
	case schema.KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, malformed(m, "field %s: %v", f.Name, err)
		}
		return b, nil
	default:
		raw = strings.TrimSpace(raw)
		if f.Kind.Signed() {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, malformed(m, "field %s: %v", f.Name, err)
			}
			return n, nil
		}
		n, err := parseUint(raw)
		if err != nil {
			return nil, malformed(m, "field %s: %v", f.Name, err)
		}
		return n, nil
	}
}

func parseUint(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, io.ErrUnexpectedEOF
			}
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// RootElement returns the name of the first element in an XML payload.
// STP/0 calls carry no command id, so the root element selects the command.
func RootElement(data []byte) (string, error) {
	start, err := nextStart(xml.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return start.Name.Local, nil
}
