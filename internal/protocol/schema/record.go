package schema

import (
	"fmt"
	"math"

	"github.com/danmuck/scope/internal/logging"
)

// Record holds decoded field values positionally, one slot per
// Message.Fields entry. A nil slot is an absent field.
//
// Slot value types by kind: string, []byte, bool, int64 for signed
// kinds, uint64 for unsigned kinds, Record for nested messages. Repeated
// fields hold []any of those.
type Record []any

// NewRecord allocates an empty record for m.
func NewRecord(m *Message) Record {
	return make(Record, len(m.Fields))
}

func (r Record) at(i int) any {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

func (r Record) String(i int) string {
	s, _ := r.at(i).(string)
	return s
}

func (r Record) Bool(i int) bool {
	b, _ := r.at(i).(bool)
	return b
}

func (r Record) Uint(i int) uint64 {
	switch v := r.at(i).(type) {
	case uint64:
		return v
	case int64:
		if v >= 0 {
			return uint64(v)
		}
	}
	return 0
}

func (r Record) Int(i int) int64 {
	switch v := r.at(i).(type) {
	case int64:
		return v
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
	}
	return 0
}

func (r Record) Record(i int) Record {
	v, _ := r.at(i).(Record)
	return v
}

func (r Record) List(i int) []any {
	v, _ := r.at(i).([]any)
	return v
}

// Has reports whether slot i is present.
func (r Record) Has(i int) bool {
	return r.at(i) != nil
}

// ValidationError reports the first field that does not match the descriptor.
type ValidationError struct {
	Message string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: message=%s: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("schema: message=%s field=%s: %s", e.Message, e.Field, e.Reason)
}

// Coerce converts a Go value into the canonical slot type for kind.
// Plain ints and sized ints are accepted so handlers can build records
// without casting.
func Coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindInt32, KindSint32, KindInt64:
		n, ok := toInt64(v)
		if !ok {
			break
		}
		if kind != KindInt64 && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, fmt.Errorf("value %d overflows %s", n, kind)
		}
		return n, nil
	case KindUint32, KindUint64:
		n, ok := toUint64(v)
		if !ok {
			break
		}
		if kind == KindUint32 && n > math.MaxUint32 {
			return nil, fmt.Errorf("value %d overflows %s", n, kind)
		}
		return n, nil
	case KindMessage:
		switch r := v.(type) {
		case Record:
			return r, nil
		case []any:
			return Record(r), nil
		}
	}
	return nil, fmt.Errorf("value of type %T is not %s", v, kind)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

// Normalize validates rec against message id and returns a copy with
// canonical slot types. Required fields must be present. Unknown trailing
// slots are an error.
func Normalize(set *Set, id uint32, rec Record) (Record, error) {
	m, err := set.Message(id)
	if err != nil {
		return nil, err
	}
	out, err := normalize(set, m, rec)
	if err != nil {
		log := logging.Component("schema")
		log.Debug().
			Uint32("message_id", id).
			Err(err).
			Msg("record rejected")
	}
	return out, err
}

func normalize(set *Set, m *Message, rec Record) (Record, error) {
	if len(rec) > len(m.Fields) {
		return nil, ValidationError{Message: m.Name, Reason: fmt.Sprintf("%d values for %d fields", len(rec), len(m.Fields))}
	}
	out := NewRecord(m)
	for i, f := range m.Fields {
		v := rec.at(i)
		if v == nil {
			if f.Quantifier == Required {
				return nil, ValidationError{Message: m.Name, Field: f.Name, Reason: "missing required field"}
			}
			continue
		}
		if f.Quantifier == Repeated {
			items, ok := v.([]any)
			if !ok {
				return nil, ValidationError{Message: m.Name, Field: f.Name, Reason: fmt.Sprintf("repeated field holds %T", v)}
			}
			list := make([]any, len(items))
			for j, item := range items {
				c, err := normalizeValue(set, m, f, item)
				if err != nil {
					return nil, err
				}
				list[j] = c
			}
			out[i] = list
			continue
		}
		c, err := normalizeValue(set, m, f, v)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func normalizeValue(set *Set, m *Message, f Field, v any) (any, error) {
	c, err := Coerce(f.Kind, v)
	if err != nil {
		return nil, ValidationError{Message: m.Name, Field: f.Name, Reason: err.Error()}
	}
	if f.Kind != KindMessage {
		return c, nil
	}
	nested, err := set.Message(f.MessageID)
	if err != nil {
		return nil, err
	}
	return normalize(set, nested, c.(Record))
}
