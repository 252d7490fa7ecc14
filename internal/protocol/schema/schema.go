// Package schema describes payload messages: field numbers, names, kinds
// and quantifiers. Codecs use these descriptors to move a Record between
// the binary, JSON and XML payload formats.
package schema

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrUnknownMessage = errors.New("schema: unknown message id")
	ErrDuplicateID    = errors.New("schema: duplicate message id")
	ErrBadNesting     = errors.New("schema: nested message id not in set")
)

// Kind is the scalar or nested type of a field.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindBytes
	KindBool
	KindInt32
	KindUint32
	KindSint32
	KindInt64
	KindUint64
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindSint32:
		return "sint32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// WireType is the protobuf wire type used for the kind.
func (k Kind) WireType() protowire.Type {
	switch k {
	case KindString, KindBytes, KindMessage:
		return protowire.BytesType
	default:
		return protowire.VarintType
	}
}

// Signed reports whether Record values of the kind are int64.
func (k Kind) Signed() bool {
	return k == KindInt32 || k == KindSint32 || k == KindInt64
}

// Quantifier is the field cardinality.
type Quantifier uint8

const (
	Required Quantifier = iota
	Optional
	Repeated
)

func (q Quantifier) String() string {
	switch q {
	case Optional:
		return "optional"
	case Repeated:
		return "repeated"
	default:
		return "required"
	}
}

// Field describes one message field.
type Field struct {
	Name       string
	Number     protowire.Number
	Kind       Kind
	Quantifier Quantifier
	// MessageID names the nested descriptor for KindMessage.
	MessageID uint32
}

// Message describes a payload message. Field order defines the JSON
// array positions.
type Message struct {
	ID     uint32
	Name   string
	Fields []Field
}

// FieldIndex returns the position of the field with the given number.
func (m *Message) FieldIndex(num protowire.Number) (int, bool) {
	for i, f := range m.Fields {
		if f.Number == num {
			return i, true
		}
	}
	return 0, false
}

// FieldIndexByName returns the position of the named field.
func (m *Message) FieldIndexByName(name string) (int, bool) {
	for i, f := range m.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Set is the message table of one service.
type Set struct {
	byID  map[uint32]*Message
	order []uint32
}

// NewSet indexes messages by id and checks nested references resolve.
func NewSet(messages ...*Message) (*Set, error) {
	s := &Set{byID: make(map[uint32]*Message, len(messages))}
	for _, m := range messages {
		if m.ID == DefaultMessageID {
			return nil, fmt.Errorf("%w: %d is reserved", ErrDuplicateID, m.ID)
		}
		if _, dup := s.byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, m.ID)
		}
		s.byID[m.ID] = m
		s.order = append(s.order, m.ID)
	}
	for _, m := range messages {
		for _, f := range m.Fields {
			if f.Kind != KindMessage {
				continue
			}
			if _, ok := s.byID[f.MessageID]; !ok && f.MessageID != DefaultMessageID {
				return nil, fmt.Errorf("%w: %s.%s -> %d", ErrBadNesting, m.Name, f.Name, f.MessageID)
			}
		}
	}
	return s, nil
}

// MustSet is NewSet for static tables.
func MustSet(messages ...*Message) *Set {
	s, err := NewSet(messages...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) Message(id uint32) (*Message, error) {
	if id == DefaultMessageID {
		return defaultMessage, nil
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	m, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	return m, nil
}

// IDs returns message ids in registration order.
func (s *Set) IDs() []uint32 {
	if s == nil {
		return nil
	}
	return append([]uint32(nil), s.order...)
}

// Related returns id plus every message id reachable through nested
// fields, in discovery order.
func (s *Set) Related(id uint32) []uint32 {
	seen := map[uint32]bool{}
	out := make([]uint32, 0)
	var walk func(uint32)
	walk = func(cur uint32) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		m, err := s.Message(cur)
		if err != nil {
			return
		}
		out = append(out, cur)
		for _, f := range m.Fields {
			if f.Kind == KindMessage {
				walk(f.MessageID)
			}
		}
	}
	walk(id)
	return out
}
