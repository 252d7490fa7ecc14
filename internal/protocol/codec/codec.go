// Package codec moves schema Records between the binary, JSON and XML
// payload formats.
package codec

import (
	"errors"
	"fmt"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
)

var (
	ErrMalformed = errors.New("codec: malformed payload")
	ErrFormat    = errors.New("codec: unsupported format")
)

// Codec serializes one payload format.
type Codec interface {
	Format() protocol.Format
	Encode(set *schema.Set, id uint32, rec schema.Record) ([]byte, error)
	Decode(set *schema.Set, id uint32, data []byte) (schema.Record, error)
}

var codecs = map[protocol.Format]Codec{
	protocol.FormatBinary: binaryCodec{},
	protocol.FormatJSON:   jsonCodec{},
	protocol.FormatXML:    xmlCodec{},
}

// For returns the codec for a wire format.
func For(f protocol.Format) (Codec, error) {
	c, ok := codecs[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFormat, f)
	}
	return c, nil
}

// Encode normalizes rec against the descriptor and serializes it.
func Encode(f protocol.Format, set *schema.Set, id uint32, rec schema.Record) ([]byte, error) {
	c, err := For(f)
	if err != nil {
		return nil, err
	}
	norm, err := schema.Normalize(set, id, rec)
	if err != nil {
		return nil, err
	}
	return c.Encode(set, id, norm)
}

// Decode parses data and validates required fields.
func Decode(f protocol.Format, set *schema.Set, id uint32, data []byte) (schema.Record, error) {
	c, err := For(f)
	if err != nil {
		return nil, err
	}
	rec, err := c.Decode(set, id, data)
	if err != nil {
		return nil, err
	}
	norm, err := schema.Normalize(set, id, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return norm, nil
}

// Transcode re-serializes data from one format to another.
func Transcode(set *schema.Set, id uint32, data []byte, from, to protocol.Format) ([]byte, error) {
	if from == to {
		return append([]byte(nil), data...), nil
	}
	rec, err := Decode(from, set, id, data)
	if err != nil {
		return nil, err
	}
	return Encode(to, set, id, rec)
}

func malformed(m *schema.Message, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, m.Name, fmt.Sprintf(format, args...))
}
