package wire

import (
	"errors"
	"fmt"

	"github.com/danmuck/scope/internal/protocol/frame"
)

// ErrorKind classifies reader failures.
type ErrorKind uint8

const (
	InvalidData ErrorKind = iota + 1
	OutdatedProtocol
	InvalidProtocolVersion
	InvalidEncoding
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidData:
		return "invalid_data"
	case OutdatedProtocol:
		return "outdated_protocol"
	case InvalidProtocolVersion:
		return "invalid_protocol_version"
	case InvalidEncoding:
		return "invalid_encoding"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseError is reported through ReaderListener. The reader has already
// discarded its buffered stream when the listener sees it.
type ParseError struct {
	Kind    ErrorKind
	Version int
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: stp/%d %s: %v", e.Version, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, frame.ErrOutdatedProtocol):
		return OutdatedProtocol
	case errors.Is(err, frame.ErrInvalidProtocolVersion):
		return InvalidProtocolVersion
	case errors.Is(err, frame.ErrInvalidEncoding):
		return InvalidEncoding
	default:
		return InvalidData
	}
}
