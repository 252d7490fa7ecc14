// Package frame holds the STP byte layouts: the STP/1 transport message,
// STP/0 text framing and the STP/<n> handshake marker.
//
// Parse helpers work on whatever bytes are buffered and return ErrNeedMore
// when the buffer ends before a unit is complete. They never consume
// partially.
package frame

import (
	"errors"
)

var (
	// ErrNeedMore is not a failure; the caller retries after more bytes arrive.
	ErrNeedMore = errors.New("frame: need more data")

	ErrInvalidData            = errors.New("frame: invalid data")
	ErrOutdatedProtocol       = errors.New("frame: outdated protocol")
	ErrInvalidProtocolVersion = errors.New("frame: invalid protocol version")
	ErrInvalidEncoding        = errors.New("frame: invalid encoding")
	ErrMessageTooLarge        = errors.New("frame: message too large")
	ErrMissingField           = errors.New("frame: missing required field")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxMessageBytes uint64
	MaxLengthDigits int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 16 * 1024 * 1024,
		MaxLengthDigits: 10,
	}
}

// WithDefaults fills zero fields.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxMessageBytes == 0 {
		l.MaxMessageBytes = d.MaxMessageBytes
	}
	if l.MaxLengthDigits <= 0 {
		l.MaxLengthDigits = d.MaxLengthDigits
	}
	return l
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
