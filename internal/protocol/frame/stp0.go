package frame

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/scope/internal/protocol"
	"golang.org/x/text/encoding/unicode"
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeUTF16 converts text to UTF-16BE bytes.
func EncodeUTF16(text string) ([]byte, error) {
	out, err := utf16be.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return out, nil
}

// DecodeUTF16 converts UTF-16BE bytes to text. Unpaired surrogates are
// rejected rather than replaced.
func DecodeUTF16(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd utf-16 byte count", ErrInvalidEncoding)
	}
	out, err := utf16be.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if countReplacement16(b) != strings.Count(string(out), "\uFFFD") {
		return "", fmt.Errorf("%w: unpaired surrogate", ErrInvalidEncoding)
	}
	return string(out), nil
}

// countReplacement16 counts literal U+FFFD code units in UTF-16BE input.
func countReplacement16(b []byte) int {
	n := 0
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0xFF && b[i+1] == 0xFD {
			n++
		}
	}
	return n
}

// AppendStp0 appends "<units> <utf16be text>" to dst.
func AppendStp0(dst []byte, text string) ([]byte, error) {
	body, err := EncodeUTF16(text)
	if err != nil {
		return dst, err
	}
	dst = strconv.AppendInt(dst, int64(len(body)/2), 10)
	dst = append(dst, ' ')
	return append(dst, body...), nil
}

// ParseStp0Length reads the decimal unit count and the separating space.
// It returns the body size in bytes and the header length.
func ParseStp0Length(buf []byte, limits Limits) (uint64, int, error) {
	i := 0
	for ; i < len(buf) && isDigit(buf[i]); i++ {
		if i >= limits.MaxLengthDigits {
			return 0, 0, fmt.Errorf("%w: stp/0 length too long", ErrInvalidData)
		}
	}
	if i == len(buf) {
		return 0, 0, ErrNeedMore
	}
	if i == 0 {
		if buf[0] == Stp1Prefix[0] {
			return 0, 0, fmt.Errorf("%w: stp/1 prefix in stp/0 stream", ErrInvalidProtocolVersion)
		}
		return 0, 0, fmt.Errorf("%w: expected stp/0 length, got 0x%02x", ErrInvalidData, buf[0])
	}
	if buf[i] != ' ' {
		return 0, 0, fmt.Errorf("%w: expected space after stp/0 length", ErrInvalidData)
	}
	units, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	size := units * 2
	if size > limits.MaxMessageBytes {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	return size, i + 1, nil
}

// SplitStp0 separates "<service> <payload>". A text with no space is a
// service name with an empty payload.
func SplitStp0(text string) (service, payload string) {
	service, payload, _ = strings.Cut(text, " ")
	return service, payload
}

// JoinStp0 builds STP/0 text from a service name and payload.
func JoinStp0(service, payload string) string {
	if payload == "" {
		return service
	}
	return service + " " + payload
}

// Stp0Header is the header assigned to a decoded STP/0 text. Meta
// services carry no payload format; everything else is XML.
func Stp0Header(typ protocol.Type, service string) protocol.Header {
	h := protocol.Header{Type: typ, Service: service, Version: 0, Format: protocol.FormatXML}
	if strings.HasPrefix(service, protocol.MetaPrefix) {
		h.Format = protocol.FormatNone
	}
	return h
}

// AppendStp0Message frames an STP/0 message. Native payloads are rejected.
func AppendStp0Message(dst []byte, m *protocol.Message) ([]byte, error) {
	data, ok := m.Bytes()
	if !ok {
		return dst, protocol.ErrNativePayload
	}
	return AppendStp0(dst, JoinStp0(m.Header.Service, string(data)))
}
