package frame

import (
	"fmt"
	"math"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/tlv"
	"google.golang.org/protobuf/encoding/protowire"
)

// Stp1Prefix opens every STP/1 message: "STP" followed by version byte 1.
var Stp1Prefix = [4]byte{'S', 'T', 'P', 0x01}

// TransportMessage field numbers.
const (
	FieldType      protowire.Number = 1
	FieldService   protowire.Number = 2
	FieldCommandID protowire.Number = 3
	FieldFormat    protowire.Number = 4
	FieldStatus    protowire.Number = 5
	FieldTag       protowire.Number = 6
	FieldPayload   protowire.Number = 8
)

// EncodeStp1Body serializes the transport message fields.
func EncodeStp1Body(h protocol.Header, payload []byte) ([]byte, error) {
	if !h.Type.Valid() {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidData, h.Type)
	}
	format, hasFormat := h.Format.WireCode()
	if !hasFormat && h.Format == protocol.FormatNative {
		return nil, protocol.ErrNativePayload
	}
	b := make([]byte, 0, len(h.Service)+len(payload)+24)
	b = tlv.AppendVarint(b, FieldType, uint64(h.Type))
	b = tlv.AppendString(b, FieldService, h.Service)
	b = tlv.AppendVarint(b, FieldCommandID, uint64(h.CommandID))
	// FormatNone is the absence of field 4.
	if hasFormat {
		b = tlv.AppendVarint(b, FieldFormat, uint64(format))
	}
	if h.Status != protocol.StatusOK {
		b = tlv.AppendVarint(b, FieldStatus, uint64(h.Status))
	}
	if h.Tag != 0 {
		b = tlv.AppendVarint(b, FieldTag, uint64(h.Tag))
	}
	b = tlv.AppendBytes(b, FieldPayload, payload)
	return b, nil
}

// AppendStp1 appends a complete framed STP/1 message to dst.
func AppendStp1(dst []byte, h protocol.Header, payload []byte) ([]byte, error) {
	body, err := EncodeStp1Body(h, payload)
	if err != nil {
		return dst, err
	}
	dst = append(dst, Stp1Prefix[:]...)
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...), nil
}

// ParseStp1Prefix validates the 4 byte prefix at the start of buf.
func ParseStp1Prefix(buf []byte) (int, error) {
	for i := 0; i < len(Stp1Prefix); i++ {
		if i >= len(buf) {
			return 0, ErrNeedMore
		}
		if buf[i] == Stp1Prefix[i] {
			continue
		}
		switch {
		case i == 0 && isDigit(buf[0]):
			return 0, fmt.Errorf("%w: stp/0 length prefix in stp/1 stream", ErrOutdatedProtocol)
		case i == 3:
			return 0, fmt.Errorf("%w: version byte 0x%02x", ErrInvalidProtocolVersion, buf[3])
		default:
			return 0, fmt.Errorf("%w: prefix byte %d is 0x%02x", ErrInvalidData, i, buf[i])
		}
	}
	return len(Stp1Prefix), nil
}

// ParseStp1Size reads the varint body length at the start of buf.
func ParseStp1Size(buf []byte, limits Limits) (uint64, int, error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		if !varintTruncated(buf) {
			return 0, 0, fmt.Errorf("%w: %v", ErrInvalidData, protowire.ParseError(n))
		}
		return 0, 0, ErrNeedMore
	}
	if size > limits.MaxMessageBytes {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	return size, n, nil
}

// varintTruncated reports whether buf could still become a valid varint.
func varintTruncated(buf []byte) bool {
	if len(buf) >= 10 {
		return false
	}
	for _, c := range buf {
		if c&0x80 == 0 {
			return false
		}
	}
	return true
}

// DecodeStp1Body parses the transport message fields. Unknown fields are
// skipped. The returned payload is owned by the caller.
func DecodeStp1Body(body []byte) (protocol.Header, []byte, error) {
	fields, err := tlv.DecodeFields(body)
	if err != nil {
		return protocol.Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	h := protocol.Header{Version: 1, Format: protocol.FormatNone}

	typ, err := requireUint(fields, FieldType)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	h.Type = protocol.Type(typ)
	if !h.Type.Valid() {
		return protocol.Header{}, nil, fmt.Errorf("%w: type %d", ErrInvalidData, typ)
	}

	sf, ok := tlv.GetField(fields, FieldService)
	if !ok {
		return protocol.Header{}, nil, fmt.Errorf("%w: service", ErrMissingField)
	}
	service, err := sf.Bytes()
	if err != nil {
		return protocol.Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	h.Service = string(service)

	cmd, err := requireUint(fields, FieldCommandID)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	if cmd > math.MaxUint32 {
		return protocol.Header{}, nil, fmt.Errorf("%w: command id %d", ErrInvalidData, cmd)
	}
	h.CommandID = uint32(cmd)

	if v, ok, err := optionalUint(fields, FieldFormat); err != nil {
		return protocol.Header{}, nil, err
	} else if ok {
		format, known := protocol.FormatFromWire(uint32(v))
		if !known || v > math.MaxUint32 {
			return protocol.Header{}, nil, fmt.Errorf("%w: format %d", ErrInvalidData, v)
		}
		h.Format = format
	}
	if v, ok, err := optionalUint(fields, FieldStatus); err != nil {
		return protocol.Header{}, nil, err
	} else if ok {
		if v > math.MaxUint32 {
			return protocol.Header{}, nil, fmt.Errorf("%w: status %d", ErrInvalidData, v)
		}
		h.Status = protocol.Status(v)
	}
	if v, ok, err := optionalUint(fields, FieldTag); err != nil {
		return protocol.Header{}, nil, err
	} else if ok {
		if v > math.MaxUint32 {
			return protocol.Header{}, nil, fmt.Errorf("%w: tag %d", ErrInvalidData, v)
		}
		h.Tag = uint32(v)
	}

	var payload []byte
	if pf, ok := tlv.GetField(fields, FieldPayload); ok {
		payload, err = pf.Bytes()
		if err != nil {
			return protocol.Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
	}
	return h, payload, nil
}

func requireUint(fields []tlv.Field, num protowire.Number) (uint64, error) {
	v, ok, err := optionalUint(fields, num)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: field %d", ErrMissingField, num)
	}
	return v, nil
}

func optionalUint(fields []tlv.Field, num protowire.Number) (uint64, bool, error) {
	f, ok := tlv.GetField(fields, num)
	if !ok {
		return 0, false, nil
	}
	v, err := f.Uint()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return v, true, nil
}
