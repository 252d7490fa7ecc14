package scope

import (
	"fmt"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/codec"
	"github.com/danmuck/scope/internal/protocol/schema"
)

// encodeMessage builds a message carrying rec as message id in h.Format.
func encodeMessage(h protocol.Header, set *schema.Set, id uint32, rec schema.Record) (*protocol.Message, error) {
	switch {
	case h.Format == protocol.FormatNative:
		norm, err := schema.Normalize(set, id, rec)
		if err != nil {
			return nil, err
		}
		return protocol.NewNativeMessage(h, norm), nil
	case id == schema.DefaultMessageID || h.Format == protocol.FormatNone:
		return protocol.NewMessage(h, nil), nil
	default:
		data, err := codec.Encode(h.Format, set, id, rec)
		if err != nil {
			return nil, err
		}
		return protocol.NewMessage(h, data), nil
	}
}

// decodeRecord reads message id from m's payload.
func decodeRecord(m *protocol.Message, set *schema.Set, id uint32) (schema.Record, error) {
	if handle, ok := m.Native(); ok {
		rec, isRecord := handle.(schema.Record)
		if !isRecord {
			return nil, fmt.Errorf("%w: native handle %T", codec.ErrMalformed, handle)
		}
		return schema.Normalize(set, id, rec)
	}
	if id == schema.DefaultMessageID {
		return schema.Record{}, nil
	}
	data, _ := m.Bytes()
	format := m.Header.Format
	if format == protocol.FormatNone {
		// STP/0 payloads are XML; an STP/1 message without a format
		// field is read as binary.
		format = protocol.FormatXML
		if m.Header.Version != 0 {
			format = protocol.FormatBinary
		}
	}
	return codec.Decode(format, set, id, data)
}

// errorMessage builds the Error reply for a call header.
func errorMessage(call protocol.Header, perr *protocol.Error) *protocol.Message {
	h := call.Reply(protocol.TypeError, call.CommandID, perr.Status)
	switch h.Format {
	case protocol.FormatNative:
		return protocol.NewNativeMessage(h, perr)
	case protocol.FormatNone:
		return protocol.NewMessage(h, []byte(perr.Description))
	}
	data, err := codec.EncodeError(h.Format, perr)
	if err != nil {
		data = nil
	}
	return protocol.NewMessage(h, data)
}

// messageFor returns the schema message id carried by m for service desc.
func messageFor(desc *schema.Service, h protocol.Header) (uint32, bool) {
	if h.Type == protocol.TypeError {
		return schema.MsgError, true
	}
	cmd, ok := desc.Command(h.CommandID)
	if !ok {
		return 0, false
	}
	if h.Type == protocol.TypeResponse {
		return cmd.ResponseID, true
	}
	return cmd.RequestID, true
}
