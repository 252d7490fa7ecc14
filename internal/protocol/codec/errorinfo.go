package codec

import (
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
)

var errorSet = schema.ScopeService().Messages

// EncodeError serializes the ErrorInfo payload sent with Error messages.
func EncodeError(f protocol.Format, e *protocol.Error) ([]byte, error) {
	rec := schema.Record{nil, nil, nil, nil}
	if e.Description != "" {
		rec[schema.ErrorDescription] = e.Description
	}
	if e.Line != protocol.Unset {
		rec[schema.ErrorLine] = e.Line
	}
	if e.Column != protocol.Unset {
		rec[schema.ErrorColumn] = e.Column
	}
	if e.Offset != protocol.Unset {
		rec[schema.ErrorOffset] = e.Offset
	}
	return Encode(f, errorSet, schema.MsgError, rec)
}

// DecodeError parses an ErrorInfo payload. The status comes from the header.
func DecodeError(f protocol.Format, status protocol.Status, data []byte) (*protocol.Error, error) {
	rec, err := Decode(f, errorSet, schema.MsgError, data)
	if err != nil {
		return nil, err
	}
	e := protocol.NewError(status, rec.String(schema.ErrorDescription))
	if rec.Has(schema.ErrorLine) {
		e.Line = int(rec.Int(schema.ErrorLine))
	}
	if rec.Has(schema.ErrorColumn) {
		e.Column = int(rec.Int(schema.ErrorColumn))
	}
	if rec.Has(schema.ErrorOffset) {
		e.Offset = int(rec.Int(schema.ErrorOffset))
	}
	return e, nil
}

// ErrorSchema exposes the ErrorInfo descriptor table for transcoding.
func ErrorSchema() (*schema.Set, uint32) {
	return errorSet, schema.MsgError
}
