package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/tlv"
)

func TestStp1RoundTrip(t *testing.T) {
	in := protocol.Header{
		Type:      protocol.TypeResponse,
		Service:   "ecmascript-debugger",
		CommandID: 12,
		Format:    protocol.FormatJSON,
		Status:    protocol.StatusOK,
		Tag:       77,
		Version:   1,
	}
	payload := []byte(`[1,"two"]`)
	buf, err := AppendStp1(nil, in, payload)
	if err != nil {
		t.Fatalf("append stp1: %v", err)
	}
	n, err := ParseStp1Prefix(buf)
	if err != nil || n != 4 {
		t.Fatalf("prefix: n=%d err=%v", n, err)
	}
	size, m, err := ParseStp1Size(buf[n:], DefaultLimits())
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	body := buf[n+m:]
	if uint64(len(body)) != size {
		t.Fatalf("size mismatch: declared=%d actual=%d", size, len(body))
	}
	out, gotPayload, err := DecodeStp1Body(body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if out != in {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: %q", gotPayload)
	}
}

func TestStp1ErrorStatusRoundTrip(t *testing.T) {
	in := protocol.Header{Type: protocol.TypeError, Service: "foo", CommandID: 3, Format: protocol.FormatXML, Status: protocol.StatusServiceNotEnabled, Tag: 4, Version: 1}
	body, err := EncodeStp1Body(in, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, _, err := DecodeStp1Body(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
}

func TestStp1FormatNoneOmitsFormatField(t *testing.T) {
	in := protocol.Header{Type: protocol.TypeResponse, Service: "scope", CommandID: 5, Format: protocol.FormatNone, Tag: 2, Version: 1}
	body, err := EncodeStp1Body(in, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fields, err := tlv.DecodeFields(body)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if _, ok := tlv.GetField(fields, FieldFormat); ok {
		t.Fatalf("format field written for FormatNone")
	}
	out, _, err := DecodeStp1Body(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
}

func TestStp1RejectsOversizedVarints(t *testing.T) {
	const big = uint64(1) << 32
	base := func() []byte {
		b := tlv.AppendVarint(nil, FieldType, uint64(protocol.TypeCall))
		return tlv.AppendString(b, FieldService, "foo")
	}
	cases := []struct {
		name string
		body []byte
	}{
		{"command id", tlv.AppendVarint(base(), FieldCommandID, big)},
		{"format", tlv.AppendVarint(tlv.AppendVarint(base(), FieldCommandID, 1), FieldFormat, big)},
		{"status", tlv.AppendVarint(tlv.AppendVarint(base(), FieldCommandID, 1), FieldStatus, big+3)},
		{"tag", tlv.AppendVarint(tlv.AppendVarint(base(), FieldCommandID, 1), FieldTag, big+1)},
	}
	for _, tc := range cases {
		if _, _, err := DecodeStp1Body(tc.body); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("%s: expected ErrInvalidData, got %v", tc.name, err)
		}
	}
}

func TestStp1PrefixErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"partial", []byte("ST"), ErrNeedMore},
		{"stp0 digits", []byte("12 "), ErrOutdatedProtocol},
		{"bad version", []byte{'S', 'T', 'P', 0x02}, ErrInvalidProtocolVersion},
		{"garbage", []byte("XTP"), ErrInvalidData},
	}
	for _, tc := range cases {
		_, err := ParseStp1Prefix(tc.in)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestStp1SizeNeedsMoreOnTruncatedVarint(t *testing.T) {
	_, _, err := ParseStp1Size([]byte{0x80, 0x80}, DefaultLimits())
	if !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
	limits := DefaultLimits()
	limits.MaxMessageBytes = 10
	_, _, err = ParseStp1Size([]byte{0x20}, limits)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestStp1MissingServiceIsDeterministic(t *testing.T) {
	body := []byte{0x08, 0x01} // type=call only
	_, _, err := DecodeStp1Body(body)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestStp1NativePayloadRejected(t *testing.T) {
	h := protocol.Header{Type: protocol.TypeCall, Service: "x", Format: protocol.FormatNative}
	if _, err := EncodeStp1Body(h, nil); !errors.Is(err, protocol.ErrNativePayload) {
		t.Fatalf("expected ErrNativePayload, got %v", err)
	}
}

func TestStp0RoundTrip(t *testing.T) {
	text := "*services scope,console-logger,stp-1 ünï"
	buf, err := AppendStp0(nil, text)
	if err != nil {
		t.Fatalf("append stp0: %v", err)
	}
	size, n, err := ParseStp0Length(buf, DefaultLimits())
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if uint64(len(buf)-n) != size {
		t.Fatalf("size mismatch: declared=%d actual=%d", size, len(buf)-n)
	}
	out, err := DecodeUTF16(buf[n:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != text {
		t.Fatalf("text mismatch: %q", out)
	}
	service, payload := SplitStp0(out)
	if service != protocol.MetaServices || payload != "scope,console-logger,stp-1 ünï" {
		t.Fatalf("split mismatch: service=%q payload=%q", service, payload)
	}
}

func TestStp0LengthCountsUTF16Units(t *testing.T) {
	buf, err := AppendStp0(nil, "a\U0001F600")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !bytes.HasPrefix(buf, []byte("3 ")) {
		t.Fatalf("expected 3 utf-16 units, got %q", buf[:2])
	}
}

func TestStp0LengthErrors(t *testing.T) {
	if _, _, err := ParseStp0Length([]byte("12"), DefaultLimits()); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
	if _, _, err := ParseStp0Length([]byte("12x"), DefaultLimits()); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
	if _, _, err := ParseStp0Length([]byte("STP\x01"), DefaultLimits()); !errors.Is(err, ErrInvalidProtocolVersion) {
		t.Fatalf("expected ErrInvalidProtocolVersion, got %v", err)
	}
	if _, _, err := ParseStp0Length([]byte("12345678901 "), DefaultLimits()); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for long length, got %v", err)
	}
}

func TestDecodeUTF16RejectsUnpairedSurrogate(t *testing.T) {
	_, err := DecodeUTF16([]byte{0xD8, 0x00, 0x00, 0x41})
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	_, err = DecodeUTF16([]byte{0x00})
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding for odd length, got %v", err)
	}
	out, err := DecodeUTF16([]byte{0xFF, 0xFD})
	if err != nil || out != "\uFFFD" {
		t.Fatalf("literal replacement char should decode: out=%q err=%v", out, err)
	}
}

func TestMarkerParse(t *testing.T) {
	m := Marker(1)
	if string(m) != "STP/1\n" {
		t.Fatalf("marker bytes: %q", m)
	}
	for i := 0; i < len(m); i++ {
		if _, _, err := ParseMarker(m[:i]); !errors.Is(err, ErrNeedMore) {
			t.Fatalf("prefix len=%d: expected ErrNeedMore, got %v", i, err)
		}
	}
	v, n, err := ParseMarker(append(m, "rest"...))
	if err != nil || v != 1 || n != 6 {
		t.Fatalf("parse marker: v=%d n=%d err=%v", v, n, err)
	}
	if _, _, err := ParseMarker([]byte("STP/\n")); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
	if _, _, err := ParseMarker([]byte("HTTP/1.1")); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestStp0HeaderFormat(t *testing.T) {
	if h := Stp0Header(protocol.TypeCall, "*enable"); h.Format != protocol.FormatNone {
		t.Fatalf("meta format: %v", h.Format)
	}
	if h := Stp0Header(protocol.TypeEvent, "console-logger"); h.Format != protocol.FormatXML || h.Version != 0 {
		t.Fatalf("service header: %+v", h)
	}
}
