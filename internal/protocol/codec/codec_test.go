package codec

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/testutil/testlog"
)

var testSet = schema.MustSet(
	&schema.Message{ID: 1, Name: "Sample", Fields: []schema.Field{
		{Name: "name", Number: 1, Kind: schema.KindString},
		{Name: "count", Number: 2, Kind: schema.KindUint32},
		{Name: "delta", Number: 3, Kind: schema.KindSint32, Quantifier: schema.Optional},
		{Name: "offset", Number: 4, Kind: schema.KindInt32, Quantifier: schema.Optional},
		{Name: "blob", Number: 5, Kind: schema.KindBytes, Quantifier: schema.Optional},
		{Name: "flag", Number: 6, Kind: schema.KindBool, Quantifier: schema.Optional},
		{Name: "ids", Number: 7, Kind: schema.KindUint32, Quantifier: schema.Repeated},
		{Name: "child", Number: 8, Kind: schema.KindMessage, Quantifier: schema.Optional, MessageID: 2},
		{Name: "children", Number: 9, Kind: schema.KindMessage, Quantifier: schema.Repeated, MessageID: 2},
	}},
	&schema.Message{ID: 2, Name: "Child", Fields: []schema.Field{
		{Name: "label", Number: 1, Kind: schema.KindString},
	}},
)

func sampleRecord() schema.Record {
	return schema.Record{
		"a <b> & c", 42, -7, -300, []byte{0, 1, 2}, true,
		[]any{1, 2, 3},
		schema.Record{"first"},
		[]any{schema.Record{"x"}, schema.Record{"y"}},
	}
}

func TestRoundTripAllFormats(t *testing.T) {
	testlog.Start(t)
	want, err := schema.Normalize(testSet, 1, sampleRecord())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, f := range []protocol.Format{protocol.FormatBinary, protocol.FormatJSON, protocol.FormatXML} {
		data, err := Encode(f, testSet, 1, sampleRecord())
		if err != nil {
			t.Fatalf("%s encode: %v", f, err)
		}
		got, err := Decode(f, testSet, 1, data)
		if err != nil {
			t.Fatalf("%s decode: %v (data=%q)", f, err, data)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s round trip mismatch:\n got=%#v\nwant=%#v", f, got, want)
		}
	}
}

func TestJSONIsPositional(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(protocol.FormatJSON, testSet, 1, schema.Record{"n", 1, nil, nil, nil, nil, nil, schema.Record{"c"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `["n",1,null,null,null,null,null,["c"]]`
	if string(data) != want {
		t.Fatalf("json layout: got %s want %s", data, want)
	}
}

func TestXMLLayout(t *testing.T) {
	testlog.Start(t)
	data, err := Encode(protocol.FormatXML, testSet, 1, schema.Record{"n", 1, nil, nil, nil, nil, []any{4, 5}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `<Sample><name>n</name><count>1</count><ids>4</ids><ids>5</ids></Sample>`
	if string(data) != want {
		t.Fatalf("xml layout: got %s want %s", data, want)
	}
}

func TestTranscodeBinaryToJSONAndBack(t *testing.T) {
	testlog.Start(t)
	bin, err := Encode(protocol.FormatBinary, testSet, 1, sampleRecord())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	js, err := Transcode(testSet, 1, bin, protocol.FormatBinary, protocol.FormatJSON)
	if err != nil {
		t.Fatalf("transcode to json: %v", err)
	}
	back, err := Transcode(testSet, 1, js, protocol.FormatJSON, protocol.FormatBinary)
	if err != nil {
		t.Fatalf("transcode to binary: %v", err)
	}
	if !bytes.Equal(bin, back) {
		t.Fatalf("binary mismatch after json round trip")
	}
	same, err := Transcode(testSet, 1, js, protocol.FormatJSON, protocol.FormatJSON)
	if err != nil || !bytes.Equal(same, js) {
		t.Fatalf("identity transcode: %v", err)
	}
}

func TestBinaryAcceptsPackedRepeated(t *testing.T) {
	testlog.Start(t)
	// name="p", count=1, ids packed [1, 300]
	data := []byte{0x0a, 0x01, 'p', 0x10, 0x01, 0x3a, 0x03, 0x01, 0xac, 0x02}
	rec, err := Decode(protocol.FormatBinary, testSet, 1, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := rec.List(6)
	if len(ids) != 2 || ids[1].(uint64) != 300 {
		t.Fatalf("packed ids: %#v", ids)
	}
}

func TestDecodeErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode(protocol.FormatJSON, testSet, 1, []byte(`{"name":"x"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("json object: expected ErrMalformed, got %v", err)
	}
	if _, err := Decode(protocol.FormatJSON, testSet, 1, []byte(`["x"]`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("json missing required: expected ErrMalformed, got %v", err)
	}
	if _, err := Decode(protocol.FormatXML, testSet, 1, []byte(`<Other/>`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("xml root: expected ErrMalformed, got %v", err)
	}
	if _, err := Decode(protocol.FormatBinary, testSet, 1, []byte{0x0a, 0x05, 'a'}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("binary truncated: expected ErrMalformed, got %v", err)
	}
	if _, err := For(protocol.FormatNative); !errors.Is(err, ErrFormat) {
		t.Fatalf("native codec: expected ErrFormat, got %v", err)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := protocol.NewError(protocol.StatusBadRequest, "bad field").WithPosition(3, 9, 27)
	for _, f := range []protocol.Format{protocol.FormatBinary, protocol.FormatJSON, protocol.FormatXML} {
		data, err := EncodeError(f, in)
		if err != nil {
			t.Fatalf("%s encode error: %v", f, err)
		}
		out, err := DecodeError(f, protocol.StatusBadRequest, data)
		if err != nil {
			t.Fatalf("%s decode error: %v", f, err)
		}
		if *out != *in {
			t.Fatalf("%s error mismatch: %+v", f, out)
		}
	}
	data, err := EncodeError(protocol.FormatJSON, protocol.NewError(protocol.StatusServiceNotFound, ""))
	if err != nil || string(data) != "[]" {
		t.Fatalf("empty error payload: %q %v", data, err)
	}
}
