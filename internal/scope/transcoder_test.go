package scope

import (
	"errors"
	"testing"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/codec"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/testutil/testlog"
)

func hostInfoReply(t *testing.T, services ...schema.Record) *protocol.Message {
	t.Helper()
	list := make([]any, 0, len(services))
	for _, s := range services {
		list = append(list, s)
	}
	h := protocol.Header{
		Type:      protocol.TypeResponse,
		Service:   schema.ScopeServiceName,
		CommandID: schema.ScopeHostInfo,
		Format:    protocol.FormatBinary,
		Version:   1,
	}
	m, err := encodeMessage(h, schema.ScopeService().Messages, schema.MsgHostInfo,
		schema.Record{uint64(1), "core", "linux", "linux", "test", list})
	if err != nil {
		t.Fatalf("encode host info: %v", err)
	}
	return m
}

func pingResult(t *testing.T, text string) *protocol.Message {
	t.Helper()
	h := protocol.Header{
		Type:      protocol.TypeResponse,
		Service:   "foo",
		CommandID: fooPing,
		Format:    protocol.FormatBinary,
		Tag:       9,
		Version:   1,
	}
	m, err := encodeMessage(h, fooMessages, msgPingResult, schema.Record{text})
	if err != nil {
		t.Fatalf("encode ping result: %v", err)
	}
	return m
}

func activeTranscoder(t *testing.T, target protocol.Format) *Transcoder {
	t.Helper()
	tc := NewTranscoder(fooDescriptor("foo"))
	tc.SetTarget(target)
	req := tc.HostInfoRequest(internalTagBase + 1)
	if tc.State() != TranscoderNegotiating || req.Header.CommandID != schema.ScopeHostInfo || req.Header.Tag != internalTagBase+1 {
		t.Fatalf("host info request: state=%s header=%s", tc.State(), req.Header)
	}
	err := tc.Accept(hostInfoReply(t,
		schema.Record{schema.ScopeServiceName, schema.ScopeServiceVersion, true},
		schema.Record{"foo", "1.0", false},
	))
	if err != nil || tc.State() != TranscoderActive {
		t.Fatalf("accept: state=%s err=%v", tc.State(), err)
	}
	return tc
}

func TestTranscoderReencodesResponses(t *testing.T) {
	testlog.Start(t)
	tc := activeTranscoder(t, protocol.FormatXML)

	in := pingResult(t, "converted")
	out := tc.Transcode(in)
	if out == in {
		t.Fatalf("expected a new message")
	}
	if out.Header.Format != protocol.FormatXML || out.Header.Tag != 9 || out.Header.CommandID != fooPing {
		t.Fatalf("header not preserved: %s", out.Header)
	}
	if out.Text() != "<PingResult><text>converted</text></PingResult>" {
		t.Fatalf("xml body: %q", out.Text())
	}
	if in.Header.Format != protocol.FormatBinary {
		t.Fatalf("input message mutated")
	}
}

func TestTranscoderReencodesErrors(t *testing.T) {
	testlog.Start(t)
	tc := activeTranscoder(t, protocol.FormatJSON)

	call := pingResult(t, "").Header
	call.Type = protocol.TypeCall
	in := errorMessage(call, protocol.NewError(protocol.StatusBadRequest, "bad"))
	out := tc.Transcode(in)
	if out.Header.Format != protocol.FormatJSON || out.Header.Status != protocol.StatusBadRequest {
		t.Fatalf("error header: %s", out.Header)
	}
	data, _ := out.Bytes()
	perr, err := codec.DecodeError(protocol.FormatJSON, out.Header.Status, data)
	if err != nil || perr.Description != "bad" {
		t.Fatalf("decoded error %+v: %v", perr, err)
	}
}

func TestTranscoderPassesThroughWhatItCannotConvert(t *testing.T) {
	testlog.Start(t)
	tc := activeTranscoder(t, protocol.FormatJSON)

	same := pingResult(t, "x")
	same.Header.Format = protocol.FormatJSON
	unknown := pingResult(t, "x")
	unknown.Header.Service = "bar"
	meta := protocol.NewMessage(protocol.Header{Type: protocol.TypeEvent, Service: protocol.MetaServices, Format: protocol.FormatNone}, []byte("foo"))
	empty := protocol.NewMessage(protocol.Header{Type: protocol.TypeResponse, Service: "foo", CommandID: fooFail, Format: protocol.FormatBinary}, nil)
	broken := protocol.NewMessage(protocol.Header{Type: protocol.TypeResponse, Service: "foo", CommandID: fooPing, Format: protocol.FormatBinary}, []byte{0xff})

	for name, m := range map[string]*protocol.Message{
		"same format":     same,
		"unknown service": unknown,
		"meta":            meta,
		"empty":           empty,
		"broken":          broken,
	} {
		if got := tc.Transcode(m); got != m {
			t.Fatalf("%s: expected pass-through", name)
		}
	}
}

func TestTranscoderDisabledOnServiceMismatch(t *testing.T) {
	testlog.Start(t)
	cases := map[string][]schema.Record{
		"version": {
			{schema.ScopeServiceName, schema.ScopeServiceVersion},
			{"foo", "1.1"},
		},
		"missing": {
			{schema.ScopeServiceName, schema.ScopeServiceVersion},
		},
		"extra": {
			{schema.ScopeServiceName, schema.ScopeServiceVersion},
			{"foo", "1.0"},
			{"bar", "1.0"},
		},
	}
	for name, services := range cases {
		tc := NewTranscoder(fooDescriptor("foo"))
		tc.SetTarget(protocol.FormatJSON)
		tc.HostInfoRequest(1)
		if err := tc.Accept(hostInfoReply(t, services...)); !errors.Is(err, ErrServiceMismatch) {
			t.Fatalf("%s: expected ErrServiceMismatch, got %v", name, err)
		}
		if tc.State() != TranscoderDisabled {
			t.Fatalf("%s: state=%s", name, tc.State())
		}
		in := pingResult(t, "raw")
		if got := tc.Transcode(in); got != in {
			t.Fatalf("%s: disabled transcoder must pass messages through", name)
		}
	}
}

func TestTranscoderTargetNoneDisables(t *testing.T) {
	testlog.Start(t)
	tc := activeTranscoder(t, protocol.FormatJSON)
	tc.SetTarget(protocol.FormatNative)
	if tc.Target() != protocol.FormatNone || tc.State() != TranscoderDisabled {
		t.Fatalf("target=%s state=%s", tc.Target(), tc.State())
	}
	if err := tc.Accept(hostInfoReply(t)); err != nil || tc.State() != TranscoderDisabled {
		t.Fatalf("accept without target: state=%s err=%v", tc.State(), err)
	}
}
