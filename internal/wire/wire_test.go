package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
	"github.com/danmuck/scope/internal/testutil/testlog"
)

type collector struct {
	messages []*protocol.Message
	errs     []*ParseError
	onParsed func(m *protocol.Message)
}

func (c *collector) OnMessageParsed(m *protocol.Message) {
	c.messages = append(c.messages, m)
	if c.onParsed != nil {
		c.onParsed(m)
	}
}

func (c *collector) OnMessageParseError(err *ParseError) {
	c.errs = append(c.errs, err)
}

func stp1Messages() []*protocol.Message {
	return []*protocol.Message{
		protocol.NewMessage(protocol.Header{Type: protocol.TypeCall, Service: "scope", CommandID: 3, Format: protocol.FormatJSON, Tag: 1, Version: 1}, []byte(`["json"]`)),
		protocol.NewMessage(protocol.Header{Type: protocol.TypeEvent, Service: "console-logger", CommandID: 0, Format: protocol.FormatBinary, Version: 1}, []byte{0x0a, 0x02, 'h', 'i'}),
		protocol.NewMessage(protocol.Header{Type: protocol.TypeError, Service: "foo", CommandID: 1, Format: protocol.FormatXML, Status: protocol.StatusServiceNotEnabled, Tag: 9, Version: 1}, nil),
		protocol.NewMessage(protocol.Header{Type: protocol.TypeResponse, Service: "scope", CommandID: 5, Format: protocol.FormatNone, Tag: 4, Version: 1}, nil),
	}
}

func stp0Messages() []*protocol.Message {
	return []*protocol.Message{
		protocol.NewMessage(frame.Stp0Header(protocol.TypeCall, protocol.MetaServices), []byte("scope,echo,stp-1")),
		protocol.NewMessage(frame.Stp0Header(protocol.TypeCall, "echo"), []byte("<Echo><text>ünïcødé</text></Echo>")),
		protocol.NewMessage(frame.Stp0Header(protocol.TypeCall, protocol.MetaQuit), nil),
	}
}

func serializeAll(t *testing.T, version int, msgs []*protocol.Message) []byte {
	t.Helper()
	var out []byte
	for _, m := range msgs {
		b, err := Serialize(version, m)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		out = append(out, b...)
	}
	return out
}

func sameMessages(t *testing.T, got, want []*protocol.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("message count: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Header != want[i].Header {
			t.Fatalf("message %d header: got %+v want %+v", i, got[i].Header, want[i].Header)
		}
		gb, _ := got[i].Bytes()
		wb, _ := want[i].Bytes()
		if !bytes.Equal(gb, wb) {
			t.Fatalf("message %d payload: got %q want %q", i, gb, wb)
		}
	}
}

func TestReaderRoundTripBothVersions(t *testing.T) {
	testlog.Start(t)
	for _, tc := range []struct {
		version int
		msgs    []*protocol.Message
	}{
		{0, stp0Messages()},
		{1, stp1Messages()},
	} {
		c := &collector{}
		r := NewReader(c, frame.DefaultLimits())
		r.SetVersion(tc.version)
		r.Feed(serializeAll(t, tc.version, tc.msgs))
		if len(c.errs) != 0 {
			t.Fatalf("stp/%d parse errors: %v", tc.version, c.errs[0])
		}
		sameMessages(t, c.messages, tc.msgs)
	}
}

func TestReaderChunkBoundaryIndependence(t *testing.T) {
	testlog.Start(t)
	for _, version := range []int{0, 1} {
		msgs := stp0Messages()
		if version == 1 {
			msgs = stp1Messages()
		}
		stream := serializeAll(t, version, msgs)

		whole := &collector{}
		r := NewReader(whole, frame.DefaultLimits())
		r.SetVersion(version)
		r.Feed(stream)

		for split := 1; split < len(stream); split++ {
			c := &collector{}
			r := NewReader(c, frame.DefaultLimits())
			r.SetVersion(version)
			r.Feed(stream[:split])
			r.Feed(stream[split:])
			if len(c.errs) != 0 {
				t.Fatalf("stp/%d split=%d: %v", version, split, c.errs[0])
			}
			sameMessages(t, c.messages, whole.messages)
		}

		c := &collector{}
		r = NewReader(c, frame.DefaultLimits())
		r.SetVersion(version)
		for i := range stream {
			r.Feed(stream[i : i+1])
		}
		sameMessages(t, c.messages, whole.messages)
	}
}

func TestReaderDisableBuffersWithoutParsing(t *testing.T) {
	testlog.Start(t)
	msgs := stp1Messages()
	stream := serializeAll(t, 1, msgs)
	c := &collector{}
	r := NewReader(c, frame.DefaultLimits())
	r.SetVersion(1)

	r.Disable()
	r.Feed(stream[:10])
	r.Feed(stream[10:])
	if len(c.messages) != 0 {
		t.Fatalf("disabled reader parsed %d messages", len(c.messages))
	}
	r.Enable()
	sameMessages(t, c.messages, msgs)
}

func TestReaderListenerCanPauseMidStream(t *testing.T) {
	testlog.Start(t)
	msgs := stp1Messages()
	c := &collector{}
	r := NewReader(c, frame.DefaultLimits())
	r.SetVersion(1)
	c.onParsed = func(*protocol.Message) { r.Disable() }
	r.Feed(serializeAll(t, 1, msgs))
	if len(c.messages) != 1 {
		t.Fatalf("expected pause after first message, got %d", len(c.messages))
	}
	c.onParsed = nil
	r.Enable()
	sameMessages(t, c.messages, msgs)
}

func TestReaderVersionSwitchAtBoundary(t *testing.T) {
	testlog.Start(t)
	enable := protocol.NewMessage(frame.Stp0Header(protocol.TypeCall, protocol.MetaEnable), []byte(protocol.Stp1Token))
	v1 := stp1Messages()[0]
	stream := append(serializeAll(t, 0, []*protocol.Message{enable}), serializeAll(t, 1, []*protocol.Message{v1})...)

	c := &collector{}
	r := NewReader(c, frame.DefaultLimits())
	c.onParsed = func(m *protocol.Message) {
		if m.Header.Service == protocol.MetaEnable {
			r.SetVersion(1)
		}
	}
	r.Feed(stream)
	if len(c.errs) != 0 {
		t.Fatalf("parse error: %v", c.errs[0])
	}
	sameMessages(t, c.messages, []*protocol.Message{enable, v1})
}

func TestReaderErrorsResetStream(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		version int
		input   []byte
		kind    ErrorKind
	}{
		{1, []byte("12 "), OutdatedProtocol},
		{1, []byte{'S', 'T', 'P', 0x07}, InvalidProtocolVersion},
		{0, []byte("x"), InvalidData},
		{0, []byte{'1', ' ', 0xDC, 0x00}, InvalidEncoding},
		{1, append([]byte{'S', 'T', 'P', 0x01, 0x02}, 0x08, 0x01), InvalidData},
	}
	for _, tc := range cases {
		c := &collector{}
		r := NewReader(c, frame.DefaultLimits())
		r.SetVersion(tc.version)
		r.Feed(tc.input)
		if len(c.errs) != 1 || c.errs[0].Kind != tc.kind {
			t.Fatalf("input %q: expected one %s error, got %v", tc.input, tc.kind, c.errs)
		}
		if len(r.Buffered()) != 0 {
			t.Fatalf("input %q: stream not reset", tc.input)
		}
	}
}

func TestReaderBufferedAndDiscardForMarker(t *testing.T) {
	testlog.Start(t)
	c := &collector{}
	r := NewReader(c, frame.DefaultLimits())
	r.Disable()
	next := serializeAll(t, 1, stp1Messages()[:1])
	r.Feed(append(frame.Marker(1), next...))
	v, n, err := frame.ParseMarker(r.Buffered())
	if err != nil || v != 1 {
		t.Fatalf("marker: v=%d err=%v", v, err)
	}
	r.Discard(n)
	r.SetVersion(1)
	r.Enable()
	sameMessages(t, c.messages, stp1Messages()[:1])
}

type sink struct {
	sent     [][]byte
	done     []*protocol.Message
	errs     []error
	failSend bool
}

func (s *sink) SendData(data []byte) error {
	if s.failSend {
		return errors.New("socket gone")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *sink) OnMessageSent(m *protocol.Message) { s.done = append(s.done, m) }

func (s *sink) OnWriteError(_ *protocol.Message, err error) { s.errs = append(s.errs, err) }

func TestWriterFIFOAndSendCompletion(t *testing.T) {
	testlog.Start(t)
	s := &sink{}
	w := NewWriter(s)
	w.SetVersion(1)
	msgs := stp1Messages()
	for _, m := range msgs {
		w.Enqueue(m)
	}
	if len(s.sent) != 1 || w.Pending() != 3 {
		t.Fatalf("writer must send one message at a time: sent=%d pending=%d", len(s.sent), w.Pending())
	}

	first := len(s.sent[0])
	w.OnDataSent(first - 1)
	if len(s.done) != 0 {
		t.Fatalf("message reported sent before all bytes acked")
	}
	w.OnDataSent(1)
	if len(s.done) != 1 || s.done[0] != msgs[0] || len(s.sent) != 2 {
		t.Fatalf("completion: done=%d sent=%d", len(s.done), len(s.sent))
	}
	w.OnDataSent(len(s.sent[1]))
	w.OnDataSent(len(s.sent[2]))
	if !reflect.DeepEqual(s.done, msgs) {
		t.Fatalf("completion order mismatch")
	}

	c := &collector{}
	r := NewReader(c, frame.DefaultLimits())
	r.SetVersion(1)
	for _, b := range s.sent {
		r.Feed(b)
	}
	sameMessages(t, c.messages, msgs)
}

func TestWriterDisablePausesWithoutDiscarding(t *testing.T) {
	testlog.Start(t)
	s := &sink{}
	w := NewWriter(s)
	w.Disable()
	for _, m := range stp0Messages() {
		w.Enqueue(m)
	}
	if len(s.sent) != 0 || w.Pending() != 3 {
		t.Fatalf("disabled writer flushed: sent=%d", len(s.sent))
	}
	w.Enable()
	if len(s.sent) != 1 {
		t.Fatalf("enable did not resume")
	}
	w.Disable()
	w.OnDataSent(len(s.sent[0]))
	if len(s.done) != 1 || len(s.sent) != 1 {
		t.Fatalf("in-flight message must complete while disabled: done=%d sent=%d", len(s.done), len(s.sent))
	}
	w.Enable()
	if len(s.sent) != 2 {
		t.Fatalf("second message not sent after re-enable")
	}
}

func TestWriterRejectsNativePayload(t *testing.T) {
	testlog.Start(t)
	s := &sink{}
	w := NewWriter(s)
	w.Enqueue(protocol.NewNativeMessage(protocol.Header{Type: protocol.TypeEvent, Service: "echo"}, struct{}{}))
	w.Enqueue(stp0Messages()[0])
	if len(s.errs) != 1 || !errors.Is(s.errs[0], protocol.ErrNativePayload) {
		t.Fatalf("expected native payload error, got %v", s.errs)
	}
	if len(s.sent) != 1 {
		t.Fatalf("writer stalled after write error")
	}
}

func TestWriterSendFailureDropsMessage(t *testing.T) {
	testlog.Start(t)
	s := &sink{failSend: true}
	w := NewWriter(s)
	w.Enqueue(stp0Messages()[0])
	if len(s.errs) != 1 || w.Pending() != 0 {
		t.Fatalf("send failure: errs=%v pending=%d", s.errs, w.Pending())
	}
}
