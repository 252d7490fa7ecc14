package echo

import (
	"testing"

	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/testutil/scopetest"
	"github.com/danmuck/scope/internal/testutil/testlog"
)

func TestEchoRepliesSynchronously(t *testing.T) {
	testlog.Start(t)
	svc := New(loop.New())
	h := scopetest.New(t, svc)

	reply := h.Call(t, svc, CommandEcho, schema.Record{"hello"})
	if reply == nil || reply.Header.Type != protocol.TypeResponse {
		t.Fatalf("expected response, got %v", reply)
	}
	if got := scopetest.Decode(t, svc, reply).String(0); got != "hello" {
		t.Fatalf("echo got=%q", got)
	}
}

func TestEchoLaterRepliesOnNextTurn(t *testing.T) {
	testlog.Start(t)
	rt := loop.New()
	svc := New(rt)
	h := scopetest.New(t, svc)

	if reply := h.Call(t, svc, CommandEchoLater, schema.Record{"later"}); reply != nil {
		t.Fatalf("expected deferred reply, got %s", reply.Header)
	}
	if svc.PendingAsync() != 1 {
		t.Fatalf("expected one async command, got %d", svc.PendingAsync())
	}
	rt.RunUntilIdle(10)
	if len(h.Sink.Messages) != 1 {
		t.Fatalf("expected one reply, got %d", len(h.Sink.Messages))
	}
	reply := h.Sink.Messages[0]
	if reply.Header.Type != protocol.TypeResponse || reply.Header.Tag != 1 || reply.Header.CommandID != CommandEchoLater {
		t.Fatalf("async reply header: %s", reply.Header)
	}
	if got := scopetest.Decode(t, svc, reply).String(0); got != "later" {
		t.Fatalf("async echo got=%q", got)
	}
	if svc.PendingAsync() != 0 {
		t.Fatalf("async record not released")
	}
}

func TestBroadcastEmitsEventsBeforeResponse(t *testing.T) {
	testlog.Start(t)
	svc := New(loop.New())
	h := scopetest.New(t, svc)
	h.Sink.Format = protocol.FormatJSON

	reply := h.Call(t, svc, CommandBroadcast, schema.Record{"tick", uint64(3)})
	if reply.Header.Type != protocol.TypeResponse {
		t.Fatalf("broadcast reply: %s", reply.Header)
	}
	if len(h.Sink.Messages) != 4 {
		t.Fatalf("expected 3 events and a response, got %d", len(h.Sink.Messages))
	}
	for _, ev := range h.Sink.Messages[:3] {
		if ev.Header.Type != protocol.TypeEvent || ev.Header.CommandID != EventOnEcho || ev.Header.Format != protocol.FormatJSON {
			t.Fatalf("event header: %s", ev.Header)
		}
		if got := scopetest.Decode(t, svc, ev).String(0); got != "tick" {
			t.Fatalf("event text=%q", got)
		}
	}
}

func TestBroadcastRejectsLargeCounts(t *testing.T) {
	testlog.Start(t)
	svc := New(loop.New())
	h := scopetest.New(t, svc)

	reply := h.Call(t, svc, CommandBroadcast, schema.Record{"x", uint64(MaxBroadcast + 1)})
	if scopetest.Status(reply) != protocol.StatusBadRequest {
		t.Fatalf("expected BadRequest, got %s", reply.Header)
	}
	if len(h.Sink.Messages) != 1 {
		t.Fatalf("no events expected before the error")
	}
}

func TestDisableCancelsDelayedReplies(t *testing.T) {
	testlog.Start(t)
	rt := loop.New()
	svc := New(rt)
	h := scopetest.New(t, svc)

	h.Call(t, svc, CommandEchoLater, schema.Record{"never", uint64(3600 * 1000)})
	if len(svc.pending) != 1 {
		t.Fatalf("expected one pending timer")
	}
	if err := h.Registry.Disable(Name); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if len(svc.pending) != 0 || svc.PendingAsync() != 0 {
		t.Fatalf("disable must drop delayed replies")
	}
	rt.RunUntilIdle(10)
	if len(h.Sink.Messages) != 0 {
		t.Fatalf("no reply expected after disable")
	}
}
