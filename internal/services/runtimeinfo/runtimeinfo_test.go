package runtimeinfo

import (
	"runtime"
	"testing"
	"time"

	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/testutil/scopetest"
	"github.com/danmuck/scope/internal/testutil/testlog"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestGetInfoReportsRuntime(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	svc := New(loop.New(), Options{Now: clock.Now})
	h := scopetest.New(t, svc)
	clock.now = clock.now.Add(1500 * time.Millisecond)

	info := scopetest.Decode(t, svc, h.Call(t, svc, CommandGetInfo, nil))
	if info.String(InfoOS) != runtime.GOOS || info.String(InfoArch) != runtime.GOARCH {
		t.Fatalf("platform: %v", info)
	}
	if info.String(InfoGoVersion) != runtime.Version() {
		t.Fatalf("go version: %q", info.String(InfoGoVersion))
	}
	if info.Uint(InfoUptimeMs) != 1500 {
		t.Fatalf("uptime got=%d", info.Uint(InfoUptimeMs))
	}
	if info.Uint(InfoCPUs) == 0 || info.Uint(InfoGoroutines) == 0 {
		t.Fatalf("counters: %v", info)
	}
}

func TestSamplingFollowsEnableState(t *testing.T) {
	testlog.Start(t)
	svc := New(loop.New(), Options{Interval: time.Hour})
	h := scopetest.New(t, svc)
	if !svc.Sampling() {
		t.Fatalf("enable should arm the sample timer")
	}

	svc.sample()
	if len(h.Sink.Messages) != 1 {
		t.Fatalf("expected one sample event, got %d", len(h.Sink.Messages))
	}
	ev := h.Sink.Messages[0]
	if ev.Header.Type != protocol.TypeEvent || ev.Header.CommandID != EventOnSample {
		t.Fatalf("sample header: %s", ev.Header)
	}
	if !svc.Sampling() {
		t.Fatalf("sample should re-arm the timer")
	}

	if err := h.Registry.Disable(Name); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if svc.Sampling() {
		t.Fatalf("disable should stop sampling")
	}
	svc.sample()
	if len(h.Sink.Messages) != 1 {
		t.Fatalf("disabled service must not emit samples")
	}
}

func TestSetSamplingValidatesInterval(t *testing.T) {
	testlog.Start(t)
	svc := New(loop.New(), Options{})
	h := scopetest.New(t, svc)
	if svc.Sampling() {
		t.Fatalf("no interval, no sampling")
	}

	reply := h.Call(t, svc, CommandSetSampling, schema.Record{uint64(10)})
	if scopetest.Status(reply) != protocol.StatusBadRequest {
		t.Fatalf("expected BadRequest, got %s", reply.Header)
	}
	reply = h.Call(t, svc, CommandSetSampling, schema.Record{uint64(60 * 1000)})
	if reply.Header.Type != protocol.TypeResponse || !svc.Sampling() {
		t.Fatalf("sampling not armed: %s", reply.Header)
	}
	h.Call(t, svc, CommandSetSampling, schema.Record{uint64(0)})
	if svc.Sampling() {
		t.Fatalf("zero interval should stop sampling")
	}
}
