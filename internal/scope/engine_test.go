package scope

import (
	"errors"
	"testing"

	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/testutil/testlog"
	"github.com/danmuck/scope/internal/transport"
)

func TestEngineConnectsDebuggerAndReportsConnections(t *testing.T) {
	testlog.Start(t)
	rt := loop.New()
	network := transport.NewMemoryNetwork(rt)
	e := NewEngine(rt, EngineOptions{Builtin: BuiltinHostOptions{Name: "app"}})
	if err := e.Register(newFooService("foo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	events := &eventLog{}
	debugger := newRecClient("debugger", events)
	if _, err := e.ListenApplications(network, HostListenerOptions{Address: "memory", Port: debuggerPort},
		func(*NetworkHost) (Client, error) { return debugger, nil }); err != nil {
		t.Fatalf("listen: %v", err)
	}
	client, err := e.ConnectDebugger(network, NetworkClientOptions{Name: "uplink", Address: "memory", Port: debuggerPort})
	if err != nil {
		t.Fatalf("connect debugger: %v", err)
	}
	rt.RunUntilIdle(1000)

	if client.Host() != Host(e.Builtin()) {
		t.Fatalf("client must be attached to the builtin host")
	}
	conns := e.Connections()
	if len(conns) != 2 {
		t.Fatalf("expected client and host connections, got %+v", conns)
	}
	up, down := conns[0], conns[1]
	if up.Role != "client" || up.Name != "uplink" || up.Handshake != "normal" || up.Version != 1 || up.Attached != "app" {
		t.Fatalf("client info: %+v", up)
	}
	if down.Role != "host" || down.Handshake != "stp1" || down.Version != 1 || down.Attached != "debugger" {
		t.Fatalf("host info: %+v", down)
	}
	if up.State != "connected" || down.State != "connected" {
		t.Fatalf("states: %s / %s", up.State, down.State)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rt.RunUntilIdle(1000)
	if events.count("debugger.destroy") != 1 {
		t.Fatalf("accepted host's client must be destroyed: %v", events.entries)
	}
	if len(e.Connections()) != 0 {
		t.Fatalf("connections left after close")
	}
	if _, err := e.ConnectDebugger(network, NetworkClientOptions{}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestEngineRejectsBusyListenAddress(t *testing.T) {
	testlog.Start(t)
	rt := loop.New()
	network := transport.NewMemoryNetwork(rt)
	e := NewEngine(rt, EngineOptions{})
	opts := HostListenerOptions{Address: "memory", Port: debuggerPort}
	if _, err := e.ListenApplications(network, opts, nil); err != nil {
		t.Fatalf("first listen: %v", err)
	}
	if _, err := e.ListenApplications(network, opts, nil); !errors.Is(err, transport.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

func TestEngineRelaysApplicationToDebugger(t *testing.T) {
	testlog.Start(t)
	const relayPort = debuggerPort + 1
	rt := loop.New()
	network := transport.NewMemoryNetwork(rt)

	debugger := newRecClient("debugger", &eventLog{})
	dbg := NewEngine(rt, EngineOptions{Builtin: BuiltinHostOptions{Name: "debugger-side"}})
	dbgListener, err := dbg.ListenApplications(network, HostListenerOptions{Address: "memory", Port: debuggerPort},
		func(*NetworkHost) (Client, error) { return debugger, nil })
	if err != nil {
		t.Fatalf("debugger listen: %v", err)
	}

	proxy := NewEngine(rt, EngineOptions{Builtin: BuiltinHostOptions{Name: "proxy"}})
	relay := proxy.RelayFactory(network, NetworkClientOptions{Name: "relay", Address: "memory", Port: debuggerPort})
	if _, err := proxy.ListenApplications(network, HostListenerOptions{Address: "memory", Port: relayPort}, relay); err != nil {
		t.Fatalf("proxy listen: %v", err)
	}

	app := NewEngine(rt, EngineOptions{Builtin: BuiltinHostOptions{Name: "app"}})
	if err := app.Register(newFooService("foo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := app.ConnectDebugger(network, NetworkClientOptions{Name: "uplink", Address: "memory", Port: relayPort}); err != nil {
		t.Fatalf("app connect: %v", err)
	}
	rt.RunUntilIdle(5000)

	hosts := dbgListener.Hosts()
	if len(hosts) != 1 || !hosts[0].Ready() {
		t.Fatalf("debugger should hold one ready host, got %d", len(hosts))
	}
	h := hosts[0]
	if got := h.RemoteServices(); len(got) != 2 || got[1] != "foo" {
		t.Fatalf("relayed service list: %v", got)
	}
	conns := proxy.Connections()
	if len(conns) != 2 {
		t.Fatalf("proxy should own the relay client and the application host: %+v", conns)
	}
	if conns[0].Role != "client" || conns[0].Name != "relay-1" || conns[0].Attached == "" {
		t.Fatalf("relay client: %+v", conns[0])
	}

	before := len(debugger.received)
	if err := h.Receive(scopeCall(t, schema.ScopeEnable, 4, schema.MsgServiceSelection, schema.Record{"foo"})); err != nil {
		t.Fatalf("enable: %v", err)
	}
	rt.RunUntilIdle(5000)
	if len(debugger.received) != before+1 {
		t.Fatalf("expected one relayed reply, got %d", len(debugger.received)-before)
	}
	if reply := debugger.received[before]; reply.Header.Type != protocol.TypeResponse || reply.Header.Tag != 4 {
		t.Fatalf("relayed reply: %s", reply.Header)
	}

	if err := app.Close(); err != nil {
		t.Fatalf("app close: %v", err)
	}
	rt.RunUntilIdle(5000)
	if n := len(proxy.Connections()); n != 0 {
		t.Fatalf("relay pair should be torn down, %d connections left", n)
	}
	if n := len(dbgListener.Hosts()); n != 0 {
		t.Fatalf("debugger host should be gone, %d left", n)
	}
}
