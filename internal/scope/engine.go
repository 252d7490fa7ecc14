// Package scope runs the Scope protocol roles: the builtin host with its
// service registry, the outbound network client towards a debugger, the
// inbound network host for remote applications, and the attachment
// manager pairing clients with hosts. Every object here lives on a single
// loop.Runtime and must only be touched from loop tasks.
package scope

import (
	"fmt"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/transport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// ConnectionInfo describes one network endpoint for introspection.
type ConnectionInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Handshake string `json:"handshake"`
	Version   int    `json:"version"`
	Remote    string `json:"remote"`
	Attached  string `json:"attached,omitempty"`
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Builtin BuiltinHostOptions
}

// Engine is the per-process context: it owns the attachment manager, the
// builtin host and every network endpoint created through it.
type Engine struct {
	rt        *loop.Runtime
	manager   *AttachmentManager
	builtin   *BuiltinHost
	clients   []*NetworkClient
	listeners []*HostListener
	log       zerolog.Logger
	closed    bool
}

func NewEngine(rt *loop.Runtime, opts EngineOptions) *Engine {
	e := &Engine{
		rt:      rt,
		manager: NewAttachmentManager(rt),
		builtin: NewBuiltinHost(rt, opts.Builtin),
		log:     logging.Component("engine"),
	}
	e.manager.AdoptHost(e.builtin)
	e.manager.AddListener(e)
	return e
}

func (e *Engine) Runtime() *loop.Runtime {
	return e.rt
}

func (e *Engine) Manager() *AttachmentManager {
	return e.manager
}

func (e *Engine) Builtin() *BuiltinHost {
	return e.builtin
}

// Register adds a service to the builtin host.
func (e *Engine) Register(s Service) error {
	return e.builtin.Register(s)
}

// ConnectDebugger attaches a new network client to the builtin host and
// dials the debugger.
func (e *Engine) ConnectDebugger(dialer transport.Dialer, opts NetworkClientOptions) (*NetworkClient, error) {
	if e.closed {
		return nil, ErrManagerClosed
	}
	c, err := NewNetworkClient(e.rt, dialer, opts)
	if err != nil {
		return nil, err
	}
	e.manager.AdoptClient(c)
	if err := e.manager.Attach(c, e.builtin); err != nil {
		return nil, err
	}
	e.clients = append(e.clients, c)
	if err := c.Connect(); err != nil {
		c.scheduleReconnect(err)
		if c.closing {
			return c, err
		}
	}
	return c, nil
}

// ListenApplications accepts remote applications, attaching each to a
// client from factory.
func (e *Engine) ListenApplications(network transport.Network, opts HostListenerOptions, factory ClientFactory) (*HostListener, error) {
	if e.closed {
		return nil, ErrManagerClosed
	}
	l := NewHostListener(e.rt, network, e.manager, opts, factory)
	if err := l.Listen(); err != nil {
		e.manager.RemoveListener(l)
		return nil, err
	}
	e.listeners = append(e.listeners, l)
	return l, nil
}

// RelayFactory returns a ClientFactory that dials the debugger once per
// accepted application. The application's host talks to the debugger
// through its own NetworkClient; either side going away tears down the
// pair.
func (e *Engine) RelayFactory(dialer transport.Dialer, opts NetworkClientOptions) ClientFactory {
	opts = opts.WithDefaults()
	var n int
	return func(h *NetworkHost) (Client, error) {
		if e.closed {
			return nil, ErrManagerClosed
		}
		n++
		o := opts
		o.Name = fmt.Sprintf("%s-%d", opts.Name, n)
		onGiveUp := opts.OnGiveUp
		o.OnGiveUp = func(err error) {
			h.Disconnect()
			_ = e.manager.ScheduleDestruction(h)
			if onGiveUp != nil {
				onGiveUp(err)
			}
		}
		c, err := NewNetworkClient(e.rt, dialer, o)
		if err != nil {
			return nil, err
		}
		h.AddListener(relayPeer{e: e, c: c})
		e.clients = append(e.clients, c)
		e.rt.Defer(func() {
			if c.Manager() == nil {
				return
			}
			if err := c.Connect(); err != nil {
				c.scheduleReconnect(err)
			}
		})
		e.log.Info().Str("client", o.Name).Str("conn", h.Connection().ID()).Msg("relay created")
		return c, nil
	}
}

// relayPeer retires a relay client once its application host closes.
type relayPeer struct {
	e *Engine
	c *NetworkClient
}

func (p relayPeer) OnHostReady(*NetworkHost) {}

func (p relayPeer) OnHostError(_ *NetworkHost, err error) {
	p.e.log.Debug().Err(err).Str("client", p.c.Name()).Msg("relayed host error")
}

func (p relayPeer) OnHostClosed(*NetworkHost) {
	p.c.Disconnect()
	_ = p.e.manager.ScheduleDestruction(p.c)
}

// Connections lists network endpoints owned by the engine.
func (e *Engine) Connections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(e.clients))
	for _, c := range e.clients {
		info := ConnectionInfo{
			ID:        c.conn.ID(),
			Role:      c.conn.Role(),
			Name:      c.Name(),
			State:     c.conn.State().String(),
			Handshake: c.State().String(),
			Version:   c.ProtocolVersion(),
			Remote:    c.conn.RemoteAddr(),
		}
		if h := c.Host(); h != nil {
			info.Attached = h.Name()
		}
		out = append(out, info)
	}
	for _, l := range e.listeners {
		for _, h := range l.Hosts() {
			info := ConnectionInfo{
				ID:        h.conn.ID(),
				Role:      h.conn.Role(),
				Name:      h.Name(),
				State:     h.conn.State().String(),
				Handshake: h.State().String(),
				Version:   h.Version(),
				Remote:    h.conn.RemoteAddr(),
			}
			if c := h.Client(); c != nil {
				info.Attached = c.Name()
			}
			out = append(out, info)
		}
	}
	return out
}

func (e *Engine) OnClientDestruction(c Client) {
	for i, existing := range e.clients {
		if Client(existing) == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			return
		}
	}
}

func (e *Engine) OnHostDestruction(Host) {}

// Close tears down listeners, clients and the builtin host. It runs on
// the loop.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	for _, l := range e.listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range e.clients {
		c.Disconnect()
		err = multierr.Append(err, e.manager.ScheduleDestruction(c))
	}
	err = multierr.Append(err, e.manager.ScheduleDestruction(e.builtin))
	e.manager.Close()
	e.listeners, e.clients = nil, nil
	e.log.Info().Msg("engine closed")
	return err
}
