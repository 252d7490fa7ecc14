// Package netconn binds a transport socket to a wire Reader and Writer
// and reports connection lifecycle events to listeners.
package netconn

import (
	"errors"
	"fmt"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/observability"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
	"github.com/danmuck/scope/internal/transport"
	"github.com/danmuck/scope/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrBusy         = errors.New("netconn: connection not closed")
	ErrNotConnected = errors.New("netconn: not connected")
	ErrNoSocket     = errors.New("netconn: nil socket")
	ErrRemoteClosed = errors.New("netconn: remote closed while connecting")
	ErrNoDialer     = errors.New("netconn: no dialer configured")
	errNoHooks      = errors.New("netconn: nil hooks")
	errNoRuntime    = errors.New("netconn: nil runtime")
)

const recvChunk = 16 * 1024

type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Listener observes connection transitions. Each transition fires once.
type Listener interface {
	OnConnectionSuccess(c *Connection)
	OnConnectionFailure(c *Connection, err error)
	// OnConnectionClosed follows a local Disconnect of a connected
	// connection.
	OnConnectionClosed(c *Connection)
	// OnConnectionLost follows a remote close or a fatal socket error.
	OnConnectionLost(c *Connection)
}

// Hooks are the role-specific parts of a connection.
type Hooks interface {
	// InitializeConnection runs when the socket connects, before
	// listeners hear about it. An error fails the connection.
	InitializeConnection() error
	// OnConnected runs once the connection is usable, before listeners.
	OnConnected()
	OnMessageParsed(m *protocol.Message)
	OnMessageParseError(err *wire.ParseError)
	OnMessageSent(m *protocol.Message)
	OnWriteError(m *protocol.Message, err error)
	// OnDataReceived runs after new bytes reached the reader, whether or
	// not it is enabled.
	OnDataReceived()
}

// Options configures a Connection.
type Options struct {
	// Role labels logs and metrics ("client", "host").
	Role   string
	Limits frame.Limits
}

type sendEntry struct {
	remaining int
	raw       bool
	done      func()
}

// Connection owns one socket, one Reader and one Writer. All methods run
// on the loop.
type Connection struct {
	rt     *loop.Runtime
	dialer transport.Dialer
	hooks  Hooks
	role   string
	log    zerolog.Logger

	id        string
	state     State
	socket    transport.Socket
	reader    *wire.Reader
	writer    *wire.Writer
	sends     []sendEntry
	gen       uint64
	listeners []Listener
}

func New(rt *loop.Runtime, dialer transport.Dialer, hooks Hooks, opts Options) (*Connection, error) {
	if rt == nil {
		return nil, errNoRuntime
	}
	if hooks == nil {
		return nil, errNoHooks
	}
	if opts.Role == "" {
		opts.Role = "conn"
	}
	c := &Connection{
		rt:     rt,
		dialer: dialer,
		hooks:  hooks,
		role:   opts.Role,
		id:     uuid.NewString(),
	}
	c.log = logging.Component("netconn").With().Str("role", c.role).Str("conn", c.id).Logger()
	c.reader = wire.NewReader(readerEvents{c}, opts.Limits)
	c.writer = wire.NewWriter(writerEvents{c})
	return c, nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Role() string {
	return c.role
}

func (c *Connection) State() State {
	return c.state
}

func (c *Connection) Reader() *wire.Reader {
	return c.reader
}

func (c *Connection) Writer() *wire.Writer {
	return c.writer
}

func (c *Connection) RemoteAddr() string {
	if c.socket == nil {
		return ""
	}
	return c.socket.RemoteAddr()
}

func (c *Connection) AddListener(l Listener) {
	for _, existing := range c.listeners {
		if existing == l {
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

func (c *Connection) RemoveListener(l Listener) {
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Connect dials address:port with a fresh socket.
func (c *Connection) Connect(address string, port int) error {
	if c.state != StateClosed {
		return ErrBusy
	}
	if c.dialer == nil {
		return ErrNoDialer
	}
	s := c.dialer.NewSocket()
	c.bind(s)
	c.state = StateConnecting
	c.log.Debug().Str("target", transport.HostPort(address, port)).Msg("connecting")
	if err := s.Connect(address, port); err != nil {
		c.teardown()
		return err
	}
	return nil
}

// ConnectSocket adopts a socket returned by a listening socket. The
// connected transition runs on the next loop turn.
func (c *Connection) ConnectSocket(s transport.Socket) error {
	if c.state != StateClosed {
		return ErrBusy
	}
	if s == nil {
		return ErrNoSocket
	}
	c.bind(s)
	c.state = StateConnecting
	gen := c.gen
	c.rt.Defer(func() {
		if c.gen != gen || c.state != StateConnecting {
			return
		}
		if !s.Connected() {
			c.fail(ErrRemoteClosed)
			return
		}
		c.onConnected()
	})
	return nil
}

// Disconnect closes the socket and drops queued output. It is a no-op on
// a closed connection.
func (c *Connection) Disconnect() {
	if c.state == StateClosed {
		return
	}
	wasConnected := c.state == StateConnected
	c.teardown()
	c.log.Debug().Bool("was_connected", wasConnected).Msg("disconnected")
	if wasConnected {
		observability.RecordConnection(c.role, "closed")
		for _, l := range c.snapshot() {
			l.OnConnectionClosed(c)
		}
	}
}

// Send queues m on the writer.
func (c *Connection) Send(m *protocol.Message) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	c.writer.Enqueue(m)
	observability.SetWriterQueue(c.role, c.writer.Pending())
	return nil
}

// SendRaw writes bytes around the writer. done runs once every byte has
// been acknowledged.
func (c *Connection) SendRaw(data []byte, done func()) error {
	if c.state != StateConnected || c.socket == nil {
		return ErrNotConnected
	}
	if err := c.socket.Send(data); err != nil {
		return err
	}
	c.sends = append(c.sends, sendEntry{remaining: len(data), raw: true, done: done})
	return nil
}

func (c *Connection) bind(s transport.Socket) {
	c.gen++
	c.socket = s
	s.SetHandler(socketEvents{c: c, s: s})
}

func (c *Connection) teardown() {
	c.gen++
	c.state = StateClosed
	if c.socket != nil {
		c.socket.SetHandler(nil)
		c.socket.Close()
		c.socket = nil
	}
	c.sends = nil
	c.reader.Reset()
	c.writer.Reset()
	observability.SetWriterQueue(c.role, 0)
}

func (c *Connection) snapshot() []Listener {
	return append([]Listener(nil), c.listeners...)
}

func (c *Connection) onConnected() {
	if err := c.hooks.InitializeConnection(); err != nil {
		c.fail(err)
		return
	}
	c.state = StateConnected
	c.log.Info().Str("remote", c.RemoteAddr()).Msg("connected")
	observability.RecordConnection(c.role, "success")
	gen := c.gen
	c.hooks.OnConnected()
	if c.gen != gen {
		return
	}
	for _, l := range c.snapshot() {
		l.OnConnectionSuccess(c)
	}
	if c.gen == gen {
		c.drain()
	}
}

func (c *Connection) fail(err error) {
	c.teardown()
	c.log.Warn().Err(err).Msg("connection failed")
	observability.RecordConnection(c.role, "failure")
	for _, l := range c.snapshot() {
		l.OnConnectionFailure(c, err)
	}
}

func (c *Connection) lost(err error) {
	c.teardown()
	if err != nil {
		c.log.Warn().Err(err).Msg("connection lost")
	} else {
		c.log.Info().Msg("connection lost")
	}
	observability.RecordConnection(c.role, "lost")
	for _, l := range c.snapshot() {
		l.OnConnectionLost(c)
	}
}

// fatal ends the connection from a socket error in either live state.
func (c *Connection) fatal(err error) {
	switch c.state {
	case StateConnecting:
		c.fail(err)
	case StateConnected:
		c.lost(err)
	}
}

// drain moves socket bytes into the reader. Bytes stay in the socket
// until the connection is fully connected.
func (c *Connection) drain() {
	if c.state != StateConnected || c.socket == nil {
		return
	}
	s := c.socket
	gen := c.gen
	received := false
	buf := make([]byte, recvChunk)
	for c.gen == gen && s.Buffered() > 0 {
		n := s.Recv(buf)
		if n == 0 {
			break
		}
		received = true
		c.reader.Feed(buf[:n])
	}
	if received && c.gen == gen {
		c.hooks.OnDataReceived()
	}
}

// onDataSent matches an acknowledgement against outstanding sends in
// order. It always runs on a later turn than the socket callback.
func (c *Connection) onDataSent(n int) {
	for n > 0 && len(c.sends) > 0 {
		head := &c.sends[0]
		take := n
		if take > head.remaining {
			take = head.remaining
		}
		head.remaining -= take
		n -= take
		raw, done, finished := head.raw, head.done, head.remaining == 0
		if finished {
			c.sends = c.sends[1:]
		}
		gen := c.gen
		if !raw {
			c.writer.OnDataSent(take)
		} else if finished && done != nil {
			done()
		}
		if c.gen != gen {
			return
		}
	}
}

type socketEvents struct {
	c *Connection
	s transport.Socket
}

func (e socketEvents) current() bool {
	return e.c.socket == e.s
}

func (e socketEvents) OnConnected(transport.Socket) {
	if !e.current() || e.c.state != StateConnecting {
		return
	}
	e.c.onConnected()
}

func (e socketEvents) OnConnectError(_ transport.Socket, err error) {
	if !e.current() || e.c.state != StateConnecting {
		return
	}
	e.c.fail(err)
}

func (e socketEvents) OnDataReady(transport.Socket) {
	if !e.current() {
		return
	}
	e.c.drain()
}

func (e socketEvents) OnDataSent(_ transport.Socket, n int) {
	if !e.current() {
		return
	}
	c := e.c
	gen := c.gen
	c.rt.Defer(func() {
		if c.gen != gen {
			return
		}
		c.onDataSent(n)
	})
}

func (e socketEvents) OnSendError(_ transport.Socket, err error) {
	if !e.current() {
		return
	}
	e.c.fatal(fmt.Errorf("send: %w", err))
}

func (e socketEvents) OnReceiveError(_ transport.Socket, err error) {
	if !e.current() {
		return
	}
	e.c.fatal(fmt.Errorf("receive: %w", err))
}

func (e socketEvents) OnClosed(transport.Socket) {
	if !e.current() {
		return
	}
	if e.c.state == StateConnecting {
		e.c.fail(ErrRemoteClosed)
		return
	}
	e.c.fatal(nil)
}

type readerEvents struct {
	c *Connection
}

func (e readerEvents) OnMessageParsed(m *protocol.Message) {
	observability.RecordMessage(e.c.role, "in", m.Header.Type.String())
	e.c.hooks.OnMessageParsed(m)
}

func (e readerEvents) OnMessageParseError(err *wire.ParseError) {
	observability.RecordParseError(err.Kind.String())
	e.c.log.Warn().Err(err).Msg("parse error")
	e.c.hooks.OnMessageParseError(err)
}

type writerEvents struct {
	c *Connection
}

func (e writerEvents) SendData(data []byte) error {
	c := e.c
	if c.socket == nil {
		return ErrNotConnected
	}
	if err := c.socket.Send(data); err != nil {
		return err
	}
	c.sends = append(c.sends, sendEntry{remaining: len(data)})
	return nil
}

func (e writerEvents) OnMessageSent(m *protocol.Message) {
	observability.RecordMessage(e.c.role, "out", m.Header.Type.String())
	observability.SetWriterQueue(e.c.role, e.c.writer.Pending())
	e.c.hooks.OnMessageSent(m)
}

func (e writerEvents) OnWriteError(m *protocol.Message, err error) {
	e.c.log.Warn().Err(err).Str("service", m.Header.Service).Msg("write failed")
	e.c.hooks.OnWriteError(m, err)
}
