package scope

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/netconn"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
	"github.com/danmuck/scope/internal/transport"
	"github.com/danmuck/scope/internal/wire"
	"github.com/rs/zerolog"
)

var (
	ErrNoHost          = errors.New("scope: no host attached")
	ErrGaveUp          = errors.New("scope: reconnect attempts exhausted")
	ErrProtocolFailure = errors.New("scope: peer sent malformed data")
	ErrConnectionLost  = errors.New("scope: connection lost")
)

// ClientState is the outbound handshake position of a NetworkClient.
type ClientState uint8

const (
	ClientSendServiceList ClientState = iota
	ClientHandshake
	ClientHandshakeResponse
	ClientNormal
)

func (s ClientState) String() string {
	switch s {
	case ClientSendServiceList:
		return "send_service_list"
	case ClientHandshake:
		return "handshake"
	case ClientHandshakeResponse:
		return "handshake_response"
	case ClientNormal:
		return "normal"
	default:
		return fmt.Sprintf("client_state(%d)", uint8(s))
	}
}

// NetworkClientOptions configures a NetworkClient.
type NetworkClientOptions struct {
	Name    string
	Address string
	Port    int
	Limits  frame.Limits
	// Reconnect redials with Backoff after a failure or loss.
	Reconnect bool
	Backoff   BackoffConfig
	// Rand seeds jitter; nil disables jitter randomness.
	Rand *rand.Rand
	// OnGiveUp runs when the client stops trying to stay connected.
	OnGiveUp func(err error)
	// HandshakeTimeout, when set, bounds the wait for the peer's answer to
	// the service list. On expiry the client settles on STP/0.
	HandshakeTimeout time.Duration
}

func (o NetworkClientOptions) WithDefaults() NetworkClientOptions {
	if o.Name == "" {
		o.Name = "network-client"
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoffConfig()
	}
	return o
}

// NetworkClient carries a local host's traffic to a remote debugger. It
// sends the host's service list, then negotiates STP/1 if the remote
// side asks for it.
type NetworkClient struct {
	ClientBase
	rt   *loop.Runtime
	conn *netconn.Connection
	opts NetworkClientOptions
	log  zerolog.Logger

	state     ClientState
	attempts  int
	stopRetry func() bool
	closing   bool
	failure   error

	stopHandshake func() bool
	handshakeGen  uint64
}

func NewNetworkClient(rt *loop.Runtime, dialer transport.Dialer, opts NetworkClientOptions) (*NetworkClient, error) {
	opts = opts.WithDefaults()
	c := &NetworkClient{
		ClientBase: NewClientBase(opts.Name),
		rt:         rt,
		opts:       opts,
	}
	conn, err := netconn.New(rt, dialer, clientHooks{c}, netconn.Options{Role: "client", Limits: opts.Limits})
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.log = logging.Component("network_client").With().Str("conn", conn.ID()).Logger()
	conn.AddListener(clientHooks{c})
	return c, nil
}

func (c *NetworkClient) Connection() *netconn.Connection {
	return c.conn
}

func (c *NetworkClient) State() ClientState {
	return c.state
}

// ProtocolVersion is the STP version currently written to the peer.
func (c *NetworkClient) ProtocolVersion() int {
	return c.conn.Writer().Version()
}

// Connect dials the configured debugger address.
func (c *NetworkClient) Connect() error {
	c.closing = false
	return c.conn.Connect(c.opts.Address, c.opts.Port)
}

// ConnectSocket runs the client over an already connected socket.
func (c *NetworkClient) ConnectSocket(s transport.Socket) error {
	c.closing = false
	return c.conn.ConnectSocket(s)
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *NetworkClient) Disconnect() {
	c.closing = true
	c.cancelRetry()
	c.stopHandshakeTimer()
	c.conn.Disconnect()
}

// Receive sends a host message to the debugger. The writer holds it while
// the handshake has output paused.
func (c *NetworkClient) Receive(m *protocol.Message) error {
	return c.conn.Send(m)
}

func (c *NetworkClient) OnHostAttached(h Host) error {
	c.log.Debug().Str("host", h.Name()).Msg("host attached")
	if c.conn.State() == netconn.StateConnected && c.state == ClientSendServiceList {
		return h.Announce()
	}
	return nil
}

func (c *NetworkClient) OnHostDetached(h Host) {
	c.log.Debug().Str("host", h.Name()).Msg("host detached")
}

func (c *NetworkClient) Destroy() {
	if m := c.Manager(); m != nil {
		_ = m.ReportDestruction(c)
	}
	c.Disconnect()
}

func (c *NetworkClient) cancelRetry() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

func (c *NetworkClient) scheduleReconnect(cause error) {
	if c.closing {
		return
	}
	if !c.opts.Reconnect {
		c.giveUp(cause)
		return
	}
	c.attempts++
	if limit := c.opts.Backoff.MaxAttempts; limit > 0 && c.attempts > limit {
		c.giveUp(fmt.Errorf("%w: %w", ErrGaveUp, cause))
		return
	}
	delay := NextBackoffDelay(c.opts.Backoff, c.attempts, c.opts.Rand)
	c.log.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	c.cancelRetry()
	c.stopRetry = c.rt.AfterFunc(delay, func() {
		c.stopRetry = nil
		if c.closing || c.conn.State() != netconn.StateClosed {
			return
		}
		if err := c.conn.Connect(c.opts.Address, c.opts.Port); err != nil {
			c.scheduleReconnect(err)
		}
	})
}

func (c *NetworkClient) giveUp(cause error) {
	c.closing = true
	c.log.Warn().Err(cause).Msg("network client stopped")
	if c.opts.OnGiveUp != nil {
		c.opts.OnGiveUp(cause)
	}
}

// armHandshakeTimer starts the wait for the peer's first message. A timer
// that fires after the handshake moved on is ignored.
func (c *NetworkClient) armHandshakeTimer() {
	c.stopHandshakeTimer()
	if c.opts.HandshakeTimeout <= 0 {
		return
	}
	gen := c.handshakeGen
	c.stopHandshake = c.rt.AfterFunc(c.opts.HandshakeTimeout, func() {
		if gen != c.handshakeGen || c.state != ClientHandshake {
			return
		}
		c.stopHandshake = nil
		c.state = ClientNormal
		c.log.Info().Dur("timeout", c.opts.HandshakeTimeout).Msg("handshake timed out; keeping stp/0")
		c.conn.Writer().Enable()
	})
}

func (c *NetworkClient) stopHandshakeTimer() {
	c.handshakeGen++
	if c.stopHandshake != nil {
		c.stopHandshake()
		c.stopHandshake = nil
	}
}

func (c *NetworkClient) onMarkerSent() {
	if c.state != ClientHandshakeResponse {
		return
	}
	r, w := c.conn.Reader(), c.conn.Writer()
	r.SetVersion(1)
	w.SetVersion(1)
	c.state = ClientNormal
	c.log.Info().Msg("stp/1 negotiated")
	w.Enable()
	r.Enable()
}

// deliver hands a debugger message to the host. Calls without a host are
// answered with an internal error.
func (c *NetworkClient) deliver(m *protocol.Message) {
	h := c.Host()
	if h == nil {
		if m.Header.Type == protocol.TypeCall && !m.Header.IsMeta() {
			reply := errorMessage(m.Header, protocol.NewError(protocol.StatusInternalError, ErrNoHost.Error()))
			_ = c.conn.Send(reply)
		}
		c.log.Warn().Str("service", m.Header.Service).Msg("message without host")
		return
	}
	if err := h.Receive(m); err != nil {
		c.log.Warn().Err(err).Str("service", m.Header.Service).Msg("host rejected message")
	}
}

type clientHooks struct {
	c *NetworkClient
}

func (k clientHooks) InitializeConnection() error {
	c := k.c
	r, w := c.conn.Reader(), c.conn.Writer()
	r.SetStp0Type(protocol.TypeCall)
	r.SetVersion(0)
	w.SetVersion(0)
	r.Disable()
	w.Enable()
	c.stopHandshakeTimer()
	c.state = ClientSendServiceList
	return nil
}

func (k clientHooks) OnConnected() {
	c := k.c
	c.attempts = 0
	c.failure = nil
	h := c.Host()
	if h == nil {
		c.log.Warn().Msg("connected without a host; waiting for attach")
		return
	}
	if err := h.Announce(); err != nil {
		c.log.Warn().Err(err).Msg("announce failed")
	}
}

func (k clientHooks) OnMessageParsed(m *protocol.Message) {
	c := k.c
	switch c.state {
	case ClientHandshake:
		c.stopHandshakeTimer()
		if m.Header.Service == protocol.MetaEnable && strings.TrimSpace(m.Text()) == protocol.Stp1Token {
			c.state = ClientHandshakeResponse
			c.conn.Reader().Disable()
			c.conn.Writer().Disable()
			if err := c.conn.SendRaw(frame.Marker(1), c.onMarkerSent); err != nil {
				c.log.Warn().Err(err).Msg("marker send failed")
				c.conn.Disconnect()
			}
			return
		}
		c.state = ClientNormal
		c.log.Info().Str("service", m.Header.Service).Msg("peer kept stp/0")
		c.conn.Writer().Enable()
		c.deliver(m)
	case ClientNormal:
		c.deliver(m)
	default:
		c.log.Debug().Str("state", c.state.String()).Msg("message before handshake dropped")
	}
}

func (k clientHooks) OnMessageParseError(err *wire.ParseError) {
	c := k.c
	c.failure = fmt.Errorf("%w: %v", ErrProtocolFailure, err)
	c.conn.Disconnect()
}

func (k clientHooks) OnMessageSent(m *protocol.Message) {
	c := k.c
	if c.state != ClientSendServiceList || m.Header.Service != protocol.MetaServices {
		return
	}
	c.state = ClientHandshake
	c.conn.Writer().Disable()
	c.conn.Reader().Enable()
	c.armHandshakeTimer()
}

func (k clientHooks) OnWriteError(m *protocol.Message, err error) {
	k.c.log.Warn().Err(err).Str("service", m.Header.Service).Msg("message not sent")
}

func (clientHooks) OnDataReceived() {}

func (clientHooks) OnConnectionSuccess(*netconn.Connection) {}

func (k clientHooks) OnConnectionFailure(_ *netconn.Connection, err error) {
	k.c.scheduleReconnect(err)
}

func (k clientHooks) OnConnectionClosed(*netconn.Connection) {
	c := k.c
	c.stopHandshakeTimer()
	if c.failure != nil {
		c.scheduleReconnect(c.failure)
	}
}

func (k clientHooks) OnConnectionLost(*netconn.Connection) {
	k.c.stopHandshakeTimer()
	k.c.scheduleReconnect(ErrConnectionLost)
}
