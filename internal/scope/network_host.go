package scope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/netconn"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/transport"
	"github.com/danmuck/scope/internal/wire"
	"github.com/rs/zerolog"
)

var (
	ErrNegotiationFailed = errors.New("scope: protocol negotiation failed")
	ErrHostNotReady      = errors.New("scope: host handshake not finished")
	ErrUnknownPolicy     = errors.New("scope: unknown protocol policy")
)

// internalTagBase starts the tag range the host uses for its own calls.
// Replies in that range never reach the client.
const internalTagBase uint32 = 0x7fff0000

// Policy picks the STP version a NetworkHost negotiates.
type Policy uint8

const (
	// PolicyBestEffort uses STP/1 when the peer offers it.
	PolicyBestEffort Policy = iota
	PolicyForceStp0
	// PolicyForceStp1 fails the handshake unless the peer offers STP/1.
	PolicyForceStp1
)

func (p Policy) String() string {
	switch p {
	case PolicyBestEffort:
		return "best"
	case PolicyForceStp0:
		return "stp0"
	case PolicyForceStp1:
		return "stp1"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "best", "best-effort":
		return PolicyBestEffort, nil
	case "stp0", "0":
		return PolicyForceStp0, nil
	case "stp1", "1":
		return PolicyForceStp1, nil
	default:
		return PolicyBestEffort, fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
	}
}

// HostState is the inbound handshake position of a NetworkHost.
type HostState uint8

const (
	HostNone HostState = iota
	HostHandshake
	HostHandshakeResponse
	// HostHandshakeVersion has seen "STP/" and waits for the version line.
	HostHandshakeVersion
	HostStp0
	HostStp1
)

func (s HostState) String() string {
	switch s {
	case HostNone:
		return "none"
	case HostHandshake:
		return "handshake"
	case HostHandshakeResponse:
		return "handshake_response"
	case HostHandshakeVersion:
		return "handshake_version"
	case HostStp0:
		return "stp0"
	case HostStp1:
		return "stp1"
	default:
		return fmt.Sprintf("host_state(%d)", uint8(s))
	}
}

// SetupState tracks the STP/1 setup pipeline.
type SetupState uint8

const (
	SetupWaiting SetupState = iota
	SetupTranscoder
	SetupSendServiceList
	SetupDone
)

func (s SetupState) String() string {
	switch s {
	case SetupWaiting:
		return "waiting"
	case SetupTranscoder:
		return "transcoder"
	case SetupSendServiceList:
		return "send_service_list"
	case SetupDone:
		return "done"
	default:
		return fmt.Sprintf("setup(%d)", uint8(s))
	}
}

// NetworkHostListener observes a NetworkHost.
type NetworkHostListener interface {
	// OnHostReady fires once the handshake and setup finished.
	OnHostReady(h *NetworkHost)
	OnHostError(h *NetworkHost, err error)
	OnHostClosed(h *NetworkHost)
}

// NetworkHostOptions configures a NetworkHost.
type NetworkHostOptions struct {
	Name   string
	Policy Policy
	Limits frame.Limits
	// Format is the payload format the local client wants. None leaves
	// payloads as the remote host sends them.
	Format protocol.Format
	// Descriptors are the service interfaces known locally; the
	// transcoder needs them to re-encode payloads.
	Descriptors []*schema.Service
}

// NetworkHost represents a remote application's host. It accepts the
// application's connection, negotiates the STP version and relays
// messages between the remote services and the local client.
type NetworkHost struct {
	HostBase
	rt   *loop.Runtime
	conn *netconn.Connection
	opts NetworkHostOptions
	log  zerolog.Logger

	state       HostState
	setup       SetupState
	services    []string
	serviceList *protocol.Message
	transcoder  *Transcoder
	pendingTag  uint32
	nextTag     uint32
	early       []*protocol.Message
	listeners   []NetworkHostListener
}

func NewNetworkHost(rt *loop.Runtime, dialer transport.Dialer, opts NetworkHostOptions) (*NetworkHost, error) {
	if opts.Name == "" {
		opts.Name = "network-host"
	}
	h := &NetworkHost{
		HostBase:   NewHostBase(opts.Name),
		rt:         rt,
		opts:       opts,
		transcoder: NewTranscoder(opts.Descriptors...),
	}
	h.transcoder.SetTarget(opts.Format)
	conn, err := netconn.New(rt, dialer, hostHooks{h}, netconn.Options{Role: "host", Limits: opts.Limits})
	if err != nil {
		return nil, err
	}
	h.conn = conn
	h.log = logging.Component("network_host").With().Str("conn", conn.ID()).Logger()
	conn.AddListener(hostHooks{h})
	return h, nil
}

func (h *NetworkHost) AddListener(l NetworkHostListener) {
	h.listeners = append(h.listeners, l)
}

func (h *NetworkHost) RemoveListener(l NetworkHostListener) {
	for i, existing := range h.listeners {
		if existing == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *NetworkHost) Connection() *netconn.Connection {
	return h.conn
}

func (h *NetworkHost) State() HostState {
	return h.state
}

func (h *NetworkHost) Setup() SetupState {
	return h.setup
}

func (h *NetworkHost) Transcoder() *Transcoder {
	return h.transcoder
}

// RemoteServices lists the services the remote application advertised.
func (h *NetworkHost) RemoteServices() []string {
	return append([]string(nil), h.services...)
}

// Connect dials an application that listens for debuggers.
func (h *NetworkHost) Connect(address string, port int) error {
	return h.conn.Connect(address, port)
}

// ConnectSocket serves an accepted application socket.
func (h *NetworkHost) ConnectSocket(s transport.Socket) error {
	return h.conn.ConnectSocket(s)
}

func (h *NetworkHost) Disconnect() {
	h.conn.Disconnect()
}

// Version is the negotiated STP version.
func (h *NetworkHost) Version() int {
	return h.conn.Writer().Version()
}

// Ready reports whether calls can be relayed.
func (h *NetworkHost) Ready() bool {
	return h.state == HostStp0 || (h.state == HostStp1 && h.setup == SetupDone)
}

// Receive relays a call from the local client to the remote host.
func (h *NetworkHost) Receive(m *protocol.Message) error {
	if !h.Ready() {
		return fmt.Errorf("%w: %s", ErrHostNotReady, h.state)
	}
	return h.conn.Send(m)
}

// Announce forwards the remote service list once setup is done. Earlier
// calls are satisfied when setup completes.
func (h *NetworkHost) Announce() error {
	if h.serviceList == nil || !h.Ready() {
		return nil
	}
	return h.forwardServiceList()
}

// ConfigureTranscoding changes the client's wanted format. On STP/1 the
// transcoder renegotiates with the remote host; None disables it at once.
func (h *NetworkHost) ConfigureTranscoding(f protocol.Format) {
	h.transcoder.SetTarget(f)
	if h.transcoder.Target() == protocol.FormatNone {
		h.pendingTag = 0
		return
	}
	if h.state == HostStp1 && h.setup == SetupDone {
		h.requestHostInfo()
	}
}

func (h *NetworkHost) OnClientAttached(c Client) error {
	h.log.Debug().Str("client", c.Name()).Msg("client attached")
	return nil
}

func (h *NetworkHost) OnClientDetached(c Client) {
	h.log.Debug().Str("client", c.Name()).Msg("client detached")
}

func (h *NetworkHost) Destroy() {
	if m := h.Manager(); m != nil {
		_ = m.ReportDestruction(h)
	}
	h.conn.Disconnect()
}

func (h *NetworkHost) snapshot() []NetworkHostListener {
	return append([]NetworkHostListener(nil), h.listeners...)
}

func (h *NetworkHost) reportError(err error) {
	h.log.Warn().Err(err).Str("state", h.state.String()).Msg("host error")
	for _, l := range h.snapshot() {
		l.OnHostError(h, err)
	}
}

func (h *NetworkHost) scheduleDestruction() {
	if m := h.Manager(); m != nil {
		_ = m.ScheduleDestruction(h)
	}
}

// handshake reads the remote service list and picks the STP version.
func (h *NetworkHost) handshake(m *protocol.Message) {
	if m.Header.Service != protocol.MetaServices {
		h.abort(fmt.Errorf("%w: expected %s, got %q", ErrNegotiationFailed, protocol.MetaServices, m.Header.Service))
		return
	}
	h.serviceList = m.Clone()
	h.services = h.services[:0]
	offered := false
	for _, name := range strings.Split(m.Text(), ",") {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case name == protocol.Stp1Token:
			offered = true
		default:
			h.services = append(h.services, name)
		}
	}

	version := 0
	switch h.opts.Policy {
	case PolicyForceStp1:
		if !offered {
			h.abort(fmt.Errorf("%w: peer does not offer %s", ErrNegotiationFailed, protocol.Stp1Token))
			return
		}
		version = 1
	case PolicyBestEffort:
		if offered {
			version = 1
		}
	}
	h.log.Debug().Strs("services", h.services).Int("version", version).Msg("service list received")

	w := h.conn.Writer()
	w.Enable()
	if version == 0 {
		h.state = HostStp0
		h.setup = SetupDone
		h.transcoder.Disable()
		_ = h.forwardServiceList()
		h.ready()
		return
	}

	h.state = HostHandshakeResponse
	h.conn.Reader().Disable()
	enable := protocol.NewMessage(frame.Stp0Header(protocol.TypeCall, protocol.MetaEnable), []byte(protocol.Stp1Token))
	if err := h.conn.Send(enable); err != nil {
		h.abort(err)
		return
	}
	h.checkMarker()
}

// checkMarker consumes "STP/<n>\n" from the unparsed input.
func (h *NetworkHost) checkMarker() {
	if h.state != HostHandshakeResponse && h.state != HostHandshakeVersion {
		return
	}
	r := h.conn.Reader()
	buf := r.Buffered()
	version, n, err := frame.ParseMarker(buf)
	if errors.Is(err, frame.ErrNeedMore) {
		if len(buf) >= len(frame.MarkerPrefix) {
			h.state = HostHandshakeVersion
		}
		return
	}
	if err != nil {
		h.abort(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
		return
	}
	if version != 1 {
		h.abort(fmt.Errorf("%w: peer switched to STP/%d", ErrNegotiationFailed, version))
		return
	}
	r.Discard(n)
	r.SetVersion(1)
	h.conn.Writer().SetVersion(1)
	h.state = HostStp1
	h.setup = SetupWaiting
	h.log.Info().Msg("stp/1 negotiated")
	h.runSetup()
	r.Enable()
}

func (h *NetworkHost) runSetup() {
	if h.transcoder.Target() != protocol.FormatNone {
		h.setup = SetupTranscoder
		h.requestHostInfo()
		return
	}
	h.finishSetup()
}

func (h *NetworkHost) requestHostInfo() {
	h.nextTag++
	h.pendingTag = internalTagBase + h.nextTag
	if err := h.conn.Send(h.transcoder.HostInfoRequest(h.pendingTag)); err != nil {
		h.transcoder.Disable()
		h.pendingTag = 0
		if h.setup == SetupTranscoder {
			h.finishSetup()
		}
	}
}

func (h *NetworkHost) onHostInfo(m *protocol.Message) {
	h.pendingTag = 0
	if err := h.transcoder.Accept(m); err != nil {
		h.log.Info().Err(err).Msg("transcoding disabled")
	}
	if h.setup == SetupTranscoder {
		h.finishSetup()
	}
}

func (h *NetworkHost) finishSetup() {
	h.setup = SetupSendServiceList
	_ = h.forwardServiceList()
	h.setup = SetupDone
	early := h.early
	h.early = nil
	for _, m := range early {
		h.deliver(m)
	}
	h.ready()
}

func (h *NetworkHost) ready() {
	h.log.Info().Int("version", h.Version()).Str("transcoder", h.transcoder.State().String()).Msg("host ready")
	for _, l := range h.snapshot() {
		l.OnHostReady(h)
	}
}

func (h *NetworkHost) forwardServiceList() error {
	c := h.Client()
	if c == nil || h.serviceList == nil {
		return nil
	}
	return c.Receive(h.serviceList.Clone())
}

// preProcess drops replies to the host's own calls.
func (h *NetworkHost) preProcess(m *protocol.Message) *protocol.Message {
	if m.Header.Type != protocol.TypeEvent && m.Header.Tag >= internalTagBase {
		return nil
	}
	return m
}

func (h *NetworkHost) deliver(m *protocol.Message) {
	if m = h.preProcess(m); m == nil {
		return
	}
	m = h.transcoder.Transcode(m)
	c := h.Client()
	if c == nil {
		h.log.Debug().Str("service", m.Header.Service).Msg("no client, message dropped")
		return
	}
	if err := c.Receive(m); err != nil {
		h.log.Warn().Err(err).Str("service", m.Header.Service).Msg("client rejected message")
	}
}

// notifyClient sends a scope event generated by this host.
func (h *NetworkHost) notifyClient(number uint32, rec schema.Record) {
	c := h.Client()
	if c == nil {
		return
	}
	desc := schema.ScopeService()
	cmd, _ := desc.Command(number)
	format := h.transcoder.Target()
	if format == protocol.FormatNone {
		format = protocol.FormatBinary
	}
	version := h.Version()
	if version == 0 {
		format = protocol.FormatXML
	}
	hdr := protocol.Header{
		Type:      protocol.TypeEvent,
		Service:   desc.Name,
		CommandID: number,
		Format:    format,
		Version:   version,
	}
	m, err := encodeMessage(hdr, desc.Messages, cmd.RequestID, rec)
	if err != nil {
		h.log.Warn().Err(err).Uint32("event", number).Msg("event encoding failed")
		return
	}
	if err := c.Receive(m); err != nil {
		h.log.Debug().Err(err).Uint32("event", number).Msg("client rejected event")
	}
}

func (h *NetworkHost) abort(err error) {
	h.reportError(err)
	h.conn.Disconnect()
	h.scheduleDestruction()
}

type hostHooks struct {
	h *NetworkHost
}

func (k hostHooks) InitializeConnection() error {
	h := k.h
	r, w := h.conn.Reader(), h.conn.Writer()
	r.SetStp0Type(protocol.TypeEvent)
	r.SetVersion(0)
	w.SetVersion(0)
	w.Disable()
	r.EnableQuiet()
	h.state = HostHandshake
	h.setup = SetupWaiting
	h.early = nil
	h.pendingTag = 0
	return nil
}

func (hostHooks) OnConnected() {}

func (k hostHooks) OnMessageParsed(m *protocol.Message) {
	h := k.h
	switch h.state {
	case HostHandshake:
		h.handshake(m)
	case HostStp0:
		h.deliver(m)
	case HostStp1:
		if h.pendingTag != 0 && m.Header.Tag == h.pendingTag && m.Header.Service == schema.ScopeServiceName {
			h.onHostInfo(m)
			return
		}
		if h.setup != SetupDone {
			h.early = append(h.early, m)
			return
		}
		h.deliver(m)
	default:
		h.log.Debug().Str("state", h.state.String()).Msg("message during handshake dropped")
	}
}

func (k hostHooks) OnMessageParseError(err *wire.ParseError) {
	h := k.h
	h.notifyClient(schema.ScopeOnError, schema.Record{err.Error()})
	h.abort(err)
}

func (hostHooks) OnMessageSent(*protocol.Message) {}

func (k hostHooks) OnWriteError(m *protocol.Message, err error) {
	k.h.log.Warn().Err(err).Str("service", m.Header.Service).Msg("message not sent")
}

func (k hostHooks) OnDataReceived() {
	k.h.checkMarker()
}

func (hostHooks) OnConnectionSuccess(*netconn.Connection) {}

func (k hostHooks) OnConnectionFailure(_ *netconn.Connection, err error) {
	h := k.h
	h.reportError(err)
	h.scheduleDestruction()
}

func (k hostHooks) OnConnectionClosed(*netconn.Connection) {
	h := k.h
	h.state = HostNone
	for _, l := range h.snapshot() {
		l.OnHostClosed(h)
	}
}

func (k hostHooks) OnConnectionLost(*netconn.Connection) {
	h := k.h
	h.notifyClient(schema.ScopeOnConnectionLost, schema.Record{})
	h.state = HostNone
	for _, l := range h.snapshot() {
		l.OnHostClosed(h)
	}
	h.scheduleDestruction()
}
