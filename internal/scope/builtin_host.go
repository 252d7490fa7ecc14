package scope

import (
	"errors"
	"net/url"
	"runtime"
	"strings"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrNoClient = errors.New("scope: no client attached")

// CoreVersion is reported by HostInfo.
const CoreVersion = "1.0.0"

// BuiltinHostOptions configures a BuiltinHost.
type BuiltinHostOptions struct {
	Name            string
	CoreVersion     string
	Platform        string
	OperatingSystem string
	UserAgent       string
	// Stp0DoubleUnescape percent-unescapes STP/0 meta arguments twice,
	// as legacy peers expect.
	Stp0DoubleUnescape bool
	// OnQuit runs after a client asked the host to quit.
	OnQuit func()
}

func (o BuiltinHostOptions) WithDefaults() BuiltinHostOptions {
	if o.Name == "" {
		o.Name = "builtin"
	}
	if o.CoreVersion == "" {
		o.CoreVersion = CoreVersion
	}
	if o.Platform == "" {
		o.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if o.OperatingSystem == "" {
		o.OperatingSystem = runtime.GOOS
	}
	if o.UserAgent == "" {
		o.UserAgent = "scoped/" + o.CoreVersion
	}
	return o
}

// versioned is implemented by clients that know their negotiated STP
// version.
type versioned interface {
	ProtocolVersion() int
}

// BuiltinHost exposes the in-process service registry to one client.
type BuiltinHost struct {
	HostBase
	rt       *loop.Runtime
	opts     BuiltinHostOptions
	registry *ServiceRegistry
	meta     *metaService
	log      zerolog.Logger

	clientFormat  protocol.Format
	clientVersion int
}

func NewBuiltinHost(rt *loop.Runtime, opts BuiltinHostOptions) *BuiltinHost {
	opts = opts.WithDefaults()
	h := &BuiltinHost{
		HostBase:     NewHostBase(opts.Name),
		rt:           rt,
		opts:         opts,
		log:          logging.Component("builtin_host"),
		clientFormat: protocol.FormatBinary,
	}
	h.registry = NewServiceRegistry(h)
	h.meta = newMetaService(h)
	if err := h.registry.Register(h.meta); err != nil {
		panic(err)
	}
	return h
}

func (h *BuiltinHost) Registry() *ServiceRegistry {
	return h.registry
}

// Register adds a service to the host's registry.
func (h *BuiltinHost) Register(s Service) error {
	return h.registry.Register(s)
}

func (h *BuiltinHost) Version() int {
	return 1
}

// Receive dispatches a call from the client. STP/0 meta commands are
// handled here.
func (h *BuiltinHost) Receive(m *protocol.Message) error {
	h.clientVersion = m.Header.Version
	if m.Header.IsMeta() {
		return h.receiveMeta(m)
	}
	return h.registry.Dispatch(m)
}

func (h *BuiltinHost) receiveMeta(m *protocol.Message) error {
	arg := h.unescape(strings.TrimSpace(m.Text()))
	switch m.Header.Service {
	case protocol.MetaEnable:
		if arg == protocol.Stp1Token {
			return nil
		}
		if err := h.registry.Enable(arg); err != nil {
			h.log.Warn().Err(err).Str("service", arg).Msg("stp/0 enable rejected")
		}
	case protocol.MetaDisable:
		if err := h.registry.Disable(arg); err != nil {
			h.log.Warn().Err(err).Str("service", arg).Msg("stp/0 disable rejected")
		}
	case protocol.MetaQuit:
		h.quit()
	case protocol.MetaServices:
		return h.sendServiceList()
	default:
		h.log.Debug().Str("service", m.Header.Service).Msg("unknown meta command")
	}
	return nil
}

func (h *BuiltinHost) unescape(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	if h.opts.Stp0DoubleUnescape {
		if twice, err := url.PathUnescape(out); err == nil {
			out = twice
		}
	}
	return out
}

// Announce starts a new client session: manual services are disabled,
// async commands dropped and the service list sent.
func (h *BuiltinHost) Announce() error {
	h.clientVersion = 0
	h.registry.DisableAll()
	h.registry.ClearAsync()
	return h.sendServiceList()
}

// sendServiceList sends "*services <names>,stp-1" to the client.
func (h *BuiltinHost) sendServiceList() error {
	names := make([]string, 0, len(h.registry.services)+1)
	for _, s := range h.registry.services {
		names = append(names, s.serviceBase().Name())
	}
	names = append(names, protocol.Stp1Token)
	m := protocol.NewMessage(frame.Stp0Header(protocol.TypeEvent, protocol.MetaServices), []byte(strings.Join(names, ",")))
	return h.SendToClient(m)
}

// ConfigureTranscoding applies immediately on a builtin host.
func (h *BuiltinHost) ConfigureTranscoding(f protocol.Format) {
	if f == protocol.FormatNone || f == protocol.FormatNative {
		return
	}
	h.setClientFormat(f)
}

func (h *BuiltinHost) OnClientAttached(c Client) error {
	h.log.Info().Str("client", c.Name()).Msg("client attached")
	h.clientVersion = 0
	h.registry.DisableAll()
	return nil
}

func (h *BuiltinHost) OnClientDetached(c Client) {
	h.log.Info().Str("client", c.Name()).Msg("client detached")
	h.registry.DisableAll()
	h.registry.ClearAsync()
}

func (h *BuiltinHost) Destroy() {
	if m := h.Manager(); m != nil {
		_ = m.ReportDestruction(h)
	}
	h.registry.DisableAll()
	h.registry.ClearAsync()
}

// SendToClient implements Sink.
func (h *BuiltinHost) SendToClient(m *protocol.Message) error {
	c := h.Client()
	if c == nil {
		return ErrNoClient
	}
	return c.Receive(m)
}

// EventFormat implements Sink.
func (h *BuiltinHost) EventFormat() (protocol.Format, int) {
	version := h.clientVersion
	if v, ok := h.Client().(versioned); ok {
		version = v.ProtocolVersion()
	}
	return h.clientFormat, version
}

// ClientFormat reports the format events are encoded in.
func (h *BuiltinHost) ClientFormat() protocol.Format {
	return h.clientFormat
}

func (h *BuiltinHost) setClientFormat(f protocol.Format) {
	h.clientFormat = f
	h.log.Debug().Str("format", f.String()).Msg("client format set")
}

func (h *BuiltinHost) quit() {
	h.registry.DisableAll()
	if err := h.meta.SendEvent(schema.ScopeOnQuit, schema.Record{}); err != nil && !errors.Is(err, ErrNoClient) {
		h.log.Warn().Err(err).Msg("quit event failed")
	}
	if h.opts.OnQuit != nil {
		h.opts.OnQuit()
	}
}

func (h *BuiltinHost) serviceNames() []any {
	out := make([]any, 0, len(h.registry.services))
	for _, s := range h.registry.services {
		out = append(out, s.serviceBase().Name())
	}
	return out
}

// HostInfo builds the HostInfo record for the scope service.
func (h *BuiltinHost) HostInfo() schema.Record {
	services := make([]any, 0, len(h.registry.services))
	for _, s := range h.registry.services {
		b := s.serviceBase()
		services = append(services, schema.Record{b.Name(), b.Version(), b.enabled})
	}
	return schema.Record{
		uint64(h.Version()),
		h.opts.CoreVersion,
		h.opts.Platform,
		h.opts.OperatingSystem,
		h.opts.UserAgent,
		services,
	}
}
