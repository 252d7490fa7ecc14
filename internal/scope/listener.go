package scope

import (
	"errors"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/transport"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var ErrListenerClosed = errors.New("scope: host listener closed")

// ClientFactory returns the client a freshly accepted host is attached
// to. A nil client leaves the host unattached.
type ClientFactory func(h *NetworkHost) (Client, error)

// HostListenerOptions configures a HostListener.
type HostListenerOptions struct {
	Address string
	Port    int
	Host    NetworkHostOptions
}

// HostListener accepts application connections and runs one NetworkHost
// per socket.
type HostListener struct {
	rt      *loop.Runtime
	network transport.Network
	manager *AttachmentManager
	factory ClientFactory
	opts    HostListenerOptions
	log     zerolog.Logger

	socket transport.ListeningSocket
	hosts  []*NetworkHost
	closed bool
}

func NewHostListener(rt *loop.Runtime, network transport.Network, manager *AttachmentManager, opts HostListenerOptions, factory ClientFactory) *HostListener {
	l := &HostListener{
		rt:      rt,
		network: network,
		manager: manager,
		factory: factory,
		opts:    opts,
		log:     logging.Component("host_listener"),
	}
	manager.AddListener(l)
	return l
}

// Listen binds the configured address.
func (l *HostListener) Listen() error {
	if l.closed {
		return ErrListenerClosed
	}
	s := l.network.NewListeningSocket()
	s.SetHandler(l)
	if err := s.Listen(l.opts.Address, l.opts.Port); err != nil {
		return err
	}
	l.socket = s
	l.log.Info().Str("addr", s.Addr()).Msg("listening for applications")
	return nil
}

func (l *HostListener) Addr() string {
	if l.socket == nil {
		return ""
	}
	return l.socket.Addr()
}

// Hosts returns the live hosts in accept order.
func (l *HostListener) Hosts() []*NetworkHost {
	return append([]*NetworkHost(nil), l.hosts...)
}

func (l *HostListener) OnConnectionRequest(s transport.ListeningSocket) {
	sock, err := s.Accept()
	if err != nil {
		l.log.Warn().Err(err).Msg("accept failed")
		return
	}
	if err := l.serve(sock); err != nil {
		l.log.Warn().Err(err).Msg("host setup failed")
		sock.Close()
	}
}

func (l *HostListener) OnListenError(_ transport.ListeningSocket, err error) {
	l.log.Error().Err(err).Msg("listen error")
}

func (l *HostListener) serve(sock transport.Socket) error {
	h, err := NewNetworkHost(l.rt, nil, l.opts.Host)
	if err != nil {
		return err
	}
	l.manager.AdoptHost(h)
	if l.factory != nil {
		c, err := l.factory(h)
		if err != nil {
			return err
		}
		if c != nil {
			l.manager.AdoptClient(c)
			if err := l.manager.Attach(c, h); err != nil {
				_ = l.manager.Detach(c, h)
				return err
			}
		}
	}
	if err := h.ConnectSocket(sock); err != nil {
		return err
	}
	l.hosts = append(l.hosts, h)
	l.log.Info().Str("remote", sock.RemoteAddr()).Str("conn", h.Connection().ID()).Msg("application accepted")
	return nil
}

func (l *HostListener) OnClientDestruction(Client) {}

func (l *HostListener) OnHostDestruction(h Host) {
	for i, existing := range l.hosts {
		if Host(existing) == h {
			l.hosts = append(l.hosts[:i], l.hosts[i+1:]...)
			return
		}
	}
}

// Close stops listening and disconnects every host.
func (l *HostListener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	if l.socket != nil {
		err = multierr.Append(err, l.socket.Close())
	}
	for _, h := range l.Hosts() {
		h.Disconnect()
		if c := h.Client(); c != nil {
			err = multierr.Append(err, l.manager.ScheduleDestruction(c))
		}
		err = multierr.Append(err, l.manager.ScheduleDestruction(h))
	}
	l.manager.RemoveListener(l)
	l.hosts = nil
	return err
}
