// Package transport provides the stream sockets the protocol engine runs
// on. Sockets never block the loop: connect, send and receive complete
// through Handler callbacks, which always run on the loop runtime.
package transport

import (
	"errors"
	"net"
	"strconv"
)

var (
	ErrNotConnected      = errors.New("transport: socket not connected")
	ErrAlreadyConnected  = errors.New("transport: socket already connected")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrAddressInUse      = errors.New("transport: address in use")
	ErrNoPendingConn     = errors.New("transport: no pending connection")
	ErrListenerClosed    = errors.New("transport: listener closed")
)

// Handler receives socket events.
type Handler interface {
	OnConnected(s Socket)
	OnConnectError(s Socket, err error)
	OnDataReady(s Socket)
	OnDataSent(s Socket, n int)
	OnSendError(s Socket, err error)
	OnReceiveError(s Socket, err error)
	// OnClosed reports a close the local side did not request.
	OnClosed(s Socket)
}

// Socket is a non-blocking stream socket.
type Socket interface {
	SetHandler(h Handler)
	// Connect starts an outbound connection. Completion is reported
	// through OnConnected or OnConnectError.
	Connect(address string, port int) error
	// Send queues data. Each accepted call produces one OnDataSent or
	// OnSendError.
	Send(data []byte) error
	// Recv copies buffered inbound bytes into buf.
	Recv(buf []byte) int
	// Buffered reports how many inbound bytes Recv can return.
	Buffered() int
	// Connected reports whether the socket can send.
	Connected() bool
	Close()
	RemoteAddr() string
}

// Dialer creates unconnected sockets.
type Dialer interface {
	NewSocket() Socket
}

// AcceptHandler receives listening socket events.
type AcceptHandler interface {
	OnConnectionRequest(l ListeningSocket)
	OnListenError(l ListeningSocket, err error)
}

// ListeningSocket accepts inbound stream sockets.
type ListeningSocket interface {
	SetHandler(h AcceptHandler)
	Listen(address string, port int) error
	// Accept pops one pending connection announced by OnConnectionRequest.
	Accept() (Socket, error)
	Addr() string
	Close() error
}

// Network is a source of both socket kinds.
type Network interface {
	Dialer
	NewListeningSocket() ListeningSocket
}

// HostPort joins an address and port the way net.Dial expects.
func HostPort(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

type nopHandler struct{}

func (nopHandler) OnConnected(Socket)           {}
func (nopHandler) OnConnectError(Socket, error) {}
func (nopHandler) OnDataReady(Socket)           {}
func (nopHandler) OnDataSent(Socket, int)       {}
func (nopHandler) OnSendError(Socket, error)    {}
func (nopHandler) OnReceiveError(Socket, error) {}
func (nopHandler) OnClosed(Socket)              {}

type nopAcceptHandler struct{}

func (nopAcceptHandler) OnConnectionRequest(ListeningSocket)  {}
func (nopAcceptHandler) OnListenError(ListeningSocket, error) {}
