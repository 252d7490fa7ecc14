package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/danmuck/scope/internal/loop"
)

// MemoryNetwork is an in-process Network. Every event is posted to the
// loop, so tests drive it deterministically with RunUntilIdle.
type MemoryNetwork struct {
	rt        *loop.Runtime
	listeners map[string]*memListener
	seq       atomic.Uint64
}

func NewMemoryNetwork(rt *loop.Runtime) *MemoryNetwork {
	return &MemoryNetwork{rt: rt, listeners: make(map[string]*memListener)}
}

func (n *MemoryNetwork) NewSocket() Socket {
	return n.newSocket()
}

func (n *MemoryNetwork) newSocket() *memSocket {
	return &memSocket{net: n, id: n.seq.Add(1), handler: nopHandler{}}
}

func (n *MemoryNetwork) NewListeningSocket() ListeningSocket {
	return &memListener{net: n, handler: nopAcceptHandler{}}
}

// Pipe returns two connected sockets.
func (n *MemoryNetwork) Pipe() (Socket, Socket) {
	a, b := n.newSocket(), n.newSocket()
	a.peer, b.peer = b, a
	return a, b
}

type memSocket struct {
	net     *MemoryNetwork
	id      uint64
	handler Handler
	peer    *memSocket
	inbound []byte
	closed  bool
	dialing bool
}

func (s *memSocket) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	s.handler = h
}

func (s *memSocket) Connect(address string, port int) error {
	if s.peer != nil || s.dialing {
		return ErrAlreadyConnected
	}
	if s.closed {
		return ErrNotConnected
	}
	s.dialing = true
	key := HostPort(address, port)
	s.net.rt.Post(func() {
		s.dialing = false
		if s.closed {
			return
		}
		l, ok := s.net.listeners[key]
		if !ok || l.closed {
			s.handler.OnConnectError(s, fmt.Errorf("%w: %s", ErrConnectionRefused, key))
			return
		}
		remote := s.net.newSocket()
		s.peer, remote.peer = remote, s
		l.pending = append(l.pending, remote)
		l.handler.OnConnectionRequest(l)
		s.handler.OnConnected(s)
	})
	return nil
}

func (s *memSocket) Send(data []byte) error {
	if s.peer == nil || s.closed {
		return ErrNotConnected
	}
	chunk := append([]byte(nil), data...)
	peer := s.peer
	s.net.rt.Post(func() {
		if peer.closed {
			return
		}
		peer.inbound = append(peer.inbound, chunk...)
		peer.handler.OnDataReady(peer)
	})
	s.net.rt.Post(func() {
		if s.closed {
			return
		}
		s.handler.OnDataSent(s, len(chunk))
	})
	return nil
}

func (s *memSocket) Recv(buf []byte) int {
	n := copy(buf, s.inbound)
	s.inbound = s.inbound[n:]
	if len(s.inbound) == 0 {
		s.inbound = nil
	}
	return n
}

func (s *memSocket) Buffered() int {
	return len(s.inbound)
}

func (s *memSocket) Connected() bool {
	return s.peer != nil && !s.closed
}

func (s *memSocket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.inbound = nil
	peer := s.peer
	if peer == nil {
		return
	}
	s.net.rt.Post(func() {
		if peer.closed {
			return
		}
		peer.closed = true
		peer.handler.OnClosed(peer)
	})
}

func (s *memSocket) RemoteAddr() string {
	if s.peer == nil {
		return ""
	}
	return fmt.Sprintf("memory:%d", s.peer.id)
}

type memListener struct {
	net     *MemoryNetwork
	handler AcceptHandler
	key     string
	pending []*memSocket
	closed  bool
}

func (l *memListener) SetHandler(h AcceptHandler) {
	if h == nil {
		h = nopAcceptHandler{}
	}
	l.handler = h
}

func (l *memListener) Listen(address string, port int) error {
	key := HostPort(address, port)
	if _, taken := l.net.listeners[key]; taken || l.key != "" {
		return fmt.Errorf("%w: %s", ErrAddressInUse, key)
	}
	l.key = key
	l.net.listeners[key] = l
	return nil
}

func (l *memListener) Accept() (Socket, error) {
	if l.closed {
		return nil, ErrListenerClosed
	}
	if len(l.pending) == 0 {
		return nil, ErrNoPendingConn
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, nil
}

func (l *memListener) Addr() string {
	return l.key
}

func (l *memListener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.key != "" {
		delete(l.net.listeners, l.key)
	}
	for _, s := range l.pending {
		s.Close()
	}
	l.pending = nil
	return nil
}
