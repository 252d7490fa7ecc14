package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/rs/zerolog"
)

const readChunk = 32 * 1024

// TCPNetwork creates TCP sockets, optionally wrapped in TLS.
type TCPNetwork struct {
	Runtime     *loop.Runtime
	ClientTLS   *tls.Config
	ServerTLS   *tls.Config
	DialTimeout time.Duration
}

func (n *TCPNetwork) NewSocket() Socket {
	return &tcpSocket{
		rt:      n.Runtime,
		tls:     n.ClientTLS,
		timeout: n.DialTimeout,
		handler: nopHandler{},
		log:     logging.Component("transport"),
	}
}

func (n *TCPNetwork) NewListeningSocket() ListeningSocket {
	return &tcpListener{
		rt:      n.Runtime,
		tls:     n.ServerTLS,
		handler: nopAcceptHandler{},
		log:     logging.Component("transport"),
	}
}

// tcpSocket fields without a lock are loop-only.
type tcpSocket struct {
	rt      *loop.Runtime
	tls     *tls.Config
	timeout time.Duration
	handler Handler
	log     zerolog.Logger

	conn       net.Conn
	connecting bool
	closed     bool
	inbound    []byte
	out        *sendQueue
	cancelDial context.CancelFunc
}

func (s *tcpSocket) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	s.handler = h
}

func (s *tcpSocket) Connect(address string, port int) error {
	if s.conn != nil || s.connecting {
		return ErrAlreadyConnected
	}
	if s.closed {
		return ErrNotConnected
	}
	s.connecting = true
	target := HostPort(address, port)
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.cancelDial = cancel
	go func() {
		defer cancel()
		conn, err := s.dial(ctx, target)
		s.rt.Post(func() {
			s.connecting = false
			if s.closed {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				s.log.Debug().Str("target", target).Err(err).Msg("connect failed")
				s.handler.OnConnectError(s, err)
				return
			}
			s.attach(conn)
			s.handler.OnConnected(s)
		})
	}()
	return nil
}

func (s *tcpSocket) dial(ctx context.Context, target string) (net.Conn, error) {
	if s.tls != nil {
		d := &tls.Dialer{Config: s.tls}
		return d.DialContext(ctx, "tcp", target)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", target)
}

func (s *tcpSocket) attach(conn net.Conn) {
	s.conn = conn
	s.out = newSendQueue()
	go s.readLoop(conn)
	go s.writeLoop(conn, s.out)
}

func (s *tcpSocket) readLoop(conn net.Conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.rt.Post(func() {
				if s.closed {
					return
				}
				s.inbound = append(s.inbound, chunk...)
				s.handler.OnDataReady(s)
			})
		}
		if err != nil {
			s.rt.Post(func() { s.remoteClosed(err) })
			return
		}
	}
}

func (s *tcpSocket) remoteClosed(err error) {
	if s.closed {
		return
	}
	s.shutdown()
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.handler.OnReceiveError(s, err)
	}
	s.handler.OnClosed(s)
}

func (s *tcpSocket) writeLoop(conn net.Conn, q *sendQueue) {
	for {
		data, ok := q.pop()
		if !ok {
			return
		}
		n, err := conn.Write(data)
		s.rt.Post(func() {
			if s.closed {
				return
			}
			if err != nil {
				s.handler.OnSendError(s, err)
				return
			}
			s.handler.OnDataSent(s, n)
		})
		if err != nil {
			return
		}
	}
}

func (s *tcpSocket) Send(data []byte) error {
	if s.conn == nil || s.closed {
		return ErrNotConnected
	}
	s.out.push(append([]byte(nil), data...))
	return nil
}

func (s *tcpSocket) Recv(buf []byte) int {
	n := copy(buf, s.inbound)
	s.inbound = s.inbound[n:]
	if len(s.inbound) == 0 {
		s.inbound = nil
	}
	return n
}

func (s *tcpSocket) Buffered() int {
	return len(s.inbound)
}

func (s *tcpSocket) Connected() bool {
	return s.conn != nil && !s.closed
}

func (s *tcpSocket) Close() {
	if s.closed {
		return
	}
	if s.cancelDial != nil {
		s.cancelDial()
	}
	s.shutdown()
}

func (s *tcpSocket) shutdown() {
	s.closed = true
	s.inbound = nil
	if s.out != nil {
		s.out.close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *tcpSocket) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// sendQueue hands buffers from the loop to the writer goroutine without
// bounding the backlog.
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newSendQueue() *sendQueue {
	q := &sendQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) push(b []byte) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, b)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

type tcpListener struct {
	rt      *loop.Runtime
	tls     *tls.Config
	handler AcceptHandler
	log     zerolog.Logger

	ln      net.Listener
	pending []net.Conn
	closed  bool
}

func (l *tcpListener) SetHandler(h AcceptHandler) {
	if h == nil {
		h = nopAcceptHandler{}
	}
	l.handler = h
}

func (l *tcpListener) Listen(address string, port int) error {
	if l.ln != nil {
		return ErrAddressInUse
	}
	ln, err := net.Listen("tcp", HostPort(address, port))
	if err != nil {
		return err
	}
	if l.tls != nil {
		ln = tls.NewListener(ln, l.tls)
	}
	l.ln = ln
	l.log.Info().Str("addr", ln.Addr().String()).Bool("tls", l.tls != nil).Msg("listening")
	go l.acceptLoop(ln)
	return nil
}

func (l *tcpListener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.rt.Post(func() {
				if l.closed {
					return
				}
				l.handler.OnListenError(l, err)
			})
			return
		}
		l.rt.Post(func() {
			if l.closed {
				_ = conn.Close()
				return
			}
			l.pending = append(l.pending, conn)
			l.handler.OnConnectionRequest(l)
		})
	}
}

func (l *tcpListener) Accept() (Socket, error) {
	if l.closed {
		return nil, ErrListenerClosed
	}
	if len(l.pending) == 0 {
		return nil, ErrNoPendingConn
	}
	conn := l.pending[0]
	l.pending = l.pending[1:]
	s := &tcpSocket{rt: l.rt, handler: nopHandler{}, log: l.log}
	s.attach(conn)
	return s, nil
}

func (l *tcpListener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func (l *tcpListener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for _, c := range l.pending {
		_ = c.Close()
	}
	l.pending = nil
	return err
}
