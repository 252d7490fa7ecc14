package scope

import (
	"errors"
	"fmt"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/rs/zerolog"
)

var (
	ErrNilEndpoint   = errors.New("scope: nil client or host")
	ErrNotAttached   = errors.New("scope: client and host are not attached")
	ErrNotEndpoint   = errors.New("scope: object is neither client nor host")
	ErrAttachFailed  = errors.New("scope: attach callback failed")
	ErrManagerClosed = errors.New("scope: attachment manager closed")
)

// ManagerListener hears about destroyed clients and hosts.
type ManagerListener interface {
	OnClientDestruction(c Client)
	OnHostDestruction(h Host)
}

// AttachmentManager pairs clients with hosts and runs deferred
// destruction. It is the only writer of the Client/Host references.
type AttachmentManager struct {
	rt  *loop.Runtime
	log zerolog.Logger

	clientQueue   []Client
	hostQueue     []Host
	cleanupPosted bool
	listeners     []ManagerListener
	closed        bool
}

func NewAttachmentManager(rt *loop.Runtime) *AttachmentManager {
	return &AttachmentManager{rt: rt, log: logging.Component("attach")}
}

func (m *AttachmentManager) AddListener(l ManagerListener) {
	m.listeners = append(m.listeners, l)
}

func (m *AttachmentManager) RemoveListener(l ManagerListener) {
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// AdoptClient makes m responsible for c's destruction bookkeeping.
func (m *AttachmentManager) AdoptClient(c Client) {
	c.clientBase().manager = m
}

// AdoptHost makes m responsible for h's destruction bookkeeping.
func (m *AttachmentManager) AdoptHost(h Host) {
	h.hostBase().manager = m
}

// Attach pairs c with h, detaching any previous partner of either side
// first. The first callback error is returned; callers wanting
// all-or-nothing semantics detach on error.
func (m *AttachmentManager) Attach(c Client, h Host) error {
	if c == nil || h == nil {
		return ErrNilEndpoint
	}
	if m.closed {
		return ErrManagerClosed
	}
	if c.Host() == h && h.Client() == c {
		return nil
	}
	if old := c.Host(); old != nil {
		_ = m.Detach(c, old)
	}
	if old := h.Client(); old != nil {
		_ = m.Detach(old, h)
	}

	cb, hb := c.clientBase(), h.hostBase()
	cb.host, hb.client = h, c
	cb.manager, hb.manager = m, m
	m.log.Debug().Str("client", c.Name()).Str("host", h.Name()).Msg("attached")

	if err := c.OnHostAttached(h); err != nil {
		return fmt.Errorf("%w: client %s: %v", ErrAttachFailed, c.Name(), err)
	}
	if err := h.OnClientAttached(c); err != nil {
		return fmt.Errorf("%w: host %s: %v", ErrAttachFailed, h.Name(), err)
	}
	return nil
}

// Detach clears both references before notifying either side.
func (m *AttachmentManager) Detach(c Client, h Host) error {
	if c == nil || h == nil {
		return ErrNilEndpoint
	}
	if c.Host() != h || h.Client() != c {
		return ErrNotAttached
	}
	c.clientBase().host = nil
	h.hostBase().client = nil
	m.log.Debug().Str("client", c.Name()).Str("host", h.Name()).Msg("detached")
	c.OnHostDetached(h)
	h.OnClientDetached(c)
	return nil
}

// ScheduleDestruction queues obj for destruction on the next loop turn.
// A client or host may call it on itself from inside a callback.
func (m *AttachmentManager) ScheduleDestruction(obj any) error {
	switch v := obj.(type) {
	case Client:
		for _, queued := range m.clientQueue {
			if queued == v {
				return nil
			}
		}
		m.clientQueue = append(m.clientQueue, v)
	case Host:
		for _, queued := range m.hostQueue {
			if queued == v {
				return nil
			}
		}
		m.hostQueue = append(m.hostQueue, v)
	default:
		return fmt.Errorf("%w: %T", ErrNotEndpoint, obj)
	}
	if !m.cleanupPosted {
		m.cleanupPosted = true
		m.rt.Defer(m.cleanup)
	}
	return nil
}

// ReportDestruction is the immediate path for objects destroyed outside
// the scheduled queue. It is safe to call more than once.
func (m *AttachmentManager) ReportDestruction(obj any) error {
	switch v := obj.(type) {
	case Client:
		m.removeClient(v)
		if v.clientBase().manager != m {
			return nil
		}
		m.retireClient(v)
	case Host:
		m.removeHost(v)
		if v.hostBase().manager != m {
			return nil
		}
		m.retireHost(v)
	default:
		return fmt.Errorf("%w: %T", ErrNotEndpoint, obj)
	}
	return nil
}

// Pending reports queued destructions.
func (m *AttachmentManager) Pending() int {
	return len(m.clientQueue) + len(m.hostQueue)
}

// Close destroys everything still queued and rejects further attaches.
func (m *AttachmentManager) Close() {
	m.closed = true
	m.cleanup()
}

func (m *AttachmentManager) cleanup() {
	m.cleanupPosted = false
	clients, hosts := m.clientQueue, m.hostQueue
	m.clientQueue, m.hostQueue = nil, nil
	for _, c := range clients {
		if c.clientBase().manager == m {
			m.retireClient(c)
		}
		c.Destroy()
	}
	for _, h := range hosts {
		if h.hostBase().manager == m {
			m.retireHost(h)
		}
		h.Destroy()
	}
}

func (m *AttachmentManager) retireClient(c Client) {
	c.clientBase().manager = nil
	if h := c.Host(); h != nil {
		_ = m.Detach(c, h)
	}
	for _, l := range append([]ManagerListener(nil), m.listeners...) {
		l.OnClientDestruction(c)
	}
}

func (m *AttachmentManager) retireHost(h Host) {
	h.hostBase().manager = nil
	if c := h.Client(); c != nil {
		_ = m.Detach(c, h)
	}
	for _, l := range append([]ManagerListener(nil), m.listeners...) {
		l.OnHostDestruction(h)
	}
}

func (m *AttachmentManager) removeClient(c Client) {
	for i, queued := range m.clientQueue {
		if queued == c {
			m.clientQueue = append(m.clientQueue[:i], m.clientQueue[i+1:]...)
			return
		}
	}
}

func (m *AttachmentManager) removeHost(h Host) {
	for i, queued := range m.hostQueue {
		if queued == h {
			m.hostQueue = append(m.hostQueue[:i], m.hostQueue[i+1:]...)
			return
		}
	}
}
