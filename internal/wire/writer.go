package wire

import (
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
)

// WriterListener connects the writer to a transport.
type WriterListener interface {
	// SendData hands serialized bytes to the transport. Completion comes
	// back through Writer.OnDataSent.
	SendData(data []byte) error
	OnMessageSent(m *protocol.Message)
	OnWriteError(m *protocol.Message, err error)
}

// Writer serializes queued messages one at a time in FIFO order. The
// queue is unbounded.
type Writer struct {
	listener WriterListener
	version  int
	enabled  bool

	queue   []*protocol.Message
	current *protocol.Message
	size    int
	acked   int
}

func NewWriter(listener WriterListener) *Writer {
	return &Writer{listener: listener, enabled: true}
}

func (w *Writer) Version() int {
	return w.version
}

// SetVersion selects the framing for messages not yet serialized.
func (w *Writer) SetVersion(v int) {
	w.version = v
}

func (w *Writer) Enabled() bool {
	return w.enabled
}

// Enable resumes flushing from the head of the queue.
func (w *Writer) Enable() {
	w.enabled = true
	w.flush()
}

// Disable pauses flushing. A message already handed to the transport
// still completes.
func (w *Writer) Disable() {
	w.enabled = false
}

// Enqueue appends m and flushes when possible.
func (w *Writer) Enqueue(m *protocol.Message) {
	w.queue = append(w.queue, m)
	w.flush()
}

// Pending reports queued messages including one in flight.
func (w *Writer) Pending() int {
	n := len(w.queue)
	if w.current != nil {
		n++
	}
	return n
}

// InFlight reports whether serialized bytes await acknowledgement.
func (w *Writer) InFlight() bool {
	return w.current != nil
}

// Reset drops the queue and any in-flight message.
func (w *Writer) Reset() {
	w.queue = nil
	w.current = nil
	w.size = 0
	w.acked = 0
}

// OnDataSent advances the cursor of the in-flight message.
func (w *Writer) OnDataSent(n int) {
	if w.current == nil {
		return
	}
	w.acked += n
	if w.acked < w.size {
		return
	}
	m := w.current
	w.current = nil
	w.size = 0
	w.acked = 0
	w.listener.OnMessageSent(m)
	w.flush()
}

func (w *Writer) flush() {
	for w.enabled && w.current == nil && len(w.queue) > 0 {
		m := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		data, err := Serialize(w.version, m)
		if err != nil {
			w.listener.OnWriteError(m, err)
			continue
		}
		w.current = m
		w.size = len(data)
		w.acked = 0
		if err := w.listener.SendData(data); err != nil {
			w.current = nil
			w.size = 0
			w.listener.OnWriteError(m, err)
		}
	}
}

// Serialize frames m for the given protocol version.
func Serialize(version int, m *protocol.Message) ([]byte, error) {
	data, ok := m.Bytes()
	if !ok {
		return nil, protocol.ErrNativePayload
	}
	if version >= 1 {
		return frame.AppendStp1(nil, m.Header, data)
	}
	return frame.AppendStp0Message(nil, m)
}
