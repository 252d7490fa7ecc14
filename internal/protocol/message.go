package protocol

// Payload is the message body carrier: either Bytes or Native.
type Payload interface {
	isPayload()
	Len() int
}

// Bytes is an owned serialized body.
type Bytes []byte

func (Bytes) isPayload() {}

func (b Bytes) Len() int { return len(b) }

// Native references a language-runtime object. The Message does not own
// it; the originating runtime keeps it alive for the Message's lifetime.
type Native struct {
	Handle any
}

func (Native) isPayload() {}

func (Native) Len() int { return 0 }

// Message is a Header plus exactly one payload carrier.
type Message struct {
	Header  Header
	Payload Payload
}

// NewMessage copies data so the message owns its buffer.
func NewMessage(h Header, data []byte) *Message {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Message{Header: h, Payload: Bytes(buf)}
}

// NewNativeMessage wraps a runtime object handle.
func NewNativeMessage(h Header, handle any) *Message {
	h.Format = FormatNative
	return &Message{Header: h, Payload: Native{Handle: handle}}
}

// Bytes returns the serialized body; ok is false for native payloads.
func (m *Message) Bytes() ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	switch p := m.Payload.(type) {
	case nil:
		return nil, true
	case Bytes:
		return []byte(p), true
	default:
		return nil, false
	}
}

// Native returns the object handle; ok is false for byte payloads.
func (m *Message) Native() (any, bool) {
	if m == nil {
		return nil, false
	}
	p, ok := m.Payload.(Native)
	if !ok {
		return nil, false
	}
	return p.Handle, true
}

// Text returns the byte payload as a string. Used for STP/0 bodies.
func (m *Message) Text() string {
	b, _ := m.Bytes()
	return string(b)
}

// Clone deep-copies byte payloads. Native handles are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{Header: m.Header}
	switch p := m.Payload.(type) {
	case Bytes:
		buf := make([]byte, len(p))
		copy(buf, p)
		out.Payload = Bytes(buf)
	default:
		out.Payload = p
	}
	return out
}
