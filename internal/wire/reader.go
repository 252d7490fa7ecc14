package wire

import (
	"errors"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/frame"
)

// ReaderListener receives parse results on the loop.
type ReaderListener interface {
	OnMessageParsed(m *protocol.Message)
	OnMessageParseError(err *ParseError)
}

type stage uint8

const (
	stageHead stage = iota
	stageSize
	stageBody
)

// Reader turns an incremental byte stream into messages. Partial units
// stay buffered together with the parse stage, so a later Feed resumes
// where the last one stopped.
type Reader struct {
	listener ReaderListener
	limits   frame.Limits
	version  int
	enabled  bool
	stp0Type protocol.Type

	buf     []byte
	stage   stage
	size    uint64
	parsing bool
}

func NewReader(listener ReaderListener, limits frame.Limits) *Reader {
	return &Reader{
		listener: listener,
		limits:   limits.WithDefaults(),
		version:  0,
		enabled:  true,
		stp0Type: protocol.TypeCall,
	}
}

func (r *Reader) Version() int {
	return r.version
}

// SetVersion switches framing at a message boundary.
func (r *Reader) SetVersion(v int) {
	r.version = v
	r.stage = stageHead
	r.size = 0
}

// SetStp0Type sets the message type assigned to STP/0 messages.
func (r *Reader) SetStp0Type(t protocol.Type) {
	r.stp0Type = t
}

func (r *Reader) Enabled() bool {
	return r.enabled
}

// Enable resumes parsing, starting with already buffered bytes.
func (r *Reader) Enable() {
	r.enabled = true
	r.Parse()
}

// EnableQuiet re-enables without parsing; the caller runs Parse later.
func (r *Reader) EnableQuiet() {
	r.enabled = true
}

// Disable keeps buffering but stops parsing.
func (r *Reader) Disable() {
	r.enabled = false
}

// Feed buffers data and parses when enabled.
func (r *Reader) Feed(data []byte) {
	r.buf = append(r.buf, data...)
	r.Parse()
}

// Buffered returns the unparsed bytes of the current unit onward. The
// slice is only valid until the next Feed or Discard.
func (r *Reader) Buffered() []byte {
	if r.stage != stageHead {
		return nil
	}
	return r.buf
}

// Discard drops n buffered bytes at a message boundary. The host uses it
// to consume the raw STP/<n> marker.
func (r *Reader) Discard(n int) {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
}

// Reset drops buffered bytes and partial state.
func (r *Reader) Reset() {
	r.buf = nil
	r.stage = stageHead
	r.size = 0
}

// Parse emits every complete message in the buffer while enabled.
// Listener callbacks may disable the reader, switch version or feed
// more data; the loop observes those changes between messages.
func (r *Reader) Parse() {
	if r.parsing {
		return
	}
	r.parsing = true
	defer func() { r.parsing = false }()

	for r.enabled && len(r.buf) > 0 {
		m, err := r.step()
		if errors.Is(err, frame.ErrNeedMore) {
			return
		}
		if err != nil {
			version := r.version
			r.Reset()
			r.listener.OnMessageParseError(&ParseError{Kind: classify(err), Version: version, Err: err})
			return
		}
		if m != nil {
			r.listener.OnMessageParsed(m)
		}
	}
}

// step advances one stage. It returns a message only when a body completes.
func (r *Reader) step() (*protocol.Message, error) {
	switch r.stage {
	case stageHead:
		if r.version >= 1 {
			n, err := frame.ParseStp1Prefix(r.buf)
			if err != nil {
				return nil, err
			}
			r.consume(n)
			r.stage = stageSize
			return nil, nil
		}
		size, n, err := frame.ParseStp0Length(r.buf, r.limits)
		if err != nil {
			return nil, err
		}
		r.consume(n)
		r.size = size
		r.stage = stageBody
		return nil, nil
	case stageSize:
		size, n, err := frame.ParseStp1Size(r.buf, r.limits)
		if err != nil {
			return nil, err
		}
		r.consume(n)
		r.size = size
		r.stage = stageBody
		return nil, nil
	default:
		if uint64(len(r.buf)) < r.size {
			return nil, frame.ErrNeedMore
		}
		body := r.buf[:r.size]
		m, err := r.decodeBody(body)
		if err != nil {
			return nil, err
		}
		r.consume(int(r.size))
		r.stage = stageHead
		r.size = 0
		return m, nil
	}
}

func (r *Reader) decodeBody(body []byte) (*protocol.Message, error) {
	if r.version >= 1 {
		h, payload, err := frame.DecodeStp1Body(body)
		if err != nil {
			return nil, err
		}
		return protocol.NewMessage(h, payload), nil
	}
	text, err := frame.DecodeUTF16(body)
	if err != nil {
		return nil, err
	}
	service, payload := frame.SplitStp0(text)
	return protocol.NewMessage(frame.Stp0Header(r.stp0Type, service), []byte(payload)), nil
}

func (r *Reader) consume(n int) {
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
}
