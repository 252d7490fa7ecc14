package scope

import (
	"errors"
	"fmt"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/codec"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var ErrServiceMismatch = errors.New("scope: remote services differ from local descriptors")

type TranscoderState uint8

const (
	TranscoderDisabled TranscoderState = iota
	TranscoderNegotiating
	TranscoderActive
)

func (s TranscoderState) String() string {
	switch s {
	case TranscoderDisabled:
		return "disabled"
	case TranscoderNegotiating:
		return "negotiating"
	case TranscoderActive:
		return "active"
	default:
		return fmt.Sprintf("transcoder(%d)", uint8(s))
	}
}

// Transcoder re-serializes payloads from a remote host into the format
// its local client asked for. It only activates when the remote host runs
// exactly the services it has descriptors for.
type Transcoder struct {
	target protocol.Format
	state  TranscoderState
	local  map[string]*schema.Service
	log    zerolog.Logger
}

// NewTranscoder indexes descs by name. The scope meta service is always
// known.
func NewTranscoder(descs ...*schema.Service) *Transcoder {
	t := &Transcoder{
		local: make(map[string]*schema.Service, len(descs)+1),
		log:   logging.Component("transcoder"),
	}
	meta := schema.ScopeService()
	t.local[meta.Name] = meta
	for _, d := range descs {
		if d != nil {
			t.local[d.Name] = d
		}
	}
	return t
}

func (t *Transcoder) State() TranscoderState {
	return t.state
}

func (t *Transcoder) Target() protocol.Format {
	return t.target
}

// SetTarget records the wanted format. Anything but Binary, JSON or XML
// disables transcoding.
func (t *Transcoder) SetTarget(f protocol.Format) {
	switch f {
	case protocol.FormatBinary, protocol.FormatJSON, protocol.FormatXML:
		t.target = f
	default:
		t.target = protocol.FormatNone
		t.state = TranscoderDisabled
	}
}

// HostInfoRequest starts negotiation and returns the scope.HostInfo call
// to send to the remote host.
func (t *Transcoder) HostInfoRequest(tag uint32) *protocol.Message {
	t.state = TranscoderNegotiating
	h := protocol.Header{
		Type:      protocol.TypeCall,
		Service:   schema.ScopeServiceName,
		CommandID: schema.ScopeHostInfo,
		Format:    protocol.FormatBinary,
		Tag:       tag,
		Version:   1,
	}
	return protocol.NewMessage(h, nil)
}

// Accept finishes negotiation with the HostInfo reply. Any failure leaves
// the transcoder disabled; the error only explains why.
func (t *Transcoder) Accept(reply *protocol.Message) error {
	t.state = TranscoderDisabled
	if t.target == protocol.FormatNone {
		return nil
	}
	if reply.Header.Type != protocol.TypeResponse {
		return fmt.Errorf("scope: host info answered with %s", reply.Header.Type)
	}
	meta := t.local[schema.ScopeServiceName]
	rec, err := decodeRecord(reply, meta.Messages, schema.MsgHostInfo)
	if err != nil {
		return err
	}
	remote := make(map[string]string)
	for _, v := range rec.List(schema.HostInfoServiceList) {
		svc, ok := v.(schema.Record)
		if !ok {
			return fmt.Errorf("%w: service entry %T", codec.ErrMalformed, v)
		}
		remote[svc.String(schema.ServiceName)] = svc.String(schema.ServiceVersion)
	}
	if len(remote) != len(t.local) {
		return fmt.Errorf("%w: %d remote, %d local", ErrServiceMismatch, len(remote), len(t.local))
	}
	for name, desc := range t.local {
		if v, ok := remote[name]; !ok || v != desc.Version {
			return fmt.Errorf("%w: %s", ErrServiceMismatch, name)
		}
	}
	t.state = TranscoderActive
	t.log.Debug().Str("format", t.target.String()).Msg("transcoding active")
	return nil
}

// Disable stops transcoding.
func (t *Transcoder) Disable() {
	t.state = TranscoderDisabled
}

// Transcode returns m re-encoded in the target format, or m itself when
// it passes through.
func (t *Transcoder) Transcode(m *protocol.Message) *protocol.Message {
	if t.state != TranscoderActive || m.Header.Format == t.target || m.Header.Format == protocol.FormatNone {
		return m
	}
	data, ok := m.Bytes()
	if !ok || len(data) == 0 {
		return m
	}
	var (
		set *schema.Set
		id  uint32
	)
	if m.Header.Type == protocol.TypeError {
		set, id = codec.ErrorSchema()
	} else {
		desc, known := t.local[m.Header.Service]
		if !known {
			return m
		}
		if id, known = messageFor(desc, m.Header); !known {
			return m
		}
		set = desc.Messages
	}
	out, err := codec.Transcode(set, id, data, m.Header.Format, t.target)
	if err != nil {
		t.log.Debug().Err(err).Str("service", m.Header.Service).Msg("transcode failed, passing through")
		return m
	}
	h := m.Header
	h.Format = t.target
	return protocol.NewMessage(h, out)
}
