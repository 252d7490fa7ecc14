// Package scopetest drives scope services through a registry without a
// network connection.
package scopetest

import (
	"testing"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/codec"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
)

// Sink records everything a registry sends to its client.
type Sink struct {
	Messages []*protocol.Message
	Format   protocol.Format
}

func (s *Sink) SendToClient(m *protocol.Message) error {
	s.Messages = append(s.Messages, m)
	return nil
}

func (s *Sink) EventFormat() (protocol.Format, int) {
	if s.Format == protocol.FormatNone {
		return protocol.FormatBinary, 1
	}
	return s.Format, 1
}

// Harness owns a registry whose services are enabled.
type Harness struct {
	Registry *scope.ServiceRegistry
	Sink     *Sink
	nextTag  uint32
}

func New(t *testing.T, services ...scope.Service) *Harness {
	t.Helper()
	sink := &Sink{}
	h := &Harness{Registry: scope.NewServiceRegistry(sink), Sink: sink}
	for _, s := range services {
		if err := h.Registry.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Descriptor().Name, err)
		}
		if s.Control() == scope.ControlManual {
			if err := h.Registry.Enable(s.Descriptor().Name); err != nil {
				t.Fatalf("enable %s: %v", s.Descriptor().Name, err)
			}
		}
	}
	return h
}

// Call dispatches command with binary arguments and returns the reply, or
// nil when the service deferred it.
func (h *Harness) Call(t *testing.T, svc scope.Service, command uint32, args schema.Record) *protocol.Message {
	t.Helper()
	desc := svc.Descriptor()
	cmd, ok := desc.Command(command)
	if !ok {
		t.Fatalf("%s has no command %d", desc.Name, command)
	}
	var payload []byte
	if cmd.RequestID != schema.DefaultMessageID {
		data, err := codec.Encode(protocol.FormatBinary, desc.Messages, cmd.RequestID, args)
		if err != nil {
			t.Fatalf("encode %s.%s: %v", desc.Name, cmd.Name, err)
		}
		payload = data
	}
	h.nextTag++
	m := protocol.NewMessage(protocol.Header{
		Type:      protocol.TypeCall,
		Service:   desc.Name,
		CommandID: command,
		Format:    protocol.FormatBinary,
		Tag:       h.nextTag,
		Version:   1,
	}, payload)
	before := len(h.Sink.Messages)
	if err := h.Registry.Dispatch(m); err != nil {
		t.Fatalf("dispatch %s.%s: %v", desc.Name, cmd.Name, err)
	}
	if len(h.Sink.Messages) == before {
		return nil
	}
	return h.Sink.Messages[len(h.Sink.Messages)-1]
}

// Decode reads the payload of a response or event sent by svc.
func Decode(t *testing.T, svc scope.Service, m *protocol.Message) schema.Record {
	t.Helper()
	if m == nil {
		t.Fatalf("no message to decode")
	}
	if m.Header.Type == protocol.TypeError {
		data, _ := m.Bytes()
		perr, _ := codec.DecodeError(m.Header.Format, m.Header.Status, data)
		t.Fatalf("unexpected error reply %s: %v", m.Header, perr)
	}
	desc := svc.Descriptor()
	cmd, ok := desc.Command(m.Header.CommandID)
	if !ok {
		t.Fatalf("%s has no command %d", desc.Name, m.Header.CommandID)
	}
	id := cmd.RequestID
	if m.Header.Type == protocol.TypeResponse {
		id = cmd.ResponseID
	}
	if id == schema.DefaultMessageID {
		return schema.Record{}
	}
	data, _ := m.Bytes()
	rec, err := codec.Decode(m.Header.Format, desc.Messages, id, data)
	if err != nil {
		t.Fatalf("decode %s: %v", m.Header, err)
	}
	return rec
}

// Status returns the status of an Error reply, or OK for anything else.
func Status(m *protocol.Message) protocol.Status {
	if m == nil || m.Header.Type != protocol.TypeError {
		return protocol.StatusOK
	}
	return m.Header.Status
}
