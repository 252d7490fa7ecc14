package scope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/observability"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/codec"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var (
	ErrServiceExists   = errors.New("scope: service already registered")
	ErrServiceNil      = errors.New("scope: service is nil")
	ErrReservedName    = errors.New("scope: reserved service name")
	ErrServiceDetached = errors.New("scope: service belongs to another registry")
)

// Sink receives the messages a registry produces.
type Sink interface {
	SendToClient(m *protocol.Message) error
	// EventFormat returns the payload format and STP version for events.
	EventFormat() (protocol.Format, int)
}

// ServiceRegistry holds services in registration order and dispatches
// calls to them.
type ServiceRegistry struct {
	services []Service
	byName   map[string]Service
	sink     Sink
	log      zerolog.Logger
}

func NewServiceRegistry(sink Sink) *ServiceRegistry {
	return &ServiceRegistry{
		byName: make(map[string]Service),
		sink:   sink,
		log:    logging.Component("registry"),
	}
}

// Register adds s. Names starting with "*" are reserved for STP/0 meta
// commands.
func (r *ServiceRegistry) Register(s Service) error {
	if s == nil {
		return ErrServiceNil
	}
	b := s.serviceBase()
	name := b.Name()
	if name == "" || strings.HasPrefix(name, protocol.MetaPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	if b.registry != nil && b.registry != r {
		return fmt.Errorf("%w: %s", ErrServiceDetached, name)
	}
	b.registry = r
	r.services = append(r.services, s)
	r.byName[name] = s
	r.log.Debug().Str("service", name).Str("control", b.control.String()).Msg("registered")
	return nil
}

func (r *ServiceRegistry) Lookup(name string) (Service, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Services returns services in registration order.
func (r *ServiceRegistry) Services() []Service {
	return append([]Service(nil), r.services...)
}

// Enable turns on a manual service.
func (r *ServiceRegistry) Enable(name string) error {
	s, b, err := r.toggleTarget(name)
	if err != nil {
		return err
	}
	if b.enabled {
		return protocol.Errorf(protocol.StatusServiceAlreadyEnabled, "service %s already enabled", name)
	}
	b.clearAsync()
	if hook, ok := s.(EnableHook); ok {
		if err := hook.OnEnable(); err != nil {
			return protocol.Errorf(protocol.StatusInternalError, "enable %s: %v", name, err)
		}
	}
	b.enabled = true
	r.log.Info().Str("service", name).Msg("service enabled")
	return nil
}

// Disable turns off a manual service and drops its async commands.
func (r *ServiceRegistry) Disable(name string) error {
	s, b, err := r.toggleTarget(name)
	if err != nil {
		return err
	}
	if !b.enabled {
		return protocol.Errorf(protocol.StatusServiceNotEnabled, "service %s not enabled", name)
	}
	r.disable(s, b)
	return nil
}

// DisableAll disables every enabled manual service. Forced services are
// untouched.
func (r *ServiceRegistry) DisableAll() {
	for _, s := range r.services {
		b := s.serviceBase()
		if b.control == ControlManual && b.enabled {
			r.disable(s, b)
		}
	}
}

// ClearAsync drops every outstanding async command.
func (r *ServiceRegistry) ClearAsync() {
	for _, s := range r.services {
		s.serviceBase().clearAsync()
	}
}

func (r *ServiceRegistry) disable(s Service, b *ServiceBase) {
	b.enabled = false
	b.clearAsync()
	if hook, ok := s.(DisableHook); ok {
		hook.OnDisable()
	}
	r.log.Info().Str("service", b.Name()).Msg("service disabled")
}

func (r *ServiceRegistry) toggleTarget(name string) (Service, *ServiceBase, error) {
	if strings.HasPrefix(name, protocol.MetaPrefix) {
		return nil, nil, protocol.Errorf(protocol.StatusBadRequest, "%s is reserved", name)
	}
	s, ok := r.byName[name]
	if !ok {
		return nil, nil, protocol.Errorf(protocol.StatusServiceNotFound, "service %s not found", name)
	}
	b := s.serviceBase()
	if b.control == ControlForced {
		return nil, nil, protocol.Errorf(protocol.StatusBadRequest, "service %s cannot be toggled", name)
	}
	return s, b, nil
}

// Dispatch routes one client message. Every call yields exactly one
// Response or Error; other message types are dropped.
func (r *ServiceRegistry) Dispatch(m *protocol.Message) error {
	h := m.Header
	if h.Type != protocol.TypeCall {
		r.log.Debug().Str("header", h.String()).Msg("dropping non-call message")
		return nil
	}
	s, ok := r.byName[h.Service]
	if !ok {
		return r.fail(h.Service, h, protocol.Errorf(protocol.StatusServiceNotFound, "service %s not found", h.Service))
	}
	b := s.serviceBase()
	if !b.enabled {
		return r.fail(h.Service, h, protocol.Errorf(protocol.StatusServiceNotEnabled, "service %s not enabled", h.Service))
	}
	if h.Status != protocol.StatusOK {
		return r.fail(h.Service, h, protocol.Errorf(protocol.StatusBadRequest, "call carries status %s", h.Status))
	}
	cmd, err := r.resolveCommand(b.desc, m)
	if err != nil {
		return r.fail(h.Service, h, protocol.AsError(err))
	}
	h.CommandID = cmd.Number

	args, err := decodeRecord(m, b.desc.Messages, cmd.RequestID)
	if err != nil {
		return r.fail(h.Service, h, protocol.Errorf(protocol.StatusBadRequest, "%v", err))
	}

	call := &Call{Header: h, Command: cmd, Args: args, svc: b}
	rec, err := s.HandleCall(call)
	if call.asyncTag != 0 && !errors.Is(err, ErrAsync) {
		if _, pending := b.async[call.asyncTag]; !pending {
			// The handler already answered through SendAsyncResponse or
			// SendAsyncError.
			if err != nil {
				r.log.Debug().Err(err).Str("service", h.Service).Str("command", cmd.Name).Msg("handler error after async reply dropped")
			}
			return nil
		}
		delete(b.async, call.asyncTag)
	}
	switch {
	case err == nil:
		return r.respond(b, h, rec)
	case errors.Is(err, ErrAsync):
		if call.asyncTag == 0 {
			return r.fail(h.Service, h, protocol.Errorf(protocol.StatusInternalError, "%s deferred without an async command", cmd.Name))
		}
		return nil
	default:
		return r.fail(h.Service, h, protocol.AsError(err))
	}
}

// resolveCommand finds the call descriptor. STP/0 calls carry no command
// id, so the XML root element names the command or, failing that, the
// first command taking that request message.
func (r *ServiceRegistry) resolveCommand(desc *schema.Service, m *protocol.Message) (protocol.CommandDescriptor, error) {
	h := m.Header
	if h.Version == 0 && h.CommandID == 0 {
		data, _ := m.Bytes()
		root, err := codec.RootElement(data)
		if err != nil {
			return protocol.CommandDescriptor{}, protocol.Errorf(protocol.StatusBadRequest, "%v", err)
		}
		calls := desc.Calls()
		for _, c := range calls {
			if c.Name == root {
				return c, nil
			}
		}
		for _, c := range calls {
			if c.RequestID == schema.DefaultMessageID {
				continue
			}
			if msg, err := desc.Messages.Message(c.RequestID); err == nil && msg.Name == root {
				return c, nil
			}
		}
		return protocol.CommandDescriptor{}, protocol.Errorf(protocol.StatusCommandNotFound, "no command for <%s>", root)
	}
	cmd, ok := desc.Command(h.CommandID)
	if !ok || cmd.Kind != protocol.CommandCall {
		return protocol.CommandDescriptor{}, protocol.Errorf(protocol.StatusCommandNotFound, "command %d not found", h.CommandID)
	}
	return cmd, nil
}

func (r *ServiceRegistry) respond(b *ServiceBase, call protocol.Header, rec schema.Record) error {
	cmd, ok := b.desc.Command(call.CommandID)
	if !ok {
		return r.fail(b.Name(), call, protocol.Errorf(protocol.StatusCommandNotFound, "command %d not found", call.CommandID))
	}
	h := call.Reply(protocol.TypeResponse, call.CommandID, protocol.StatusOK)
	m, err := encodeMessage(h, b.desc.Messages, cmd.ResponseID, rec)
	if err != nil {
		r.log.Warn().Err(err).Str("service", b.Name()).Str("command", cmd.Name).Msg("response encoding failed")
		return r.fail(b.Name(), call, protocol.Errorf(protocol.StatusInternalError, "encode response: %v", err))
	}
	return r.send(m)
}

func (r *ServiceRegistry) fail(service string, call protocol.Header, perr *protocol.Error) error {
	observability.RecordDispatchError(service, perr.Status.String())
	r.log.Debug().Str("service", service).Uint32("tag", call.Tag).Str("status", perr.Status.String()).Msg(perr.Description)
	return r.send(errorMessage(call, perr))
}

func (r *ServiceRegistry) emit(b *ServiceBase, cmd protocol.CommandDescriptor, rec schema.Record) error {
	format, version := protocol.FormatBinary, 1
	if r.sink != nil {
		format, version = r.sink.EventFormat()
	}
	if version == 0 {
		format = protocol.FormatXML
	}
	h := protocol.Header{
		Type:      protocol.TypeEvent,
		Service:   b.Name(),
		CommandID: cmd.Number,
		Format:    format,
		Version:   version,
	}
	m, err := encodeMessage(h, b.desc.Messages, cmd.RequestID, rec)
	if err != nil {
		return err
	}
	return r.send(m)
}

func (r *ServiceRegistry) send(m *protocol.Message) error {
	if r.sink == nil {
		return ErrNoClient
	}
	return r.sink.SendToClient(m)
}
