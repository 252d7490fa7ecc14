package scope

import (
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
)

// metaService is the always-on "scope" service of a builtin host.
type metaService struct {
	ServiceBase
	host *BuiltinHost
}

func newMetaService(h *BuiltinHost) *metaService {
	return &metaService{
		ServiceBase: NewServiceBase(schema.ScopeService(), ControlForced),
		host:        h,
	}
}

func (s *metaService) HandleCall(call *Call) (schema.Record, error) {
	switch call.Command.Number {
	case schema.ScopeConnect:
		return s.connect(call.Args)
	case schema.ScopeDisconnect:
		s.host.registry.DisableAll()
		return schema.Record{}, nil
	case schema.ScopeEnable:
		name := call.Args.String(schema.ServiceSelectionName)
		if err := s.host.registry.Enable(name); err != nil {
			return nil, err
		}
		return schema.Record{name}, nil
	case schema.ScopeDisable:
		name := call.Args.String(schema.ServiceSelectionName)
		if err := s.host.registry.Disable(name); err != nil {
			return nil, err
		}
		return schema.Record{name}, nil
	case schema.ScopeInfo:
		return s.info(call.Args.String(0))
	case schema.ScopeQuit:
		s.host.rt.Defer(s.host.quit)
		return schema.Record{}, nil
	case schema.ScopeHostInfo:
		return s.host.HostInfo(), nil
	case schema.ScopeMessageInfo:
		return s.messageInfo(call.Args)
	default:
		return nil, protocol.Errorf(protocol.StatusCommandNotFound, "command %d not found", call.Command.Number)
	}
}

// connect selects the client's message format and resets manual services.
func (s *metaService) connect(args schema.Record) (schema.Record, error) {
	f, err := protocol.ParseFormat(args.String(schema.ClientInfoFormat))
	if err != nil || f == protocol.FormatNone {
		return nil, protocol.Errorf(protocol.StatusBadRequest, "unsupported format %q", args.String(schema.ClientInfoFormat))
	}
	s.host.setClientFormat(f)
	s.host.registry.DisableAll()
	s.host.rt.Defer(func() {
		_ = s.SendEvent(schema.ScopeOnServices, schema.Record{s.host.serviceNames()})
	})
	return schema.Record{}, nil
}

func (s *metaService) info(name string) (schema.Record, error) {
	svc, ok := s.host.registry.Lookup(name)
	if !ok {
		return nil, protocol.Errorf(protocol.StatusServiceNotFound, "service %s not found", name)
	}
	desc := svc.Descriptor()
	commands := make([]any, 0)
	for _, c := range desc.Calls() {
		commands = append(commands, schema.Record{c.Name, c.Number, c.RequestID, c.ResponseID})
	}
	events := make([]any, 0)
	for _, e := range desc.Events() {
		events = append(events, schema.Record{e.Name, e.Number, e.RequestID})
	}
	return schema.Record{commands, events}, nil
}

func (s *metaService) messageInfo(args schema.Record) (schema.Record, error) {
	name := args.String(schema.MessageInfoArgService)
	svc, ok := s.host.registry.Lookup(name)
	if !ok {
		return nil, protocol.Errorf(protocol.StatusServiceNotFound, "service %s not found", name)
	}
	set := svc.Descriptor().Messages

	var ids []uint32
	if args.Bool(schema.MessageInfoArgIncludeAll) {
		ids = set.IDs()
	} else {
		for _, v := range args.List(schema.MessageInfoArgIDList) {
			id, _ := v.(uint64)
			ids = append(ids, uint32(id))
		}
	}
	if args.Bool(schema.MessageInfoArgIncludeRelated) {
		ids = expandRelated(set, ids)
	}

	list := make([]any, 0, len(ids))
	for _, id := range ids {
		if id == schema.DefaultMessageID {
			continue
		}
		m, err := set.Message(id)
		if err != nil {
			return nil, protocol.Errorf(protocol.StatusBadRequest, "%v", err)
		}
		fields := make([]any, 0, len(m.Fields))
		for _, f := range m.Fields {
			info := schema.Record{f.Name, uint64(f.Kind), uint64(f.Number), uint64(f.Quantifier), nil}
			if f.Kind == schema.KindMessage {
				info[4] = uint64(f.MessageID)
			}
			fields = append(fields, info)
		}
		list = append(list, schema.Record{uint64(m.ID), m.Name, fields})
	}
	return schema.Record{list}, nil
}

func expandRelated(set *schema.Set, ids []uint32) []uint32 {
	seen := make(map[uint32]bool)
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		for _, rel := range set.Related(id) {
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}
	return out
}
