// Package kv is a temporary in-memory key-value service. Debuggers use it
// to stash state in the application under inspection.
package kv

import (
	"sort"
	"strings"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
)

const (
	Name    = "kv"
	Version = "1.0"
)

// Command numbers.
const (
	CommandPut    uint32 = 1
	CommandGet    uint32 = 2
	CommandDelete uint32 = 3
	CommandList   uint32 = 4
	EventOnChange uint32 = 5
	CommandClear  uint32 = 6
)

// Message ids.
const (
	MsgKeyArg  uint32 = 1
	MsgPutArg  uint32 = 2
	MsgEntry   uint32 = 3
	MsgKeyList uint32 = 4
	MsgListArg uint32 = 5
)

// Record positions.
const (
	EntryKey   = 0
	EntryValue = 1
	EntryFound = 2
)

const (
	maxKeyLength    = 256
	maxStoredValues = 4096
)

var messages = schema.MustSet(
	&schema.Message{ID: MsgKeyArg, Name: "KeyArg", Fields: []schema.Field{
		{Name: "key", Number: 1, Kind: schema.KindString},
	}},
	&schema.Message{ID: MsgPutArg, Name: "PutArg", Fields: []schema.Field{
		{Name: "key", Number: 1, Kind: schema.KindString},
		{Name: "value", Number: 2, Kind: schema.KindString},
	}},
	&schema.Message{ID: MsgEntry, Name: "Entry", Fields: []schema.Field{
		{Name: "key", Number: 1, Kind: schema.KindString},
		{Name: "value", Number: 2, Kind: schema.KindString, Quantifier: schema.Optional},
		{Name: "found", Number: 3, Kind: schema.KindBool},
	}},
	&schema.Message{ID: MsgKeyList, Name: "KeyList", Fields: []schema.Field{
		{Name: "keys", Number: 1, Kind: schema.KindString, Quantifier: schema.Repeated},
	}},
	&schema.Message{ID: MsgListArg, Name: "ListArg", Fields: []schema.Field{
		{Name: "prefix", Number: 1, Kind: schema.KindString, Quantifier: schema.Optional},
	}},
)

func Descriptor() *schema.Service {
	return &schema.Service{
		Name:    Name,
		Version: Version,
		Commands: []protocol.CommandDescriptor{
			schema.Call("Put", CommandPut, MsgPutArg, schema.DefaultMessageID),
			schema.Call("Get", CommandGet, MsgKeyArg, MsgEntry),
			schema.Call("Delete", CommandDelete, MsgKeyArg, MsgEntry),
			schema.Call("List", CommandList, MsgListArg, MsgKeyList),
			schema.Event("OnChange", EventOnChange, MsgEntry),
			schema.Call("Clear", CommandClear, schema.DefaultMessageID, schema.DefaultMessageID),
		},
		Messages: messages,
	}
}

// Service stores string pairs. It runs on the engine loop, so the map
// needs no lock.
type Service struct {
	scope.ServiceBase
	store map[string]string
}

func New() *Service {
	return &Service{
		ServiceBase: scope.NewServiceBase(Descriptor(), scope.ControlManual),
		store:       make(map[string]string),
	}
}

// Len reports the number of stored keys.
func (s *Service) Len() int {
	return len(s.store)
}

func (s *Service) HandleCall(call *scope.Call) (schema.Record, error) {
	args := call.Args
	switch call.Command.Number {
	case CommandPut:
		key, err := validKey(args.String(0))
		if err != nil {
			return nil, err
		}
		if _, exists := s.store[key]; !exists && len(s.store) >= maxStoredValues {
			return nil, protocol.Errorf(protocol.StatusOutOfMemory, "kv: store holds %d keys", len(s.store))
		}
		val := args.String(1)
		s.store[key] = val
		if err := s.SendEvent(EventOnChange, schema.Record{key, val, true}); err != nil {
			return nil, err
		}
		return schema.Record{}, nil
	case CommandGet:
		key, err := validKey(args.String(0))
		if err != nil {
			return nil, err
		}
		val, ok := s.store[key]
		return entry(key, val, ok), nil
	case CommandDelete:
		key, err := validKey(args.String(0))
		if err != nil {
			return nil, err
		}
		val, ok := s.store[key]
		if ok {
			delete(s.store, key)
			if err := s.SendEvent(EventOnChange, schema.Record{key, nil, false}); err != nil {
				return nil, err
			}
		}
		return entry(key, val, ok), nil
	case CommandList:
		prefix := strings.TrimSpace(args.String(0))
		keys := make([]string, 0, len(s.store))
		for k := range s.store {
			if prefix == "" || strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		list := make([]any, len(keys))
		for i, k := range keys {
			list[i] = k
		}
		return schema.Record{list}, nil
	case CommandClear:
		clear(s.store)
		return schema.Record{}, nil
	default:
		return nil, protocol.Errorf(protocol.StatusCommandNotFound, "kv: command %d", call.Command.Number)
	}
}

func entry(key, val string, found bool) schema.Record {
	if !found {
		return schema.Record{key, nil, false}
	}
	return schema.Record{key, val, true}
}

func validKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", protocol.NewError(protocol.StatusBadRequest, "kv: missing key")
	}
	if len(key) > maxKeyLength {
		return "", protocol.Errorf(protocol.StatusBadRequest, "kv: key longer than %d bytes", maxKeyLength)
	}
	return key, nil
}
