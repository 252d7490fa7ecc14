// Package echo is a demonstration service: it echoes text back
// synchronously, after a delay through an async command, or as events.
package echo

import (
	"time"

	"github.com/danmuck/scope/internal/logging"
	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
	"github.com/rs/zerolog"
)

const (
	Name    = "echo"
	Version = "1.0"
)

// Command numbers.
const (
	CommandEcho      uint32 = 1
	CommandEchoLater uint32 = 2
	CommandBroadcast uint32 = 3
	EventOnEcho      uint32 = 4
)

// Message ids.
const (
	MsgEchoArg      uint32 = 1
	MsgEchoResult   uint32 = 2
	MsgDelayedArg   uint32 = 3
	MsgBroadcastArg uint32 = 4
)

// MaxBroadcast caps the events one Broadcast call emits.
const MaxBroadcast = 64

var messages = schema.MustSet(
	&schema.Message{ID: MsgEchoArg, Name: "EchoArg", Fields: []schema.Field{
		{Name: "text", Number: 1, Kind: schema.KindString},
	}},
	&schema.Message{ID: MsgEchoResult, Name: "EchoResult", Fields: []schema.Field{
		{Name: "text", Number: 1, Kind: schema.KindString},
	}},
	&schema.Message{ID: MsgDelayedArg, Name: "DelayedEchoArg", Fields: []schema.Field{
		{Name: "text", Number: 1, Kind: schema.KindString},
		{Name: "delayMs", Number: 2, Kind: schema.KindUint32, Quantifier: schema.Optional},
	}},
	&schema.Message{ID: MsgBroadcastArg, Name: "BroadcastArg", Fields: []schema.Field{
		{Name: "text", Number: 1, Kind: schema.KindString},
		{Name: "count", Number: 2, Kind: schema.KindUint32, Quantifier: schema.Optional},
	}},
)

func Descriptor() *schema.Service {
	return &schema.Service{
		Name:    Name,
		Version: Version,
		Commands: []protocol.CommandDescriptor{
			schema.Call("Echo", CommandEcho, MsgEchoArg, MsgEchoResult),
			schema.Call("EchoLater", CommandEchoLater, MsgDelayedArg, MsgEchoResult),
			schema.Call("Broadcast", CommandBroadcast, MsgBroadcastArg, schema.DefaultMessageID),
			schema.Event("OnEcho", EventOnEcho, MsgEchoResult),
		},
		Messages: messages,
	}
}

// Service answers echo calls. Delayed replies run on rt.
type Service struct {
	scope.ServiceBase
	rt      *loop.Runtime
	log     zerolog.Logger
	pending map[uint32]func() bool
}

func New(rt *loop.Runtime) *Service {
	return &Service{
		ServiceBase: scope.NewServiceBase(Descriptor(), scope.ControlManual),
		rt:          rt,
		log:         logging.Component("service.echo"),
		pending:     make(map[uint32]func() bool),
	}
}

func (s *Service) HandleCall(call *scope.Call) (schema.Record, error) {
	switch call.Command.Number {
	case CommandEcho:
		return schema.Record{call.Args.String(0)}, nil
	case CommandEchoLater:
		return s.echoLater(call)
	case CommandBroadcast:
		return s.broadcast(call.Args)
	default:
		return nil, protocol.Errorf(protocol.StatusCommandNotFound, "echo: command %d", call.Command.Number)
	}
}

func (s *Service) echoLater(call *scope.Call) (schema.Record, error) {
	tag, err := call.Async()
	if err != nil {
		return nil, err
	}
	text := call.Args.String(0)
	reply := func() {
		delete(s.pending, tag)
		if err := s.SendAsyncResponse(tag, schema.Record{text}); err != nil {
			s.log.Debug().Err(err).Uint32("tag", tag).Msg("delayed echo dropped")
		}
	}
	delay := time.Duration(call.Args.Uint(1)) * time.Millisecond
	if delay <= 0 {
		s.rt.Defer(reply)
		return nil, scope.ErrAsync
	}
	s.pending[tag] = s.rt.AfterFunc(delay, reply)
	return nil, scope.ErrAsync
}

func (s *Service) broadcast(args schema.Record) (schema.Record, error) {
	count := args.Uint(1)
	if !args.Has(1) {
		count = 1
	}
	if count > MaxBroadcast {
		return nil, protocol.Errorf(protocol.StatusBadRequest, "echo: count %d exceeds %d", count, MaxBroadcast)
	}
	for i := uint64(0); i < count; i++ {
		if err := s.SendEvent(EventOnEcho, schema.Record{args.String(0)}); err != nil {
			return nil, err
		}
	}
	return schema.Record{}, nil
}

// OnDisable stops delayed replies; the registry drops their tags.
func (s *Service) OnDisable() {
	for tag, stop := range s.pending {
		stop()
		delete(s.pending, tag)
	}
}
