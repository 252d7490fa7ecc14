package schema

import (
	"github.com/danmuck/scope/internal/protocol"
)

// DefaultMessageID names the empty message used by commands that take
// or return nothing.
const DefaultMessageID uint32 = 0

var defaultMessage = &Message{ID: DefaultMessageID, Name: "Default"}

// Service is the static interface description of one service.
type Service struct {
	Name     string
	Version  string
	Commands []protocol.CommandDescriptor
	Messages *Set
}

// Command looks up a call or event by number.
func (s *Service) Command(number uint32) (protocol.CommandDescriptor, bool) {
	for _, c := range s.Commands {
		if c.Number == number {
			return c, true
		}
	}
	return protocol.CommandDescriptor{}, false
}

// CommandByName looks up a call or event by name.
func (s *Service) CommandByName(name string) (protocol.CommandDescriptor, bool) {
	for _, c := range s.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return protocol.CommandDescriptor{}, false
}

// Calls returns the call descriptors in declaration order.
func (s *Service) Calls() []protocol.CommandDescriptor {
	return s.filter(protocol.CommandCall)
}

// Events returns the event descriptors in declaration order.
func (s *Service) Events() []protocol.CommandDescriptor {
	return s.filter(protocol.CommandEvent)
}

func (s *Service) filter(kind protocol.CommandKind) []protocol.CommandDescriptor {
	out := make([]protocol.CommandDescriptor, 0, len(s.Commands))
	for _, c := range s.Commands {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Call is a shorthand descriptor constructor for static tables.
func Call(name string, number, request, response uint32) protocol.CommandDescriptor {
	return protocol.CommandDescriptor{Name: name, Number: number, Kind: protocol.CommandCall, RequestID: request, ResponseID: response}
}

// Event is a shorthand descriptor constructor for static tables.
func Event(name string, number, message uint32) protocol.CommandDescriptor {
	return protocol.CommandDescriptor{Name: name, Number: number, Kind: protocol.CommandEvent, RequestID: message}
}
