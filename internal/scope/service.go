package scope

import (
	"errors"
	"fmt"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/protocol/schema"
)

var (
	// ErrAsync is returned by a call handler that started an async
	// command with Call.Async and will reply later.
	ErrAsync        = errors.New("scope: reply deferred to async command")
	ErrUnknownTag   = errors.New("scope: unknown async tag")
	ErrNotInstalled = errors.New("scope: service not registered with a host")
)

// Control decides whether a service follows client enable/disable.
type Control uint8

const (
	// ControlManual services start disabled and are toggled by the client.
	ControlManual Control = iota
	// ControlForced services are always enabled.
	ControlForced
)

func (c Control) String() string {
	if c == ControlForced {
		return "forced"
	}
	return "manual"
}

// Service is one named command table. Implementations embed ServiceBase.
type Service interface {
	Descriptor() *schema.Service
	Control() Control
	// HandleCall serves a call whose arguments already passed schema
	// validation. It returns the response record, ErrAsync, or an error
	// that becomes the Error reply.
	HandleCall(call *Call) (schema.Record, error)
	serviceBase() *ServiceBase
}

// EnableHook is implemented by services that react to being enabled.
// An error keeps the service disabled.
type EnableHook interface {
	OnEnable() error
}

// DisableHook is implemented by services that react to being disabled.
type DisableHook interface {
	OnDisable()
}

// Call is one dispatched call.
type Call struct {
	Header  protocol.Header
	Command protocol.CommandDescriptor
	Args    schema.Record

	svc      *ServiceBase
	asyncTag uint32
}

// Async registers the call as an async command and returns its tag.
// The handler then returns ErrAsync.
func (c *Call) Async() (uint32, error) {
	tag, err := c.svc.InitAsyncCommand(c.Header)
	if err != nil {
		return 0, err
	}
	c.asyncTag = tag
	return tag, nil
}

// ServiceBase holds the enabled flag and async table of a service. Only
// the registry flips the flag.
type ServiceBase struct {
	desc     *schema.Service
	control  Control
	enabled  bool
	registry *ServiceRegistry
	async    map[uint32]protocol.Header
}

func NewServiceBase(desc *schema.Service, control Control) ServiceBase {
	return ServiceBase{
		desc:    desc,
		control: control,
		enabled: control == ControlForced,
		async:   make(map[uint32]protocol.Header),
	}
}

func (b *ServiceBase) Name() string {
	return b.desc.Name
}

func (b *ServiceBase) Version() string {
	return b.desc.Version
}

func (b *ServiceBase) Descriptor() *schema.Service {
	return b.desc
}

func (b *ServiceBase) Control() Control {
	return b.control
}

func (b *ServiceBase) IsEnabled() bool {
	return b.enabled
}

func (b *ServiceBase) serviceBase() *ServiceBase {
	return b
}

// InitAsyncCommand stores h and returns the smallest unused positive tag.
func (b *ServiceBase) InitAsyncCommand(h protocol.Header) (uint32, error) {
	if h.Type != protocol.TypeCall {
		return 0, protocol.ErrNotCall
	}
	if b.async == nil {
		b.async = make(map[uint32]protocol.Header)
	}
	tag := uint32(1)
	for {
		if _, used := b.async[tag]; !used {
			break
		}
		tag++
	}
	b.async[tag] = h
	return tag, nil
}

// PendingAsync reports outstanding async commands.
func (b *ServiceBase) PendingAsync() int {
	return len(b.async)
}

// SendAsyncResponse answers the call stored under tag.
func (b *ServiceBase) SendAsyncResponse(tag uint32, rec schema.Record) error {
	h, err := b.takeAsync(tag)
	if err != nil {
		return err
	}
	return b.registry.respond(b, h, rec)
}

// SendAsyncError fails the call stored under tag.
func (b *ServiceBase) SendAsyncError(tag uint32, cause error) error {
	h, err := b.takeAsync(tag)
	if err != nil {
		return err
	}
	return b.registry.fail(b.Name(), h, protocol.AsError(cause))
}

// SendEvent emits event number in the client's current message format.
// Disabled services drop events.
func (b *ServiceBase) SendEvent(number uint32, rec schema.Record) error {
	if b.registry == nil {
		return ErrNotInstalled
	}
	if !b.enabled {
		return nil
	}
	cmd, ok := b.desc.Command(number)
	if !ok || cmd.Kind != protocol.CommandEvent {
		return fmt.Errorf("scope: %s has no event %d", b.Name(), number)
	}
	return b.registry.emit(b, cmd, rec)
}

func (b *ServiceBase) takeAsync(tag uint32) (protocol.Header, error) {
	if b.registry == nil {
		return protocol.Header{}, ErrNotInstalled
	}
	h, ok := b.async[tag]
	if !ok {
		return protocol.Header{}, fmt.Errorf("%w: %s/%d", ErrUnknownTag, b.Name(), tag)
	}
	delete(b.async, tag)
	return h, nil
}

func (b *ServiceBase) clearAsync() {
	for tag := range b.async {
		delete(b.async, tag)
	}
}
