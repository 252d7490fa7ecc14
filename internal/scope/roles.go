package scope

import "github.com/danmuck/scope/internal/protocol"

// Client issues calls to its host and consumes replies and events.
// Implementations embed ClientBase; the attachment manager owns the host
// reference it carries.
type Client interface {
	Name() string
	// Receive takes a Response, Event or Error (or an STP/0 text message)
	// from the attached host.
	Receive(m *protocol.Message) error
	OnHostAttached(h Host) error
	OnHostDetached(h Host)
	Host() Host
	Destroy()
	clientBase() *ClientBase
}

// Host owns services and answers calls. Implementations embed HostBase.
type Host interface {
	Name() string
	// Version is the STP version the host speaks towards its client.
	Version() int
	// Receive takes a call from the attached client.
	Receive(m *protocol.Message) error
	// Announce pushes the host's service list to the attached client.
	Announce() error
	// ConfigureTranscoding sets the payload format the client should get.
	ConfigureTranscoding(f protocol.Format)
	OnClientAttached(c Client) error
	OnClientDetached(c Client)
	Client() Client
	Destroy()
	hostBase() *HostBase
}

// ClientBase carries the state the attachment manager maintains.
type ClientBase struct {
	name    string
	host    Host
	manager *AttachmentManager
}

func NewClientBase(name string) ClientBase {
	return ClientBase{name: name}
}

func (b *ClientBase) Name() string {
	return b.name
}

func (b *ClientBase) Host() Host {
	return b.host
}

// Manager is nil once the client has been reported destroyed.
func (b *ClientBase) Manager() *AttachmentManager {
	return b.manager
}

func (b *ClientBase) clientBase() *ClientBase {
	return b
}

// HostBase carries the state the attachment manager maintains.
type HostBase struct {
	name    string
	client  Client
	manager *AttachmentManager
}

func NewHostBase(name string) HostBase {
	return HostBase{name: name}
}

func (b *HostBase) Name() string {
	return b.name
}

func (b *HostBase) Client() Client {
	return b.client
}

func (b *HostBase) Manager() *AttachmentManager {
	return b.manager
}

func (b *HostBase) hostBase() *HostBase {
	return b
}
