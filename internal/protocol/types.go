package protocol

import (
	"fmt"
	"strings"
)

// Type is the STP message kind.
type Type uint8

const (
	TypeCall     Type = 1
	TypeResponse Type = 2
	TypeEvent    Type = 3
	TypeError    Type = 4
)

func (t Type) Valid() bool {
	return t >= TypeCall && t <= TypeError
}

func (t Type) String() string {
	switch t {
	case TypeCall:
		return "call"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Format declares how a message payload is encoded.
type Format uint8

const (
	FormatNone Format = iota
	FormatBinary
	FormatJSON
	FormatXML
	// FormatNative marks a payload carried as a runtime object handle.
	// It never appears on the wire.
	FormatNative
)

func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	case FormatXML:
		return "xml"
	case FormatNative:
		return "native"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// WireCode returns the STP/1 format field value.
func (f Format) WireCode() (uint32, bool) {
	switch f {
	case FormatBinary:
		return 0, true
	case FormatJSON:
		return 1, true
	case FormatXML:
		return 2, true
	default:
		return 0, false
	}
}

// FormatFromWire maps an STP/1 format field value to a Format.
func FormatFromWire(code uint32) (Format, bool) {
	switch code {
	case 0:
		return FormatBinary, true
	case 1:
		return FormatJSON, true
	case 2:
		return FormatXML, true
	default:
		return FormatNone, false
	}
}

// ParseFormat accepts the names used in config files and the scope.Connect call.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return FormatNone, nil
	case "binary", "protobuf":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	case "xml":
		return FormatXML, nil
	default:
		return FormatNone, fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// Status is the protocol-level outcome carried in every header.
type Status uint32

const (
	StatusOK                    Status = 0
	StatusBadRequest            Status = 3
	StatusInternalError         Status = 4
	StatusCommandNotFound       Status = 5
	StatusServiceNotFound       Status = 6
	StatusOutOfMemory           Status = 7
	StatusServiceNotEnabled     Status = 8
	StatusServiceAlreadyEnabled Status = 9
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusInternalError:
		return "internal_error"
	case StatusCommandNotFound:
		return "command_not_found"
	case StatusServiceNotFound:
		return "service_not_found"
	case StatusOutOfMemory:
		return "out_of_memory"
	case StatusServiceNotEnabled:
		return "service_not_enabled"
	case StatusServiceAlreadyEnabled:
		return "service_already_enabled"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Header is the envelope shared by every STP message.
// Tag zero means no correlation was requested.
type Header struct {
	Type      Type
	Service   string
	CommandID uint32
	Format    Format
	Status    Status
	Tag       uint32
	Version   int
}

// IsMeta reports whether the header addresses an STP/0 meta service.
func (h Header) IsMeta() bool {
	return strings.HasPrefix(h.Service, MetaPrefix)
}

// Reply builds the envelope for an answer to h. Service, tag, format and
// version are preserved.
func (h Header) Reply(t Type, commandID uint32, status Status) Header {
	return Header{
		Type:      t,
		Service:   h.Service,
		CommandID: commandID,
		Format:    h.Format,
		Status:    status,
		Tag:       h.Tag,
		Version:   h.Version,
	}
}

func (h Header) String() string {
	return fmt.Sprintf(
		"%s service=%q command=%d format=%s status=%s tag=%d stp=%d",
		h.Type, h.Service, h.CommandID, h.Format, h.Status, h.Tag, h.Version,
	)
}

// STP/0 meta service names.
const (
	MetaPrefix   = "*"
	MetaServices = "*services"
	MetaEnable   = "*enable"
	MetaDisable  = "*disable"
	MetaQuit     = "*quit"

	// Stp1Token is the pseudo service advertised in *services when the
	// host supports STP/1, and the argument of the *enable upgrade call.
	Stp1Token = "stp-1"
)

// CommandKind separates request commands from events.
type CommandKind uint8

const (
	CommandCall CommandKind = iota + 1
	CommandEvent
)

func (k CommandKind) String() string {
	if k == CommandEvent {
		return "event"
	}
	return "call"
}

// CommandDescriptor is static per-service command metadata.
type CommandDescriptor struct {
	Name       string
	Number     uint32
	Kind       CommandKind
	RequestID  uint32
	ResponseID uint32
}
