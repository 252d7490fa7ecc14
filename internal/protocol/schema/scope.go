package schema

import "github.com/danmuck/scope/internal/protocol"

// Scope meta service name and version.
const (
	ScopeServiceName    = "scope"
	ScopeServiceVersion = "1.1.0"
)

// Scope command numbers.
const (
	ScopeOnServices       uint32 = 0
	ScopeConnect          uint32 = 3
	ScopeDisconnect       uint32 = 4
	ScopeEnable           uint32 = 5
	ScopeDisable          uint32 = 6
	ScopeInfo             uint32 = 7
	ScopeQuit             uint32 = 8
	ScopeOnQuit           uint32 = 9
	ScopeHostInfo         uint32 = 10
	ScopeMessageInfo      uint32 = 11
	ScopeOnConnectionLost uint32 = 12
	ScopeOnError          uint32 = 13
)

// Scope message ids.
const (
	MsgClientInfo       uint32 = 1
	MsgError            uint32 = 2
	MsgServiceSelection uint32 = 3
	MsgServiceResult    uint32 = 4
	MsgServiceInfoArg   uint32 = 5
	MsgServiceInfo      uint32 = 6
	MsgCommandInfo      uint32 = 7
	MsgEventInfo        uint32 = 8
	MsgHostInfo         uint32 = 9
	MsgService          uint32 = 10
	MsgMessageInfoArg   uint32 = 11
	MsgMessageInfoList  uint32 = 12
	MsgMessageInfo      uint32 = 13
	MsgFieldInfo        uint32 = 14
	MsgServiceList      uint32 = 15
)

// Record positions for the scope messages handlers build or read.
const (
	ClientInfoFormat = 0

	ErrorDescription = 0
	ErrorLine        = 1
	ErrorColumn      = 2
	ErrorOffset      = 3

	ServiceSelectionName = 0

	HostInfoStpVersion      = 0
	HostInfoCoreVersion     = 1
	HostInfoPlatform        = 2
	HostInfoOperatingSystem = 3
	HostInfoUserAgent       = 4
	HostInfoServiceList     = 5

	ServiceName    = 0
	ServiceVersion = 1
	ServiceActive  = 2

	MessageInfoArgService        = 0
	MessageInfoArgIDList         = 1
	MessageInfoArgIncludeRelated = 2
	MessageInfoArgIncludeAll     = 3
)

var scopeMessages = MustSet(
	&Message{ID: MsgClientInfo, Name: "ClientInfo", Fields: []Field{
		{Name: "format", Number: 1, Kind: KindString},
	}},
	&Message{ID: MsgError, Name: "ErrorInfo", Fields: []Field{
		{Name: "description", Number: 1, Kind: KindString, Quantifier: Optional},
		{Name: "line", Number: 2, Kind: KindInt32, Quantifier: Optional},
		{Name: "column", Number: 3, Kind: KindInt32, Quantifier: Optional},
		{Name: "offset", Number: 4, Kind: KindInt32, Quantifier: Optional},
	}},
	&Message{ID: MsgServiceSelection, Name: "ServiceSelection", Fields: []Field{
		{Name: "name", Number: 1, Kind: KindString},
	}},
	&Message{ID: MsgServiceResult, Name: "ServiceResult", Fields: []Field{
		{Name: "name", Number: 1, Kind: KindString},
	}},
	&Message{ID: MsgServiceInfoArg, Name: "ServiceInfoArg", Fields: []Field{
		{Name: "serviceName", Number: 1, Kind: KindString},
	}},
	&Message{ID: MsgServiceInfo, Name: "ServiceInfo", Fields: []Field{
		{Name: "commandList", Number: 1, Kind: KindMessage, Quantifier: Repeated, MessageID: MsgCommandInfo},
		{Name: "eventList", Number: 2, Kind: KindMessage, Quantifier: Repeated, MessageID: MsgEventInfo},
	}},
	&Message{ID: MsgCommandInfo, Name: "CommandInfo", Fields: []Field{
		{Name: "name", Number: 1, Kind: KindString},
		{Name: "number", Number: 2, Kind: KindUint32},
		{Name: "messageID", Number: 3, Kind: KindUint32},
		{Name: "responseID", Number: 4, Kind: KindUint32},
	}},
	&Message{ID: MsgEventInfo, Name: "EventInfo", Fields: []Field{
		{Name: "name", Number: 1, Kind: KindString},
		{Name: "number", Number: 2, Kind: KindUint32},
		{Name: "messageID", Number: 3, Kind: KindUint32},
	}},
	&Message{ID: MsgHostInfo, Name: "HostInfo", Fields: []Field{
		{Name: "stpVersion", Number: 1, Kind: KindUint32},
		{Name: "coreVersion", Number: 2, Kind: KindString},
		{Name: "platform", Number: 3, Kind: KindString},
		{Name: "operatingSystem", Number: 4, Kind: KindString},
		{Name: "userAgent", Number: 5, Kind: KindString},
		{Name: "serviceList", Number: 6, Kind: KindMessage, Quantifier: Repeated, MessageID: MsgService},
	}},
	&Message{ID: MsgService, Name: "Service", Fields: []Field{
		{Name: "name", Number: 1, Kind: KindString},
		{Name: "version", Number: 2, Kind: KindString},
		{Name: "active", Number: 3, Kind: KindBool, Quantifier: Optional},
	}},
	&Message{ID: MsgMessageInfoArg, Name: "MessageInfoArg", Fields: []Field{
		{Name: "serviceName", Number: 1, Kind: KindString},
		{Name: "idList", Number: 2, Kind: KindUint32, Quantifier: Repeated},
		{Name: "includeRelated", Number: 3, Kind: KindBool, Quantifier: Optional},
		{Name: "includeAll", Number: 4, Kind: KindBool, Quantifier: Optional},
	}},
	&Message{ID: MsgMessageInfoList, Name: "MessageInfoList", Fields: []Field{
		{Name: "messageList", Number: 1, Kind: KindMessage, Quantifier: Repeated, MessageID: MsgMessageInfo},
	}},
	&Message{ID: MsgMessageInfo, Name: "MessageInfo", Fields: []Field{
		{Name: "id", Number: 1, Kind: KindUint32},
		{Name: "name", Number: 2, Kind: KindString},
		{Name: "fieldList", Number: 3, Kind: KindMessage, Quantifier: Repeated, MessageID: MsgFieldInfo},
	}},
	&Message{ID: MsgFieldInfo, Name: "FieldInfo", Fields: []Field{
		{Name: "name", Number: 1, Kind: KindString},
		{Name: "type", Number: 2, Kind: KindUint32},
		{Name: "number", Number: 3, Kind: KindUint32},
		{Name: "quantifier", Number: 4, Kind: KindUint32, Quantifier: Optional},
		{Name: "messageID", Number: 5, Kind: KindUint32, Quantifier: Optional},
	}},
	&Message{ID: MsgServiceList, Name: "ServiceList", Fields: []Field{
		{Name: "serviceList", Number: 1, Kind: KindString, Quantifier: Repeated},
	}},
)

// ScopeService returns the interface of the meta service every builtin
// host exposes.
func ScopeService() *Service {
	return &Service{
		Name:    ScopeServiceName,
		Version: ScopeServiceVersion,
		Commands: []protocol.CommandDescriptor{
			Call("Connect", ScopeConnect, MsgClientInfo, DefaultMessageID),
			Call("Disconnect", ScopeDisconnect, DefaultMessageID, DefaultMessageID),
			Call("Enable", ScopeEnable, MsgServiceSelection, MsgServiceResult),
			Call("Disable", ScopeDisable, MsgServiceSelection, MsgServiceResult),
			Call("Info", ScopeInfo, MsgServiceInfoArg, MsgServiceInfo),
			Call("Quit", ScopeQuit, DefaultMessageID, DefaultMessageID),
			Call("HostInfo", ScopeHostInfo, DefaultMessageID, MsgHostInfo),
			Call("MessageInfo", ScopeMessageInfo, MsgMessageInfoArg, MsgMessageInfoList),
			Event("OnServices", ScopeOnServices, MsgServiceList),
			Event("OnQuit", ScopeOnQuit, DefaultMessageID),
			Event("OnConnectionLost", ScopeOnConnectionLost, DefaultMessageID),
			Event("OnError", ScopeOnError, MsgError),
		},
		Messages: scopeMessages,
	}
}
