package plugin

// Method ids understood on both sides of the plugin protocol. The set is
// closed: both carriers reject ids outside it.
const (
	// Control methods
	MethodNext       uint32 = 1
	MethodEnd        uint32 = 2
	MethodGetPayload uint32 = 3

	// Response methods
	MethodSetResponseHeader      uint32 = 100
	MethodRemoveResponseHeader   uint32 = 101
	MethodSetResponseStatus      uint32 = 102
	MethodSetResponseFullBody    uint32 = 103
	MethodSetResponseStreamData  uint32 = 104
	MethodSetResponseStreamEnd   uint32 = 105
	MethodSetResponseStreamHead  uint32 = 106
	MethodReadResponseFullBody   uint32 = 107

	// Request methods
	MethodReadRequestFullBody uint32 = 200
	MethodReadRequestHeader   uint32 = 201
	MethodReadRequestHeaders  uint32 = 202
	MethodReadRequestURL      uint32 = 203
	MethodReadRequestPath     uint32 = 204
	MethodReadRequestQuery    uint32 = 205
	MethodReadRequestParams   uint32 = 206
	MethodReadRequestHost     uint32 = 207
	MethodReadRequestClientIP uint32 = 208
	MethodReadRequestMethod   uint32 = 209

	// WebSocket control methods
	MethodWebSocketUpgrade         uint32 = 300
	MethodWebSocketSendText        uint32 = 301
	MethodWebSocketSendBinary      uint32 = 302
	MethodWebSocketClose           uint32 = 303
	MethodWebSocketOnOpen          uint32 = 304
	MethodWebSocketOnClose         uint32 = 305
	MethodWebSocketJoinRoom        uint32 = 306
	MethodWebSocketLeaveRoom       uint32 = 307
	MethodWebSocketBroadcastText   uint32 = 308
	MethodWebSocketBroadcastBinary uint32 = 309
)

// Phase numbers the plugin protocol carries. Phase 0 is reserved.
type Phase uint8

const (
	PhaseZero               Phase = 0
	PhaseRequestFilter      Phase = 1
	PhaseResponseFilter     Phase = 2
	PhaseResponseBodyFilter Phase = 3
	PhaseLogging            Phase = 4
)

// SubjectFragment returns the phase's messaging subject segment.
func (p Phase) SubjectFragment() string {
	switch p {
	case PhaseRequestFilter:
		return "request_filter"
	case PhaseResponseFilter:
		return "response_filter"
	case PhaseResponseBodyFilter:
		return "response_body_filter"
	case PhaseLogging:
		return "logging"
	}
	return "zero"
}

func (p Phase) String() string { return p.SubjectFragment() }

// Builtin middleware names resolved before any plugin lookup.
const (
	BuiltinRequestHeaderModifier  = "RequestHeaderModifier"
	BuiltinResponseHeaderModifier = "ResponseHeaderModifier"
)

// FFI symbol names every local-stream plugin library must export.
const (
	SymInitialize      = "initialize"
	SymRegisterSession = "register_session_stream"
	SymEventStream     = "event_stream"
	SymCloseSession    = "close_session_stream"
	SymPluginFree      = "plugin_free"
)
