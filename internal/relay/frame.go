package relay

import "encoding/json"

// FrameKind tags a session frame. Anything that is not clearly a handshake or
// an error response is Opaque and forwarded verbatim.
type FrameKind int

const (
	Opaque FrameKind = iota
	Handshake
	ErrorResponse
)

func (k FrameKind) String() string {
	switch k {
	case Handshake:
		return "handshake"
	case ErrorResponse:
		return "error"
	default:
		return "opaque"
	}
}

// Classify parses data once and tags it.
//
//	{"type":"req","method":"connect",...}   Handshake
//	{..., "error":{"message":"..."}}         ErrorResponse
func Classify(data []byte) FrameKind {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Opaque
	}
	if str(top["type"]) == "req" && str(top["method"]) == "connect" {
		return Handshake
	}
	if raw, ok := top["error"]; ok {
		var e map[string]json.RawMessage
		if json.Unmarshal(raw, &e) == nil {
			var msg string
			if m, ok := e["message"]; ok && json.Unmarshal(m, &msg) == nil {
				return ErrorResponse
			}
		}
	}
	return Opaque
}

func str(raw json.RawMessage) string {
	var s string
	if raw == nil || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
