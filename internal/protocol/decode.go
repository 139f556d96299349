package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError describes an inbound frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
	Type    string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Type == "" {
		return "protocol: " + e.Message
	}
	return fmt.Sprintf("protocol: %s (%s)", e.Message, e.Type)
}

func badRequest(message, typ string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Type: typ}
}

func decodeAs[T Incoming](data []byte) (Incoming, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		var zero T
		return nil, badRequest("invalid payload: "+err.Error(), zero.IncomingType())
	}
	return msg, nil
}

var decoders = map[string]func([]byte) (Incoming, error){
	TypeConversationInitiationMetadata: decodeAs[ConversationInitiationMetadata],
	TypeUserTranscript:                 decodeAs[UserTranscript],
	TypeAgentResponse:                  decodeAs[AgentResponse],
	TypeAgentResponseCorrection:        decodeAs[AgentResponseCorrection],
	TypeAudio:                          decodeAs[Audio],
	TypeInterruption:                   decodeAs[Interruption],
	TypeClientToolCall:                 decodeAs[ClientToolCall],
	TypePing:                           decodeAs[Ping],
	TypeVADScore:                       decodeAs[VADScore],
	TypeTentativeAgentResponse:         decodeAs[TentativeAgentResponse],
	TypeAgentToolResponse:              decodeAs[AgentToolResponse],
	TypeAgentChatResponsePart:          decodeAs[AgentChatResponsePart],
	TypeMCPToolCall:                    decodeAs[MCPToolCall],
	TypeMCPConnectionStatus:            decodeAs[MCPConnectionStatus],
	TypeASRInitiationMetadata:          decodeAs[ASRInitiationMetadata],
	TypeError:                          decodeAs[ServerError],
}

// IsValidIncoming reports whether typ is a known inbound discriminant. It is
// checked before any payload field is read.
func IsValidIncoming(typ string) bool {
	_, ok := decoders[typ]
	return ok
}

// Decode parses one inbound JSON frame. Frames with an unrecognized
// discriminant decode to Unknown rather than failing.
func Decode(data []byte) (Incoming, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "")
	}
	if !IsValidIncoming(typ) {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: typ, Raw: raw}, nil
	}
	return decoders[typ](data)
}
