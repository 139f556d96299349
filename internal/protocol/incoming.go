package protocol

import "encoding/json"

// Inbound discriminants.
const (
	TypeConversationInitiationMetadata = "conversation_initiation_metadata"
	TypeUserTranscript                 = "user_transcript"
	TypeAgentResponse                  = "agent_response"
	TypeAgentResponseCorrection        = "agent_response_correction"
	TypeAudio                          = "audio"
	TypeInterruption                   = "interruption"
	TypeClientToolCall                 = "client_tool_call"
	TypePing                           = "ping"
	TypeVADScore                       = "vad_score"
	TypeTentativeAgentResponse         = "internal_tentative_agent_response"
	TypeAgentToolResponse              = "agent_tool_response"
	TypeAgentChatResponsePart          = "agent_chat_response_part"
	TypeMCPToolCall                    = "mcp_tool_call"
	TypeMCPConnectionStatus            = "mcp_connection_status"
	TypeASRInitiationMetadata          = "asr_initiation_metadata"
	TypeError                          = "error"
)

// Incoming is any decoded inbound message.
type Incoming interface {
	IncomingType() string
}

type ConversationInitiationMetadata struct {
	Event struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
}

type UserTranscript struct {
	Event struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

type AgentResponse struct {
	Event struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
}

type AgentResponseCorrection struct {
	Event struct {
		OriginalAgentResponse  string `json:"original_agent_response"`
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`
}

type Audio struct {
	Event struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event"`
}

type Interruption struct {
	Event struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event"`
}

// ClientToolCall asks the client to run a named tool.
type ClientToolCall struct {
	Call struct {
		ToolName        string         `json:"tool_name"`
		ToolCallID      string         `json:"tool_call_id"`
		Parameters      map[string]any `json:"parameters"`
		ExpectsResponse *bool          `json:"expects_response,omitempty"`
		EventID         int64          `json:"event_id,omitempty"`
	} `json:"client_tool_call"`
}

type Ping struct {
	Event struct {
		EventID int64  `json:"event_id"`
		PingMs  *int64 `json:"ping_ms,omitempty"`
	} `json:"ping_event"`
}

type VADScore struct {
	Event struct {
		VADScore float64 `json:"vad_score"`
	} `json:"vad_score_event"`
}

type TentativeAgentResponse struct {
	Event struct {
		TentativeAgentResponse string `json:"tentative_agent_response"`
	} `json:"tentative_agent_response_internal_event"`
}

type AgentToolResponse struct {
	Response struct {
		ToolName   string `json:"tool_name"`
		ToolCallID string `json:"tool_call_id"`
		ToolType   string `json:"tool_type"`
		IsError    bool   `json:"is_error"`
	} `json:"agent_tool_response"`
}

// AgentChatResponsePart is a streamed text fragment; Part.Type is one of
// start, delta or stop.
type AgentChatResponsePart struct {
	Part struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"text_response_part"`
}

type MCPToolCall struct {
	Call map[string]any `json:"mcp_tool_call"`
}

type MCPConnectionStatus struct {
	Status map[string]any `json:"mcp_connection_status"`
}

type ASRInitiationMetadata struct {
	Event map[string]any `json:"asr_initiation_metadata_event"`
}

// ServerError is an error reported in-band by the service.
type ServerError struct {
	Event struct {
		Code      int    `json:"code"`
		Message   string `json:"message"`
		ErrorType string `json:"error_type"`
	} `json:"error_event"`
}

// Unknown carries a message whose discriminant is not recognized.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ConversationInitiationMetadata) IncomingType() string {
	return TypeConversationInitiationMetadata
}
func (UserTranscript) IncomingType() string          { return TypeUserTranscript }
func (AgentResponse) IncomingType() string           { return TypeAgentResponse }
func (AgentResponseCorrection) IncomingType() string { return TypeAgentResponseCorrection }
func (Audio) IncomingType() string                   { return TypeAudio }
func (Interruption) IncomingType() string            { return TypeInterruption }
func (ClientToolCall) IncomingType() string          { return TypeClientToolCall }
func (Ping) IncomingType() string                    { return TypePing }
func (VADScore) IncomingType() string                { return TypeVADScore }
func (TentativeAgentResponse) IncomingType() string  { return TypeTentativeAgentResponse }
func (AgentToolResponse) IncomingType() string       { return TypeAgentToolResponse }
func (AgentChatResponsePart) IncomingType() string   { return TypeAgentChatResponsePart }
func (MCPToolCall) IncomingType() string             { return TypeMCPToolCall }
func (MCPConnectionStatus) IncomingType() string     { return TypeMCPConnectionStatus }
func (ASRInitiationMetadata) IncomingType() string   { return TypeASRInitiationMetadata }
func (ServerError) IncomingType() string             { return TypeError }
func (u Unknown) IncomingType() string               { return u.Type }
