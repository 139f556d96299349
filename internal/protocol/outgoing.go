package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound discriminants.
const (
	TypeConversationInitiationClientData = "conversation_initiation_client_data"
	TypeUserAudioChunk                   = "user_audio_chunk"
	TypePong                             = "pong"
	TypeClientToolResult                 = "client_tool_result"
	TypeFeedback                         = "feedback"
	TypeContextualUpdate                 = "contextual_update"
	TypeUserMessage                      = "user_message"
	TypeUserActivity                     = "user_activity"
	TypeMCPToolApprovalResult            = "mcp_tool_approval_result"
)

// Outgoing is any outbound message.
type Outgoing interface {
	OutgoingType() string
}

// InitiationClientData is sent once when the transport opens.
type InitiationClientData struct {
	ConversationConfigOverride map[string]any `json:"conversation_config_override,omitempty"`
	CustomLLMExtraBody         map[string]any `json:"custom_llm_extra_body,omitempty"`
	DynamicVariables           map[string]any `json:"dynamic_variables,omitempty"`
	UserID                     string         `json:"user_id,omitempty"`
	Source                     *SourceInfo    `json:"source_info,omitempty"`
}

type SourceInfo struct {
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`
}

// UserAudioChunk carries base64 encoded microphone audio. It is framed
// without a type field.
type UserAudioChunk struct {
	AudioBase64 string `json:"user_audio_chunk"`
}

type Pong struct {
	EventID int64 `json:"event_id"`
}

type ClientToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     any    `json:"result"`
	IsError    bool   `json:"is_error"`
}

// FeedbackScore is like or dislike.
type FeedbackScore string

const (
	FeedbackLike    FeedbackScore = "like"
	FeedbackDislike FeedbackScore = "dislike"
)

type Feedback struct {
	Score   FeedbackScore `json:"score"`
	EventID int64         `json:"event_id"`
}

type ContextualUpdate struct {
	Text string `json:"text"`
}

type UserMessage struct {
	Text string `json:"text,omitempty"`
}

type UserActivity struct{}

type MCPToolApprovalResult struct {
	ToolCallID string `json:"tool_call_id"`
	IsApproved bool   `json:"is_approved"`
}

func (InitiationClientData) OutgoingType() string  { return TypeConversationInitiationClientData }
func (UserAudioChunk) OutgoingType() string        { return TypeUserAudioChunk }
func (Pong) OutgoingType() string                  { return TypePong }
func (ClientToolResult) OutgoingType() string      { return TypeClientToolResult }
func (Feedback) OutgoingType() string              { return TypeFeedback }
func (ContextualUpdate) OutgoingType() string      { return TypeContextualUpdate }
func (UserMessage) OutgoingType() string           { return TypeUserMessage }
func (UserActivity) OutgoingType() string          { return TypeUserActivity }
func (MCPToolApprovalResult) OutgoingType() string { return TypeMCPToolApprovalResult }

// IsAudio reports whether msg carries microphone audio.
func IsAudio(msg Outgoing) bool {
	switch msg.(type) {
	case UserAudioChunk, *UserAudioChunk:
		return true
	}
	return false
}

// Encode marshals msg and stamps its discriminant as the leading "type"
// field.
func Encode(msg Outgoing) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.OutgoingType(), err)
	}
	if IsAudio(msg) {
		return body, nil
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: encode %s: not an object", msg.OutgoingType())
	}

	out := fmt.Appendf(nil, `{"type":%q`, msg.OutgoingType())
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}
