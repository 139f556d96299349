package conversation

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

// handleMessage interprets one inbound message. The transport delivers
// messages one at a time in arrival order.
func (s *Session) handleMessage(msg protocol.Incoming) {
	if s.Status() != StatusConnected {
		return
	}

	switch m := msg.(type) {
	case protocol.Interruption:
		s.handleInterruption(m.Event.EventID)

	case protocol.AgentResponse:
		emit(s.events, func(e *Events) func(Message) { return e.message }, Message{Source: SourceAgent, Text: m.Event.AgentResponse})

	case protocol.UserTranscript:
		emit(s.events, func(e *Events) func(Message) { return e.message }, Message{Source: SourceUser, Text: m.Event.UserTranscript})

	case protocol.AgentResponseCorrection:
		emit(s.events, func(e *Events) func(protocol.AgentResponseCorrection) { return e.correction }, m)

	case protocol.Audio:
		s.handleAudio(m)

	case protocol.ClientToolCall:
		s.handleToolCall(ToolCall{
			ToolName:        m.Call.ToolName,
			ToolCallID:      m.Call.ToolCallID,
			Parameters:      m.Call.Parameters,
			ExpectsResponse: m.Call.ExpectsResponse,
			EventID:         m.Call.EventID,
		})

	case protocol.Ping:
		s.send(protocol.Pong{EventID: m.Event.EventID})

	case protocol.VADScore:
		emit(s.events, func(e *Events) func(float64) { return e.vadScore }, m.Event.VADScore)

	case protocol.TentativeAgentResponse:
		emit(s.events, func(e *Events) func(string) { return e.tentative }, m.Event.TentativeAgentResponse)

	case protocol.AgentChatResponsePart:
		emit(s.events, func(e *Events) func(protocol.AgentChatResponsePart) { return e.chatResponsePart }, m)

	case protocol.AgentToolResponse:
		emit(s.events, func(e *Events) func(protocol.AgentToolResponse) { return e.agentToolResp }, m)

	case protocol.MCPToolCall:
		emit(s.events, func(e *Events) func(protocol.MCPToolCall) { return e.mcpToolCall }, m)

	case protocol.MCPConnectionStatus:
		emit(s.events, func(e *Events) func(protocol.MCPConnectionStatus) { return e.mcpStatus }, m)

	case protocol.ASRInitiationMetadata:
		emit(s.events, func(e *Events) func(protocol.ASRInitiationMetadata) { return e.asrMetadata }, m)

	case protocol.ServerError:
		s.log.Warn("server error", "code", m.Event.Code, "type", m.Event.ErrorType, "message", m.Event.Message)
		emit(s.events, func(e *Events) func(ErrorEvent) { return e.errorFn }, ErrorEvent{
			Message: m.Event.Message,
			Code:    m.Event.Code,
			Type:    m.Event.ErrorType,
		})

	default:
		s.log.Debug("unhandled message", logging.KeyMessageType, msg.IncomingType())
		emit(s.events, func(e *Events) func(protocol.Incoming) { return e.debug }, msg)
	}
}

func (s *Session) handleInterruption(eventID int64) {
	s.mu.Lock()
	s.lastInterruptTimestamp = eventID
	s.mu.Unlock()

	emit(s.events, func(e *Events) func(int64) { return e.interruption }, eventID)
	if p := s.currentPlayback(); p != nil {
		p.Interrupt()
	}
	s.setMode(ModeListening)
}

// handleAudio plays an agent audio event unless an interruption newer than
// it has already been received.
func (s *Session) handleAudio(m protocol.Audio) {
	id := m.Event.EventID

	s.mu.Lock()
	if id < s.lastInterruptTimestamp {
		s.mu.Unlock()
		s.log.Debug("dropping stale audio", logging.KeyEventID, id)
		return
	}
	before := s.currentEventID != s.lastFeedbackEventID
	s.currentEventID = id
	after := s.currentEventID != s.lastFeedbackEventID
	s.mu.Unlock()

	emit(s.events, func(e *Events) func(string) { return e.audio }, m.Event.AudioBase64)

	if p := s.currentPlayback(); p != nil {
		data, err := base64.StdEncoding.DecodeString(m.Event.AudioBase64)
		if err != nil {
			s.log.Warn("dropping undecodable audio", logging.KeyEventID, id, logging.KeyError, err)
		} else {
			p.Buffer(data)
		}
	}
	if before != after {
		emit(s.events, func(e *Events) func(bool) { return e.canSendFeedback }, after)
	}
	s.setMode(ModeSpeaking)
}

func (s *Session) handleToolCall(call ToolCall) {
	tool, ok := s.opts.ClientTools[call.ToolName]
	if !ok {
		if s.events.hasUnhandledTool() {
			emit(s.events, func(e *Events) func(ToolCall) { return e.unhandledTool }, call)
			return
		}
		result := undefinedToolResult(call)
		emit(s.events, func(e *Events) func(ErrorEvent) { return e.errorFn }, ErrorEvent{
			Message:  result.Result.(string),
			ToolName: call.ToolName,
		})
		s.send(result)
		return
	}

	err := s.tools.Submit(func(ctx context.Context) {
		result, err := invoke(ctx, tool, call.Parameters)
		if err != nil {
			s.log.Warn("client tool failed", "tool", call.ToolName, logging.KeyError, err)
			emit(s.events, func(e *Events) func(ErrorEvent) { return e.errorFn }, ErrorEvent{
				Message:  "Client tool execution failed with following error: " + err.Error(),
				ToolName: call.ToolName,
			})
		}
		s.send(toolResult(call.ToolCallID, result, err))
	})
	if err != nil {
		s.send(toolResult(call.ToolCallID, nil, fmt.Errorf("too many client tools running: %w", err)))
	}
}
