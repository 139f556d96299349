package conversation

import (
	"sync"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
	"github.com/wei/elevenlabs-packages-sub002/internal/transport"
)

// Status is the lifecycle state of a session. It only moves forward.
type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
	StatusDisconnected  Status = "disconnected"
)

func (s Status) rank() int {
	switch s {
	case StatusConnected:
		return 1
	case StatusDisconnecting:
		return 2
	case StatusDisconnected:
		return 3
	default:
		return 0
	}
}

// Mode reports whether agent audio is currently rendering.
type Mode string

const (
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

// Source tags who produced a transcript line.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "ai"
)

type Message struct {
	Source Source
	Text   string
}

// DisconnectDetails is reported once when a session ends.
type DisconnectDetails struct {
	Reason      transport.DisconnectReason
	Message     string
	CloseCode   int
	CloseReason string
}

// ErrorEvent is a non-fatal problem surfaced while the session runs: a
// server error event, a failed client tool or a lost input device.
type ErrorEvent struct {
	Message  string
	Code     int
	Type     string
	ToolName string
}

// ToolCall is a client tool invocation requested by the agent.
type ToolCall struct {
	ToolName        string
	ToolCallID      string
	Parameters      map[string]any
	ExpectsResponse *bool
	EventID         int64
}

// Events holds one listener per event category. Register listeners before
// Start to observe the connect and status events emitted during it.
// Listeners run on the goroutine that produced the event and must not block.
type Events struct {
	mu sync.RWMutex

	connect          func(conversationID string)
	disconnect       func(DisconnectDetails)
	status           func(Status)
	mode             func(Mode)
	message          func(Message)
	correction       func(protocol.AgentResponseCorrection)
	canSendFeedback  func(bool)
	unhandledTool    func(ToolCall)
	vadScore         func(float64)
	audio            func(base64 string)
	interruption     func(eventID int64)
	tentative        func(text string)
	chatResponsePart func(protocol.AgentChatResponsePart)
	agentToolResp    func(protocol.AgentToolResponse)
	mcpToolCall      func(protocol.MCPToolCall)
	mcpStatus        func(protocol.MCPConnectionStatus)
	asrMetadata      func(protocol.ASRInitiationMetadata)
	errorFn          func(ErrorEvent)
	debug            func(protocol.Incoming)
}

func NewEvents() *Events { return &Events{} }

func (e *Events) OnConnect(fn func(conversationID string)) { e.set(func() { e.connect = fn }) }
func (e *Events) OnDisconnect(fn func(DisconnectDetails))  { e.set(func() { e.disconnect = fn }) }
func (e *Events) OnStatusChange(fn func(Status))           { e.set(func() { e.status = fn }) }
func (e *Events) OnModeChange(fn func(Mode))               { e.set(func() { e.mode = fn }) }
func (e *Events) OnMessage(fn func(Message))               { e.set(func() { e.message = fn }) }
func (e *Events) OnAgentResponseCorrection(fn func(protocol.AgentResponseCorrection)) {
	e.set(func() { e.correction = fn })
}
func (e *Events) OnCanSendFeedbackChange(fn func(bool)) { e.set(func() { e.canSendFeedback = fn }) }

// OnUnhandledClientToolCall receives calls for tools missing from the
// registry. While it is set no result is sent automatically; the listener
// answers with Session.SendClientToolResult.
func (e *Events) OnUnhandledClientToolCall(fn func(ToolCall)) { e.set(func() { e.unhandledTool = fn }) }
func (e *Events) OnVADScore(fn func(float64))                 { e.set(func() { e.vadScore = fn }) }
func (e *Events) OnAudio(fn func(base64 string))              { e.set(func() { e.audio = fn }) }
func (e *Events) OnInterruption(fn func(eventID int64))       { e.set(func() { e.interruption = fn }) }
func (e *Events) OnTentativeResponse(fn func(text string))    { e.set(func() { e.tentative = fn }) }
func (e *Events) OnAgentChatResponsePart(fn func(protocol.AgentChatResponsePart)) {
	e.set(func() { e.chatResponsePart = fn })
}
func (e *Events) OnAgentToolResponse(fn func(protocol.AgentToolResponse)) {
	e.set(func() { e.agentToolResp = fn })
}
func (e *Events) OnMCPToolCall(fn func(protocol.MCPToolCall)) { e.set(func() { e.mcpToolCall = fn }) }
func (e *Events) OnMCPConnectionStatus(fn func(protocol.MCPConnectionStatus)) {
	e.set(func() { e.mcpStatus = fn })
}
func (e *Events) OnASRInitiationMetadata(fn func(protocol.ASRInitiationMetadata)) {
	e.set(func() { e.asrMetadata = fn })
}
func (e *Events) OnError(fn func(ErrorEvent)) { e.set(func() { e.errorFn = fn }) }

// OnDebug receives messages with no dedicated category, including unknown
// message types.
func (e *Events) OnDebug(fn func(protocol.Incoming)) { e.set(func() { e.debug = fn }) }

func (e *Events) set(assign func()) {
	e.mu.Lock()
	assign()
	e.mu.Unlock()
}

// emit calls the listener selected by pick with arg when it is set.
func emit[T any](e *Events, pick func(*Events) func(T), arg T) {
	if e == nil {
		return
	}
	e.mu.RLock()
	fn := pick(e)
	e.mu.RUnlock()
	if fn != nil {
		fn(arg)
	}
}

func (e *Events) hasUnhandledTool() bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unhandledTool != nil
}
