package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

// ClientTool runs one client tool. A nil result is reported to the agent as
// a plain success message.
type ClientTool func(ctx context.Context, parameters map[string]any) (any, error)

// ClientTools maps exact, case-sensitive tool names to handlers.
type ClientTools map[string]ClientTool

const toolSuccessMessage = "Client tool execution successful."

func toolResult(callID string, result any, err error) protocol.ClientToolResult {
	if err != nil {
		return protocol.ClientToolResult{
			ToolCallID: callID,
			Result:     "Client tool execution failed: " + err.Error(),
			IsError:    true,
		}
	}
	return protocol.ClientToolResult{ToolCallID: callID, Result: formatResult(result)}
}

// formatResult renders structured results as JSON text.
func formatResult(result any) string {
	switch v := result.(type) {
	case nil:
		return toolSuccessMessage
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(data)
}

func undefinedToolResult(call ToolCall) protocol.ClientToolResult {
	return protocol.ClientToolResult{
		ToolCallID: call.ToolCallID,
		Result:     fmt.Sprintf("Client tool with name %s is not defined on client", call.ToolName),
		IsError:    true,
	}
}

// invoke runs the tool and converts a panic into an error result.
func invoke(ctx context.Context, tool ClientTool, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool(ctx, params)
}
