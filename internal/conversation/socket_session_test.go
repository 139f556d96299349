package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/transport"
)

// TestSessionOverSocket runs a tool round trip against a websocket agent
// and ends when the agent closes normally.
func TestSessionOverSocket(t *testing.T) {
	results := make(chan map[string]any, 1)
	upgrader := websocket.Upgrader{Subprotocols: []string{"convai"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_ws","agent_output_audio_format":"pcm_16000","user_input_audio_format":"pcm_16000"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_tool_call","client_tool_call":{"tool_name":"lookup","tool_call_id":"c1","parameters":{"city":"Oslo"}}}`))

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(frame, &msg) != nil || msg["type"] != "client_tool_result" {
				continue
			}
			results <- msg
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.ReadMessage()
			return
		}
	}))
	defer srv.Close()

	disconnects := make(chan DisconnectDetails, 1)
	events := NewEvents()
	events.OnDisconnect(func(d DisconnectDetails) { disconnects <- d })

	s, err := Start(context.Background(), Options{
		Transport: transport.Config{
			SignedURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/convai/conversation?agent_id=a",
		},
		Devices:         device.NewMemoryProvider(),
		ConnectionDelay: noDelay(),
		Events:          events,
		ClientTools: ClientTools{
			"lookup": func(_ context.Context, params map[string]any) (any, error) {
				return "sunny in " + params["city"].(string), nil
			},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.EndSession()
	if s.ID() != "conv_ws" {
		t.Fatalf("ID = %q", s.ID())
	}

	select {
	case msg := <-results:
		if msg["tool_call_id"] != "c1" || msg["result"] != "sunny in Oslo" || msg["is_error"] != false {
			t.Fatalf("tool result = %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tool result received")
	}

	select {
	case d := <-disconnects:
		if d.Reason != transport.ReasonAgent {
			t.Fatalf("disconnect = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after agent close")
	}
	<-s.Done()
	if s.Status() != StatusDisconnected {
		t.Fatalf("Status = %s", s.Status())
	}
}
