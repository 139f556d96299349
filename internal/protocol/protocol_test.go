package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "pcm_16000", want: Format{EncodingPCM, 16000}},
		{in: "ulaw_8000", want: Format{EncodingULaw, 8000}},
		{in: "pcm_44100", want: Format{EncodingPCM, 44100}},
		{in: "", want: DefaultFormat},
		{in: "opus_48000", wantErr: true},
		{in: "pcm_fast", wantErr: true},
		{in: "pcm_0", wantErr: true},
		{in: "pcm", wantErr: true},
		{in: "pcm_-8000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFormat(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatStringRoundTrip(t *testing.T) {
	f := MustParseFormat("ulaw_8000")
	if f.String() != "ulaw_8000" {
		t.Fatalf("String() = %q", f.String())
	}
	if f.BytesPerSample() != 1 || DefaultFormat.BytesPerSample() != 2 {
		t.Fatal("unexpected BytesPerSample")
	}
}

func TestIsValidIncoming(t *testing.T) {
	for _, typ := range []string{"audio", "interruption", "ping", "client_tool_call", "conversation_initiation_metadata"} {
		if !IsValidIncoming(typ) {
			t.Errorf("IsValidIncoming(%q) = false", typ)
		}
	}
	for _, typ := range []string{"", "Audio", "pong", "user_audio_chunk", "brand_new_event"} {
		if IsValidIncoming(typ) {
			t.Errorf("IsValidIncoming(%q) = true", typ)
		}
	}
}

func TestDecodeInitiationMetadata(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"X","agent_output_audio_format":"pcm_16000","user_input_audio_format":"ulaw_8000"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	meta, ok := msg.(ConversationInitiationMetadata)
	if !ok {
		t.Fatalf("got %T", msg)
	}
	if meta.Event.ConversationID != "X" || meta.Event.UserInputAudioFormat != "ulaw_8000" {
		t.Fatalf("unexpected metadata: %+v", meta.Event)
	}
}

func TestDecodeVariants(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"audio","audio_event":{"audio_base_64":"AAA=","event_id":7}}`))
	if err != nil {
		t.Fatal(err)
	}
	if a := msg.(Audio); a.Event.EventID != 7 || a.Event.AudioBase64 != "AAA=" {
		t.Fatalf("audio = %+v", a)
	}

	msg, err = Decode([]byte(`{"type":"client_tool_call","client_tool_call":{"tool_name":"foo","tool_call_id":"1","parameters":{"a":1}}}`))
	if err != nil {
		t.Fatal(err)
	}
	call := msg.(ClientToolCall)
	if call.Call.ToolName != "foo" || call.Call.Parameters["a"].(float64) != 1 {
		t.Fatalf("tool call = %+v", call.Call)
	}

	msg, err = Decode([]byte(`{"type":"ping","ping_event":{"event_id":3,"ping_ms":40}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p := msg.(Ping); p.Event.EventID != 3 || p.Event.PingMs == nil || *p.Event.PingMs != 40 {
		t.Fatalf("ping = %+v", p)
	}
}

func TestDecodeUnknownIsNotAnError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"something_new","x":1}`))
	if err != nil {
		t.Fatalf("unknown discriminant should not fail: %v", err)
	}
	u, ok := msg.(Unknown)
	if !ok || u.Type != "something_new" || !strings.Contains(string(u.Raw), `"x":1`) {
		t.Fatalf("got %#v", msg)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{`not json`, `{}`, `{"type":""}`, `{"type":"audio","audio_event":"nope"}`} {
		_, err := Decode([]byte(in))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Decode(%s) err = %v, want *DecodeError", in, err)
		}
	}
}

func TestEncodeStampsType(t *testing.T) {
	tests := []struct {
		msg  Outgoing
		want map[string]any
	}{
		{Pong{EventID: 5}, map[string]any{"type": "pong", "event_id": float64(5)}},
		{UserActivity{}, map[string]any{"type": "user_activity"}},
		{Feedback{Score: FeedbackLike, EventID: 9}, map[string]any{"type": "feedback", "score": "like", "event_id": float64(9)}},
		{ClientToolResult{ToolCallID: "1", Result: "ok"}, map[string]any{"type": "client_tool_result", "tool_call_id": "1", "result": "ok", "is_error": false}},
		{MCPToolApprovalResult{ToolCallID: "t", IsApproved: true}, map[string]any{"type": "mcp_tool_approval_result", "tool_call_id": "t", "is_approved": true}},
	}
	for _, tt := range tests {
		data, err := Encode(tt.msg)
		if err != nil {
			t.Fatalf("Encode(%T): %v", tt.msg, err)
		}
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Encode(%T) produced invalid json %s: %v", tt.msg, data, err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("Encode(%T) = %s", tt.msg, data)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("Encode(%T)[%s] = %v, want %v", tt.msg, k, got[k], v)
			}
		}
	}
}

func TestEncodeAudioChunkHasNoType(t *testing.T) {
	data, err := Encode(UserAudioChunk{AudioBase64: "AQI="})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"user_audio_chunk":"AQI="}` {
		t.Fatalf("got %s", data)
	}
	if !IsAudio(&UserAudioChunk{}) || IsAudio(Pong{}) {
		t.Fatal("IsAudio misclassified")
	}
}

func TestDecodeTranscription(t *testing.T) {
	msg, err := DecodeTranscription([]byte(`{"message_type":"committed_transcript_with_timestamps","text":"hi","words":[{"text":"hi","start":0.1,"end":0.3}]}`))
	if err != nil {
		t.Fatal(err)
	}
	c := msg.(CommittedTranscriptWithTimestamps)
	if c.Text != "hi" || len(c.Words) != 1 || c.Words[0].End != 0.3 {
		t.Fatalf("got %+v", c)
	}

	msg, err = DecodeTranscription([]byte(`{"message_type":"quota_exceeded","error":"out of credits"}`))
	if err != nil {
		t.Fatal(err)
	}
	e := msg.(TranscriptionError)
	if e.Kind != TranscriptionQuotaExceeded || !strings.Contains(e.Error(), "out of credits") {
		t.Fatalf("got %+v", e)
	}

	msg, err = DecodeTranscription([]byte(`{"message_type":"future_event"}`))
	if err != nil || msg != nil {
		t.Fatalf("unknown transcription message should be ignored, got %v, %v", msg, err)
	}
}
