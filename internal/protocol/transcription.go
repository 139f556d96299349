package protocol

import (
	"encoding/json"
	"strings"
)

// Realtime transcription discriminants, carried in message_type.
const (
	TranscriptionSessionStarted      = "session_started"
	TranscriptionPartial             = "partial_transcript"
	TranscriptionCommitted           = "committed_transcript"
	TranscriptionCommittedTimestamps = "committed_transcript_with_timestamps"
	TranscriptionInputAudioChunk     = "input_audio_chunk"
	TranscriptionErrorGeneric        = "error"
	TranscriptionAuthError           = "auth_error"
	TranscriptionQuotaExceeded       = "quota_exceeded"
	TranscriptionRateLimited         = "rate_limited"
	TranscriptionQueueOverflow       = "queue_overflow"
	TranscriptionResourceExhausted   = "resource_exhausted"
	TranscriptionSessionTimeLimit    = "session_time_limit_exceeded"
	TranscriptionChunkSizeExceeded   = "chunk_size_exceeded"
	TranscriptionInsufficientAudio   = "insufficient_audio_activity"
	TranscriptionInputError          = "input_error"
)

// TranscriptionErrorKinds is the closed family of typed error events.
var TranscriptionErrorKinds = []string{
	TranscriptionAuthError,
	TranscriptionQuotaExceeded,
	TranscriptionRateLimited,
	TranscriptionQueueOverflow,
	TranscriptionResourceExhausted,
	TranscriptionSessionTimeLimit,
	TranscriptionChunkSizeExceeded,
	TranscriptionInsufficientAudio,
}

// InputAudioChunk is the only outbound transcription message.
type InputAudioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

// TranscriptionMessage is any decoded inbound transcription message.
type TranscriptionMessage interface {
	TranscriptionType() string
}

type SessionStarted struct {
	SessionID string         `json:"session_id"`
	Config    map[string]any `json:"config,omitempty"`
}

type PartialTranscript struct {
	Text string `json:"text"`
}

type CommittedTranscript struct {
	Text string `json:"text"`
}

type TranscriptWord struct {
	Text      string   `json:"text"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Type      string   `json:"type,omitempty"`
	SpeakerID string   `json:"speaker_id,omitempty"`
	Logprob   *float64 `json:"logprob,omitempty"`
}

type CommittedTranscriptWithTimestamps struct {
	Text         string           `json:"text"`
	LanguageCode string           `json:"language_code,omitempty"`
	Words        []TranscriptWord `json:"words,omitempty"`
}

// TranscriptionError is a typed or generic error event. Kind is the
// message_type it arrived with.
type TranscriptionError struct {
	Kind    string `json:"message_type"`
	Message string `json:"error"`
}

func (e TranscriptionError) Error() string {
	if e.Message == "" {
		return "transcription: " + e.Kind
	}
	return "transcription: " + e.Kind + ": " + e.Message
}

func (SessionStarted) TranscriptionType() string      { return TranscriptionSessionStarted }
func (PartialTranscript) TranscriptionType() string   { return TranscriptionPartial }
func (CommittedTranscript) TranscriptionType() string { return TranscriptionCommitted }
func (CommittedTranscriptWithTimestamps) TranscriptionType() string {
	return TranscriptionCommittedTimestamps
}
func (e TranscriptionError) TranscriptionType() string { return e.Kind }

// IsTranscriptionErrorKind reports whether kind belongs to the typed error
// family.
func IsTranscriptionErrorKind(kind string) bool {
	for _, k := range TranscriptionErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DecodeTranscription parses one inbound transcription frame. Unknown
// discriminants return (nil, nil).
func DecodeTranscription(data []byte) (TranscriptionMessage, error) {
	var envelope struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.MessageType)

	var (
		msg TranscriptionMessage
		err error
	)
	switch {
	case typ == "":
		return nil, badRequest("missing message_type", "")
	case typ == TranscriptionSessionStarted:
		msg, err = unmarshalAs[SessionStarted](data)
	case typ == TranscriptionPartial:
		msg, err = unmarshalAs[PartialTranscript](data)
	case typ == TranscriptionCommitted:
		msg, err = unmarshalAs[CommittedTranscript](data)
	case typ == TranscriptionCommittedTimestamps:
		msg, err = unmarshalAs[CommittedTranscriptWithTimestamps](data)
	case typ == TranscriptionErrorGeneric || typ == TranscriptionInputError || IsTranscriptionErrorKind(typ):
		msg, err = unmarshalAs[TranscriptionError](data)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, badRequest("invalid payload: "+err.Error(), typ)
	}
	return msg, nil
}

func unmarshalAs[T TranscriptionMessage](data []byte) (TranscriptionMessage, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
