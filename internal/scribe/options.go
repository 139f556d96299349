package scribe

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

// CommitStrategy decides who finalizes a transcript segment.
type CommitStrategy string

const (
	// CommitManual finalizes a segment when the client calls Commit.
	CommitManual CommitStrategy = "manual"
	// CommitVAD lets the service commit after detected silence.
	CommitVAD CommitStrategy = "vad"
)

const (
	DefaultOrigin  = "wss://api.elevenlabs.io"
	DefaultModelID = "scribe_v2_realtime"
	realtimePath   = "/v1/speech-to-text/realtime"
)

// Accepted ranges for the voice activity tuning options. The silence
// threshold excludes its lower bound; every other bound is inclusive.
const (
	minSilenceThresholdSecs = 0.3
	maxSilenceThresholdSecs = 3.0
	minVADThreshold         = 0.1
	maxVADThreshold         = 0.9
	minDurationMs           = 50
	maxDurationMs           = 2000
)

// Options configures a transcription connection. Nil tuning values are left
// to the service defaults; a set value is range checked, zero included.
type Options struct {
	// Token is a single-use realtime token. Required.
	Token   string
	ModelID string
	// Origin is the service origin; DefaultOrigin when empty.
	Origin string

	CommitStrategy CommitStrategy
	// AudioFormat is "<pcm|ulaw>_<rate>"; pcm_16000 when empty.
	AudioFormat       string
	LanguageCode      string
	IncludeTimestamps bool

	VADSilenceThresholdSecs *float64
	VADThreshold            *float64
	MinSpeechDurationMs     *int
	MinSilenceDurationMs    *int

	// Microphone switches the connection to microphone mode: audio is
	// captured from a device and streamed until Close.
	Microphone *Microphone

	Events *Events
}

// Microphone selects the capture device for microphone mode.
type Microphone struct {
	Devices  device.Provider
	DeviceID string
	// FrameDuration is the audio per sent chunk; 100ms when zero.
	FrameDuration time.Duration
}

// Ptr returns a pointer to v, for the optional tuning fields of Options.
func Ptr[T any](v T) *T { return &v }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOption, fmt.Sprintf(format, args...))
}

// validate checks opts and fills defaults. It performs no I/O.
func (o *Options) validate() (protocol.Format, error) {
	if o.Token == "" {
		return protocol.Format{}, invalid("token is required")
	}
	if o.ModelID == "" {
		o.ModelID = DefaultModelID
	}
	switch o.CommitStrategy {
	case "":
		o.CommitStrategy = CommitManual
	case CommitManual, CommitVAD:
	default:
		return protocol.Format{}, invalid("commit strategy %q", o.CommitStrategy)
	}

	format, err := protocol.ParseFormat(o.AudioFormat)
	if err != nil {
		return protocol.Format{}, fmt.Errorf("%w: %w", ErrInvalidOption, err)
	}

	var errs []error
	if v := o.VADSilenceThresholdSecs; v != nil && (*v <= minSilenceThresholdSecs || *v > maxSilenceThresholdSecs) {
		errs = append(errs, invalid("vad silence threshold %gs outside (%g, %g]", *v, minSilenceThresholdSecs, maxSilenceThresholdSecs))
	}
	if v := o.VADThreshold; v != nil && (*v < minVADThreshold || *v > maxVADThreshold) {
		errs = append(errs, invalid("vad threshold %g outside [%g, %g]", *v, minVADThreshold, maxVADThreshold))
	}
	if v := o.MinSpeechDurationMs; v != nil && (*v < minDurationMs || *v > maxDurationMs) {
		errs = append(errs, invalid("min speech duration %dms outside [%d, %d]", *v, minDurationMs, maxDurationMs))
	}
	if v := o.MinSilenceDurationMs; v != nil && (*v < minDurationMs || *v > maxDurationMs) {
		errs = append(errs, invalid("min silence duration %dms outside [%d, %d]", *v, minDurationMs, maxDurationMs))
	}
	if o.Microphone != nil && o.Microphone.Devices == nil {
		errs = append(errs, invalid("microphone mode needs a device provider"))
	}
	if len(errs) > 0 {
		return protocol.Format{}, errors.Join(errs...)
	}
	return format, nil
}

// realtimeURL builds the websocket URL carrying every option as a query
// parameter.
func (o *Options) realtimeURL(format protocol.Format) (string, error) {
	origin := o.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	u, err := url.Parse(strings.TrimRight(origin, "/") + realtimePath)
	if err != nil {
		return "", invalid("origin: %v", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", invalid("origin scheme %q", u.Scheme)
	}

	q := url.Values{}
	q.Set("model_id", o.ModelID)
	q.Set("token", o.Token)
	q.Set("commit_strategy", string(o.CommitStrategy))
	q.Set("audio_format", format.String())
	if v := o.VADSilenceThresholdSecs; v != nil {
		q.Set("vad_silence_threshold_secs", strconv.FormatFloat(*v, 'f', -1, 64))
	}
	if v := o.VADThreshold; v != nil {
		q.Set("vad_threshold", strconv.FormatFloat(*v, 'f', -1, 64))
	}
	if v := o.MinSpeechDurationMs; v != nil {
		q.Set("min_speech_duration_ms", strconv.Itoa(*v))
	}
	if v := o.MinSilenceDurationMs; v != nil {
		q.Set("min_silence_duration_ms", strconv.Itoa(*v))
	}
	if o.LanguageCode != "" {
		q.Set("language_code", o.LanguageCode)
	}
	if o.IncludeTimestamps {
		q.Set("include_timestamps", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
