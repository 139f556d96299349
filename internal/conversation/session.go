// Package conversation runs a live conversational-agent session: it dials a
// transport, binds the capture and playback stages to the negotiated
// formats, interprets inbound protocol messages and exposes the control
// surface integrators call.
package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wei/elevenlabs-packages-sub002/internal/audio"
	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/health"
	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
	"github.com/wei/elevenlabs-packages-sub002/internal/transport"
	"github.com/wei/elevenlabs-packages-sub002/internal/workerpool"
)

var log = logging.L("conversation")

var (
	ErrNotConnected = errors.New("conversation: not connected")
	ErrTextOnly     = errors.New("conversation: session has no audio")
	ErrNoDevices    = errors.New("conversation: device provider required for voice sessions")
)

const (
	peerFrameDuration = 20 * time.Millisecond
	toolQueueSize     = 32
	toolDrainTimeout  = time.Second
)

// ConnectionDelay is waited before dialing so the host audio subsystem can
// settle. Values are chosen by runtime.GOOS.
type ConnectionDelay struct {
	Default time.Duration
	Android time.Duration
	IOS     time.Duration
}

// DefaultConnectionDelay gives Android audio routing three seconds to
// switch into communication mode.
var DefaultConnectionDelay = ConnectionDelay{Android: 3 * time.Second}

func (d ConnectionDelay) forPlatform(goos string) time.Duration {
	switch goos {
	case "android":
		return d.Android
	case "ios":
		return d.IOS
	default:
		return d.Default
	}
}

// DialFunc opens a transport. transport.New is used when nil.
type DialFunc func(ctx context.Context, cfg transport.Config) (transport.Transport, error)

type Options struct {
	Transport transport.Config
	Dial      DialFunc

	// Devices is required unless TextOnly is set.
	Devices     device.Provider
	WakeLock    device.WakeLock
	UseWakeLock bool
	// ConnectionDelay nil means DefaultConnectionDelay.
	ConnectionDelay *ConnectionDelay

	ClientTools ClientTools
	// ToolWorkers bounds concurrently running client tools.
	ToolWorkers int
	Events      *Events

	InputDeviceID  string
	OutputDeviceID string
	// Volume is the initial output gain; nil means 1.
	Volume *float64
	// FrameDuration overrides the capture frame size.
	FrameDuration time.Duration
	// TextOnly sessions open no devices and ask the agent for text replies.
	TextOnly bool

	Health *health.Monitor
}

// Session is one live conversation. Once it reaches StatusDisconnected it is
// inert and must be discarded.
type Session struct {
	opts       Options
	instanceID string
	log        *slog.Logger
	events     *Events
	transport  transport.Transport
	tools      *workerpool.Pool
	health     *health.Monitor
	metrics    *audio.Metrics
	done       chan struct{}

	stageMu  sync.Mutex
	capture  *audio.Capture
	playback *audio.Playback

	mu                     sync.Mutex
	status                 Status
	mode                   Mode
	volume                 float64
	muted                  bool
	transportMute          bool
	wakeLockHeld           bool
	lastInterruptTimestamp int64
	currentEventID         int64
	lastFeedbackEventID    int64
}

// Start runs the connect sequence and returns a connected session. Any
// failure releases everything acquired so far before returning.
func Start(ctx context.Context, opts Options) (_ *Session, err error) {
	if !opts.TextOnly && opts.Devices == nil {
		return nil, ErrNoDevices
	}
	if opts.ToolWorkers <= 0 {
		opts.ToolWorkers = 4
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	if opts.WakeLock == nil {
		opts.WakeLock = device.NopWakeLock{}
	}
	volume := 1.0
	if opts.Volume != nil {
		volume = clampVolume(*opts.Volume)
	}

	s := &Session{
		opts:       opts,
		instanceID: uuid.NewString(),
		events:     opts.Events,
		health:     opts.Health,
		metrics:    audio.NewMetrics(),
		done:       make(chan struct{}),
		status:     StatusConnecting,
		mode:       ModeListening,
		volume:     volume,
	}
	s.log = log.With("session", s.instanceID)
	emit(s.events, func(e *Events) func(Status) { return e.status }, StatusConnecting)

	var preliminary device.InputStream
	defer func() {
		if err != nil {
			s.log.Warn("session start failed, rolling back", logging.KeyError, err)
			s.teardown()
			if preliminary != nil {
				preliminary.Close()
			}
		}
	}()

	if opts.UseWakeLock {
		s.acquireWakeLock(ctx)
	}

	// Hold the microphone through the handshake so a denied permission
	// fails before any network traffic.
	if !opts.TextOnly {
		preliminary, err = opts.Devices.OpenInput(ctx, device.InputConstraints{
			DeviceID:         opts.InputDeviceID,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			Channels:         1,
		})
		if err != nil {
			return nil, fmt.Errorf("conversation: microphone access: %w", err)
		}
	}

	delay := DefaultConnectionDelay
	if opts.ConnectionDelay != nil {
		delay = *opts.ConnectionDelay
	}
	if d := delay.forPlatform(runtime.GOOS); d > 0 {
		s.log.Debug("delaying connection", logging.KeyDurationMs, d.Milliseconds())
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	dial := opts.Dial
	if dial == nil {
		dial = transport.New
	}
	cfg := opts.Transport
	if opts.TextOnly {
		cfg.Initiation = withTextOnly(cfg.Initiation)
	}
	s.transport, err = dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conversation: connect: %w", err)
	}
	s.log = logging.WithConversation(s.log, s.transport.ConversationID())
	s.health.Update(health.ComponentTransport, health.Healthy, "connected")
	s.tools = workerpool.New(opts.ToolWorkers, toolQueueSize)

	if !opts.TextOnly {
		s.playback, err = s.newPlayback(ctx, opts.OutputDeviceID)
		if err != nil {
			return nil, fmt.Errorf("conversation: %w", err)
		}
		s.capture, err = s.newCapture(ctx, opts.InputDeviceID)
		if err != nil {
			return nil, fmt.Errorf("conversation: %w", err)
		}
		preliminary.Close()
		preliminary = nil
	}

	s.advance(StatusConnected)
	emit(s.events, func(e *Events) func(string) { return e.connect }, s.transport.ConversationID())

	if recv, ok := s.transport.(transport.AudioReceiver); ok {
		recv.OnAudio(s.handleMediaAudio)
	}
	s.transport.OnMessage(s.handleMessage)
	s.transport.OnDisconnect(func(d transport.DisconnectDetails) {
		s.endSession(DisconnectDetails{
			Reason:      d.Reason,
			Message:     d.Message,
			CloseCode:   d.CloseCode,
			CloseReason: d.CloseReason,
		})
	})

	s.log.Info("session connected",
		"inputFormat", s.transport.InputFormat().String(),
		"outputFormat", s.transport.OutputFormat().String(),
		"textOnly", opts.TextOnly,
	)
	return s, nil
}

func withTextOnly(initiation protocol.InitiationClientData) protocol.InitiationClientData {
	override := maps.Clone(initiation.ConversationConfigOverride)
	if override == nil {
		override = map[string]any{}
	}
	conv, _ := override["conversation"].(map[string]any)
	conv = maps.Clone(conv)
	if conv == nil {
		conv = map[string]any{}
	}
	conv["text_only"] = true
	override["conversation"] = conv
	initiation.ConversationConfigOverride = override
	return initiation
}

func (s *Session) acquireWakeLock(ctx context.Context) {
	if err := s.opts.WakeLock.Acquire(ctx); err != nil {
		s.log.Warn("wake lock unavailable", logging.KeyError, err)
		s.health.Update(health.ComponentWakeLock, health.Degraded, err.Error())
		return
	}
	s.mu.Lock()
	s.wakeLockHeld = true
	s.mu.Unlock()
}

func (s *Session) newCapture(ctx context.Context, deviceID string) (*audio.Capture, error) {
	cfg := audio.DefaultCaptureConfig(s.transport.InputFormat())
	cfg.DeviceID = deviceID
	cfg.Metrics = s.metrics
	cfg.OnFrame = s.sendFrame
	cfg.OnInputEnded = s.inputEnded
	if _, ok := s.transport.(transport.AudioPublisher); ok {
		cfg.FrameDuration = peerFrameDuration
	}
	if s.opts.FrameDuration > 0 {
		cfg.FrameDuration = s.opts.FrameDuration
	}

	c, err := audio.NewCapture(ctx, s.opts.Devices, cfg)
	if err != nil {
		s.health.Update(health.ComponentInput, health.Unhealthy, err.Error())
		return nil, err
	}
	s.mu.Lock()
	muted := s.muted && !s.transportMute
	s.mu.Unlock()
	if muted {
		c.SetMuted(true)
	}
	s.health.Update(health.ComponentInput, health.Healthy, c.DeviceID())
	return c, nil
}

func (s *Session) newPlayback(ctx context.Context, deviceID string) (*audio.Playback, error) {
	cfg := audio.DefaultPlaybackConfig(s.transport.OutputFormat())
	cfg.DeviceID = deviceID
	cfg.Metrics = s.metrics
	s.mu.Lock()
	cfg.Volume = s.volume
	s.mu.Unlock()
	cfg.OnProcess = func(finished bool) {
		if finished {
			s.setMode(ModeListening)
		} else {
			s.setMode(ModeSpeaking)
		}
	}

	p, err := audio.NewPlayback(ctx, s.opts.Devices, cfg)
	if err != nil {
		s.health.Update(health.ComponentOutput, health.Unhealthy, err.Error())
		return nil, err
	}
	s.health.Update(health.ComponentOutput, health.Healthy, p.DeviceID())
	return p, nil
}

// sendFrame forwards one capture frame: on the media track when the
// transport has one, otherwise inlined as a user_audio_chunk.
func (s *Session) sendFrame(f audio.Frame) {
	if s.Status() != StatusConnected {
		return
	}
	if pub, ok := s.transport.(transport.AudioPublisher); ok {
		format := s.transport.InputFormat()
		samples := len(f.Data) / format.BytesPerSample()
		duration := time.Duration(samples) * time.Second / time.Duration(format.SampleRate)
		if err := pub.PublishAudio(f.Data, duration); err != nil && !errors.Is(err, transport.ErrClosed) {
			s.log.Warn("publish audio failed", logging.KeyError, err)
		}
		return
	}

	err := s.transport.SendMessage(protocol.UserAudioChunk{AudioBase64: base64.StdEncoding.EncodeToString(f.Data)})
	switch {
	case err == nil, errors.Is(err, transport.ErrClosed):
	case errors.Is(err, transport.ErrSendBackoff):
		s.log.Debug("dropping audio frame under backpressure")
	default:
		s.log.Warn("send audio failed", logging.KeyError, err)
	}
}

func (s *Session) inputEnded(err error) {
	s.health.Update(health.ComponentInput, health.Unhealthy, err.Error())
	emit(s.events, func(e *Events) func(ErrorEvent) { return e.errorFn }, ErrorEvent{Message: "Input device stopped: " + err.Error()})
}

func (s *Session) handleMediaAudio(data []byte) {
	if s.Status() != StatusConnected {
		return
	}
	if p := s.currentPlayback(); p != nil {
		p.Buffer(data)
	}
}

func (s *Session) currentPlayback() *audio.Playback {
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	return s.playback
}

func (s *Session) currentCapture() *audio.Capture {
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	return s.capture
}

// advance moves status forward and reports whether it changed. Backward or
// repeated transitions are ignored.
func (s *Session) advance(to Status) bool {
	s.mu.Lock()
	if to.rank() <= s.status.rank() {
		s.mu.Unlock()
		return false
	}
	s.status = to
	s.mu.Unlock()

	s.log.Debug("status changed", "status", string(to))
	emit(s.events, func(e *Events) func(Status) { return e.status }, to)
	return true
}

func (s *Session) setMode(m Mode) {
	s.mu.Lock()
	if s.mode == m || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	s.mode = m
	s.mu.Unlock()
	emit(s.events, func(e *Events) func(Mode) { return e.mode }, m)
}

// endSession runs teardown once and reports d as the reason.
func (s *Session) endSession(d DisconnectDetails) {
	if !s.advance(StatusDisconnecting) {
		return
	}
	s.log.Info("ending session", "reason", string(d.Reason), "code", d.CloseCode, "message", d.Message)
	s.teardown()
	s.advance(StatusDisconnected)
	emit(s.events, func(e *Events) func(DisconnectDetails) { return e.disconnect }, d)
	close(s.done)
}

// teardown releases the wake lock, then the audio stages, then the
// transport, so no stage outlives the transport it feeds.
func (s *Session) teardown() {
	s.mu.Lock()
	held := s.wakeLockHeld
	s.wakeLockHeld = false
	s.mu.Unlock()
	if held {
		if err := s.opts.WakeLock.Release(); err != nil {
			s.log.Warn("wake lock release failed", logging.KeyError, err)
		}
	}

	s.stageMu.Lock()
	capture, playback := s.capture, s.playback
	s.capture, s.playback = nil, nil
	s.stageMu.Unlock()
	if capture != nil {
		capture.Close()
		s.health.Remove(health.ComponentInput)
	}
	if playback != nil {
		playback.Close()
		s.health.Remove(health.ComponentOutput)
	}

	if s.tools != nil {
		ctx, cancel := context.WithTimeout(context.Background(), toolDrainTimeout)
		s.tools.Shutdown(ctx)
		cancel()
	}

	if s.transport != nil {
		s.transport.Close()
		s.health.Update(health.ComponentTransport, health.Unhealthy, "closed")
	}
}

func (s *Session) send(msg protocol.Outgoing) error {
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}
	if err := s.transport.SendMessage(msg); err != nil {
		s.log.Warn("send failed", logging.KeyMessageType, msg.OutgoingType(), logging.KeyError, err)
		return fmt.Errorf("conversation: send %s: %w", msg.OutgoingType(), err)
	}
	return nil
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
