package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/wei/elevenlabs-packages-sub002/internal/audio"
	"github.com/wei/elevenlabs-packages-sub002/internal/health"
	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
	"github.com/wei/elevenlabs-packages-sub002/internal/transport"
)

// ID returns the conversation id assigned by the service.
func (s *Session) ID() string { return s.transport.ConversationID() }

// InstanceID identifies this session in client logs.
func (s *Session) InstanceID() string { return s.instanceID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Health reports the state of the transport and audio stages.
func (s *Session) Health() *health.Monitor { return s.health }

func (s *Session) Metrics() audio.MetricsSnapshot { return s.metrics.Snapshot() }

// EndSession closes the session from the client side. It is safe to call
// more than once.
func (s *Session) EndSession() {
	s.endSession(DisconnectDetails{Reason: transport.ReasonUser, Message: "User ended conversation"})
}

func (s *Session) SendUserMessage(text string) error {
	return s.send(protocol.UserMessage{Text: text})
}

func (s *Session) SendContextualUpdate(text string) error {
	return s.send(protocol.ContextualUpdate{Text: text})
}

// SendUserActivity tells the agent the user is active so it holds its turn.
func (s *Session) SendUserActivity() error {
	return s.send(protocol.UserActivity{})
}

func (s *Session) SendMCPToolApprovalResult(toolCallID string, approved bool) error {
	return s.send(protocol.MCPToolApprovalResult{ToolCallID: toolCallID, IsApproved: approved})
}

// SendClientToolResult answers a call that was routed to the unhandled tool
// listener.
func (s *Session) SendClientToolResult(toolCallID string, result any, isError bool) error {
	if !isError {
		result = formatResult(result)
	}
	return s.send(protocol.ClientToolResult{ToolCallID: toolCallID, Result: result, IsError: isError})
}

// CanSendFeedback reports whether the latest agent event has not been rated
// yet.
func (s *Session) CanSendFeedback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentEventID != s.lastFeedbackEventID
}

// SendFeedback rates the latest agent event. It does nothing when that
// event was already rated.
func (s *Session) SendFeedback(like bool) error {
	s.mu.Lock()
	if s.currentEventID == s.lastFeedbackEventID {
		s.mu.Unlock()
		s.log.Warn("feedback already sent for the current event")
		return nil
	}
	eventID := s.currentEventID
	s.mu.Unlock()

	score := protocol.FeedbackDislike
	if like {
		score = protocol.FeedbackLike
	}
	if err := s.send(protocol.Feedback{Score: score, EventID: eventID}); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastFeedbackEventID = eventID
	can := s.currentEventID != s.lastFeedbackEventID
	s.mu.Unlock()
	emit(s.events, func(e *Events) func(bool) { return e.canSendFeedback }, can)
	return nil
}

// SetMicMuted mutes the microphone on the transport's media track where
// there is one and in the capture stage otherwise.
func (s *Session) SetMicMuted(muted bool) error {
	if s.opts.TextOnly {
		return ErrTextOnly
	}
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}

	err := s.transport.SetMicMuted(muted)
	atTransport := err == nil
	if err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return fmt.Errorf("conversation: mute: %w", err)
	}
	if !atTransport {
		if c := s.currentCapture(); c != nil {
			if err := c.SetMuted(muted); err != nil {
				return fmt.Errorf("conversation: mute: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.muted = muted
	s.transportMute = atTransport
	s.mu.Unlock()
	return nil
}

// SetVolume sets the output gain, clamped to [0, 1].
func (s *Session) SetVolume(v float64) {
	v = clampVolume(v)
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	if p := s.currentPlayback(); p != nil {
		p.SetGain(v)
	}
}

// ChangeInputDevice switches the microphone in place. If the stage cannot
// switch, a new capture stage is built on the device before the old one is
// closed, so a failure leaves the previous device active. Peer transports
// also move their published track to the new device.
func (s *Session) ChangeInputDevice(ctx context.Context, deviceID string) error {
	if s.opts.TextOnly {
		return ErrTextOnly
	}
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}

	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	if s.capture == nil {
		return ErrNotConnected
	}

	if err := s.capture.SetInputDevice(ctx, deviceID); err != nil {
		s.log.Warn("in-place input switch failed, recreating capture", "device", deviceID, logging.KeyError, err)
		next, nerr := s.newCapture(ctx, deviceID)
		if nerr != nil {
			s.health.Update(health.ComponentInput, health.Healthy, s.capture.DeviceID())
			return fmt.Errorf("conversation: change input device: %w", errors.Join(err, nerr))
		}
		prev := s.capture
		s.capture = next
		prev.Close()
	}
	s.health.Update(health.ComponentInput, health.Healthy, s.capture.DeviceID())

	if mirror, ok := s.transport.(transport.InputDeviceMirror); ok {
		if err := mirror.MirrorInputDevice(ctx, deviceID); err != nil {
			return fmt.Errorf("conversation: mirror input device: %w", err)
		}
	}
	return nil
}

// ChangeOutputDevice reroutes playback, recreating the stage when the
// device cannot switch sinks in place.
func (s *Session) ChangeOutputDevice(ctx context.Context, deviceID string) error {
	if s.opts.TextOnly {
		return ErrTextOnly
	}
	if s.Status() != StatusConnected {
		return ErrNotConnected
	}

	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	if s.playback == nil {
		return ErrNotConnected
	}

	if err := s.playback.SetOutputDevice(ctx, deviceID); err != nil {
		s.log.Info("in-place output switch failed, recreating playback", "device", deviceID, logging.KeyError, err)
		next, nerr := s.newPlayback(ctx, deviceID)
		if nerr != nil {
			s.health.Update(health.ComponentOutput, health.Healthy, s.playback.DeviceID())
			return fmt.Errorf("conversation: change output device: %w", errors.Join(err, nerr))
		}
		prev := s.playback
		s.playback = next
		prev.Close()
	}
	s.health.Update(health.ComponentOutput, health.Healthy, s.playback.DeviceID())
	return nil
}

// InputVolume is the current microphone level in [0, 1].
func (s *Session) InputVolume() float64 {
	if c := s.currentCapture(); c != nil {
		return c.Analyser().Volume()
	}
	return 0
}

// OutputVolume is the current agent audio level in [0, 1].
func (s *Session) OutputVolume() float64 {
	if p := s.currentPlayback(); p != nil {
		return p.Analyser().Volume()
	}
	return 0
}

func (s *Session) InputFrequencyData() []byte {
	if c := s.currentCapture(); c != nil {
		return c.Analyser().FrequencyData()
	}
	return nil
}

func (s *Session) OutputFrequencyData() []byte {
	if p := s.currentPlayback(); p != nil {
		return p.Analyser().FrequencyData()
	}
	return nil
}
