// Package scribe streams audio to the realtime speech-to-text service and
// reports partial and committed transcripts.
//
// A connection runs in one of two input modes. In manual mode the caller
// pushes encoded chunks with Send. In microphone mode the connection owns a
// capture stage and streams device audio until Close. Either mode can
// commit segments explicitly, or leave commits to the service with
// CommitVAD.
package scribe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wei/elevenlabs-packages-sub002/internal/audio"
	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

var log = logging.L("scribe")

var (
	ErrNotOpen       = errors.New("scribe: connection is not open, call Connect first")
	ErrInvalidOption = errors.New("scribe: invalid option")
	ErrConnected     = errors.New("scribe: connect already called")
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 1 << 20
	handshakeTimeout = 10 * time.Second
	sendQueueSize    = 256

	defaultMicFrame = 100 * time.Millisecond
)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Chunk is encoded audio in the connection's audio format.
type Chunk struct {
	Audio []byte
	// Commit finalizes the segment after this chunk.
	Commit bool
	// SampleRate overrides the rate reported with the chunk.
	SampleRate int
}

// Connection is one realtime transcription session.
type Connection struct {
	opts   Options
	format protocol.Format
	url    string
	events *Events

	mu        sync.Mutex
	state     state
	conn      *websocket.Conn
	capture   *audio.Capture
	sessionID string

	sendChan  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New validates opts without touching the network. Out of range tuning
// values fail here with ErrInvalidOption.
func New(opts Options) (*Connection, error) {
	format, err := opts.validate()
	if err != nil {
		return nil, err
	}
	u, err := opts.realtimeURL(format)
	if err != nil {
		return nil, err
	}
	return &Connection{
		opts:     opts,
		format:   format,
		url:      u,
		events:   opts.Events,
		sendChan: make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Format is the audio format chunks must be encoded in.
func (c *Connection) Format() protocol.Format { return c.format }

// SessionID is set once the service reports session_started.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Connect opens the websocket and, in microphone mode, starts capturing.
// A connection can be connected once.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return ErrConnected
	}
	c.state = stateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.shutdown(nil, false)
		if resp != nil {
			return fmt.Errorf("scribe: dial: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("scribe: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	log.Info("transcription connected",
		"url", redact(c.url),
		"commitStrategy", string(c.opts.CommitStrategy),
		"format", c.format.String(),
		"microphone", c.opts.Microphone != nil,
	)
	c.events.emitOpen()

	if c.opts.Microphone != nil {
		if err := c.startMicrophone(ctx); err != nil {
			c.shutdown(err, true)
			return fmt.Errorf("scribe: microphone: %w", err)
		}
	}
	return nil
}

func (c *Connection) startMicrophone(ctx context.Context) error {
	mic := c.opts.Microphone
	cfg := audio.DefaultCaptureConfig(c.format)
	cfg.DeviceID = mic.DeviceID
	cfg.FrameDuration = mic.FrameDuration
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultMicFrame
	}
	cfg.OnFrame = func(f audio.Frame) {
		if err := c.Send(Chunk{Audio: f.Data}); err != nil && !errors.Is(err, ErrNotOpen) {
			log.Warn("dropping microphone chunk", logging.KeyError, err)
		}
	}
	cfg.OnInputEnded = func(err error) {
		c.events.emitError(fmt.Errorf("scribe: input device stopped: %w", err))
	}

	capture, err := audio.NewCapture(ctx, mic.Devices, cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		capture.Close()
		return ErrNotOpen
	}
	c.capture = capture
	c.mu.Unlock()
	return nil
}

// Send queues chunk. It fails with ErrNotOpen before Connect succeeds and
// after the connection ends; nothing is buffered for later.
func (c *Connection) Send(chunk Chunk) error {
	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	rate := chunk.SampleRate
	if rate == 0 {
		rate = c.format.SampleRate
	}
	data, err := json.Marshal(protocol.InputAudioChunk{
		MessageType: protocol.TranscriptionInputAudioChunk,
		AudioBase64: base64.StdEncoding.EncodeToString(chunk.Audio),
		Commit:      chunk.Commit,
		SampleRate:  rate,
	})
	if err != nil {
		return fmt.Errorf("scribe: encode chunk: %w", err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrNotOpen
	}
}

// Commit finalizes the audio sent since the last commit.
func (c *Connection) Commit() error {
	return c.Send(Chunk{Commit: true})
}

// Close stops the microphone, if any, and closes the socket normally. It is
// safe to call more than once.
func (c *Connection) Close() error {
	c.shutdown(nil, true)
	return nil
}

// shutdown ends the connection once and reports err, nil for a normal end,
// to the close listener.
func (c *Connection) shutdown(err error, sendClose bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasOpen := c.state == stateOpen
		c.state = stateClosed
		conn, capture := c.conn, c.capture
		c.capture = nil
		c.mu.Unlock()

		close(c.done)
		if capture != nil {
			capture.Close()
		}
		if conn != nil {
			if sendClose {
				conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait),
				)
			}
			conn.Close()
		}
		if err != nil {
			log.Warn("transcription closed", logging.KeyError, err)
		} else {
			log.Info("transcription closed")
		}
		if wasOpen {
			c.events.emitClose(err)
		}
	})
}

func (c *Connection) readPump() {
	conn := c.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.shutdown(nil, false)
				return
			}
			err = fmt.Errorf("scribe: connection lost: %w", err)
			c.events.emitError(err)
			c.shutdown(err, false)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.DecodeTranscription(data)
		if err != nil {
			log.Warn("dropping malformed message", logging.KeyError, err)
			continue
		}
		if msg == nil {
			log.Debug("ignoring unknown message")
			continue
		}
		switch m := msg.(type) {
		case protocol.SessionStarted:
			c.mu.Lock()
			c.sessionID = m.SessionID
			c.mu.Unlock()
			log.Debug("transcription session started", "sessionId", m.SessionID)
		case protocol.CommittedTranscriptWithTimestamps:
			if !c.opts.IncludeTimestamps {
				log.Debug("ignoring timestamps that were not requested")
				continue
			}
		case protocol.TranscriptionError:
			log.Warn("transcription error event", logging.KeyMessageType, m.Kind, "message", m.Message)
		}
		c.events.dispatch(msg)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				err = fmt.Errorf("scribe: write: %w", err)
				c.events.emitError(err)
				c.shutdown(err, false)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("scribe: ping: %w", err), false)
				return
			}
		}
	}
}

// redact drops the query so the token never reaches the logs.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
