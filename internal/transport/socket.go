package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 2 * 1024 * 1024
	handshakeTimeout = 10 * time.Second
	sendQueueSize    = 256
	// errorReportDelay lets a close frame that follows a failed write be
	// reported instead of the write error.
	errorReportDelay = 50 * time.Millisecond

	conversationPath = "/v1/convai/conversation"
	subprotocol      = "convai"
)

// SocketTransport carries JSON text frames over a websocket. Microphone audio
// is inlined as base64 user_audio_chunk messages.
type SocketTransport struct {
	listeners

	conn           *websocket.Conn
	conversationID string
	inputFormat    protocol.Format
	outputFormat   protocol.Format

	sendChan  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	errOnce   sync.Once
}

// socketURL builds the conversation URL from a signed URL or agent id.
func socketURL(cfg Config) (string, error) {
	raw := cfg.SignedURL
	if raw == "" {
		if cfg.AgentID == "" {
			return "", errors.New("transport: signed url or agent id required")
		}
		raw = strings.TrimRight(cfg.origin(), "/") + conversationPath + "?agent_id=" + url.QueryEscape(cfg.AgentID)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse socket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	q := u.Query()
	if cfg.Source != "" && q.Get("source") == "" {
		q.Set("source", cfg.Source)
	}
	if cfg.Version != "" && q.Get("version") == "" {
		q.Set("version", cfg.Version)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialSocket opens the websocket, sends the initiation payload and blocks
// until the server's conversation metadata arrives or ctx ends.
func DialSocket(ctx context.Context, cfg Config) (*SocketTransport, error) {
	wsURL, err := socketURL(cfg)
	if err != nil {
		return nil, err
	}

	protocols := []string{subprotocol}
	if cfg.AuthToken != "" {
		protocols = append(protocols, "bearer."+cfg.AuthToken)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     protocols,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Err: fmt.Errorf("dial: %w (status %s)", err, resp.Status)}
		}
		return nil, &HandshakeError{Err: fmt.Errorf("dial: %w", err)}
	}
	conn.SetReadLimit(maxMessageSize)

	t, err := handshakeSocket(ctx, conn, cfg.Initiation)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go t.readPump()
	go t.writePump()

	log.Info("socket connected",
		"conversationId", t.conversationID,
		"inputFormat", t.inputFormat.String(),
		"outputFormat", t.outputFormat.String(),
	)
	return t, nil
}

func handshakeSocket(ctx context.Context, conn *websocket.Conn, initiation protocol.InitiationClientData) (*SocketTransport, error) {
	data, err := protocol.Encode(initiation)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("send initiation: %w", err)}
	}

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, &HandshakeError{Err: ctx.Err()}
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &HandshakeError{CloseCode: ce.Code, CloseReason: ce.Text, Err: err}
			}
			return nil, &HandshakeError{Err: err}
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			log.Warn("dropping malformed frame during handshake", "error", err)
			continue
		}
		meta, ok := msg.(protocol.ConversationInitiationMetadata)
		if !ok {
			log.Warn("first message is not conversation metadata, waiting", "messageType", msg.IncomingType())
			continue
		}

		in, err := protocol.ParseFormat(meta.Event.UserInputAudioFormat)
		if err != nil {
			return nil, &HandshakeError{Err: err}
		}
		out, err := protocol.ParseFormat(meta.Event.AgentOutputAudioFormat)
		if err != nil {
			return nil, &HandshakeError{Err: err}
		}

		conn.SetReadDeadline(time.Time{})
		return &SocketTransport{
			conn:           conn,
			conversationID: meta.Event.ConversationID,
			inputFormat:    in,
			outputFormat:   out,
			sendChan:       make(chan []byte, sendQueueSize),
			done:           make(chan struct{}),
		}, nil
	}
}

func (t *SocketTransport) ConversationID() string        { return t.conversationID }
func (t *SocketTransport) InputFormat() protocol.Format  { return t.inputFormat }
func (t *SocketTransport) OutputFormat() protocol.Format { return t.outputFormat }

// SetMicMuted is not supported; the capture stage mutes instead.
func (t *SocketTransport) SetMicMuted(bool) error {
	return fmt.Errorf("transport: socket mic mute: %w", errors.ErrUnsupported)
}

// SendMessage encodes msg and queues it for the write pump.
func (t *SocketTransport) SendMessage(msg protocol.Outgoing) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.sendChan <- data:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrSendBackoff
	}
}

// Close ends the conversation from the client side.
func (t *SocketTransport) Close() error {
	t.shutdown(DisconnectDetails{Reason: ReasonUser, Message: "User ended conversation"}, true)
	return nil
}

func (t *SocketTransport) shutdown(d DisconnectDetails, sendClose bool) {
	t.closeOnce.Do(func() {
		close(t.done)
		if sendClose {
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
		}
		t.conn.Close()
	})
	t.disconnect(d)
}

// closeDetails classifies a read error. A normal closure from the server is a
// graceful end by the agent; anything else is an error.
func closeDetails(err error) DisconnectDetails {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return DisconnectDetails{
				Reason:      ReasonAgent,
				Message:     "The connection was closed by the server",
				CloseCode:   ce.Code,
				CloseReason: ce.Text,
			}
		}
		msg := ce.Text
		if msg == "" {
			msg = fmt.Sprintf("The connection was closed with code %d", ce.Code)
		}
		return DisconnectDetails{
			Reason:      ReasonError,
			Message:     msg,
			CloseCode:   ce.Code,
			CloseReason: ce.Text,
			Err:         err,
		}
	}
	return DisconnectDetails{
		Reason:    ReasonError,
		Message:   "The connection was closed due to a socket error",
		CloseCode: websocket.CloseAbnormalClosure,
		Err:       err,
	}
}

// reportError reports err after errorReportDelay so that a close frame
// arriving right behind it is reported instead.
func (t *SocketTransport) reportError(err error) {
	t.errOnce.Do(func() {
		time.AfterFunc(errorReportDelay, func() {
			t.shutdown(DisconnectDetails{
				Reason:  ReasonError,
				Message: "The connection was closed due to a socket error",
				Err:     err,
			}, false)
		})
	})
}

func (t *SocketTransport) readPump() {
	conn := t.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.shutdown(closeDetails(err), false)
				return
			}
			log.Warn("read error", "error", err)
			t.reportError(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("dropping malformed message", "error", err)
			continue
		}
		t.deliver(msg)
	}
}

func (t *SocketTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case message := <-t.sendChan:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err)
				t.reportError(err)
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.reportError(err)
				return
			}
		}
	}
}
