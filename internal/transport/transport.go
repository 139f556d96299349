// Package transport carries conversation protocol messages and audio between
// the client and the conversational agent service over either a websocket or
// a WebRTC peer connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

var log = logging.L("transport")

var (
	ErrClosed      = errors.New("transport: closed")
	ErrSendBackoff = errors.New("transport: send channel is full")
)

// Kind names a transport implementation.
type Kind string

const (
	KindSocket Kind = "websocket"
	KindPeer   Kind = "webrtc"
)

// DefaultOrigin is the service origin used when none is configured.
const DefaultOrigin = "wss://api.elevenlabs.io"

// DisconnectReason classifies how a transport ended.
type DisconnectReason string

const (
	ReasonUser  DisconnectReason = "user"
	ReasonAgent DisconnectReason = "agent"
	ReasonError DisconnectReason = "error"
)

// DisconnectDetails describes the end of a transport. CloseCode and
// CloseReason are set when the far end closed with a status.
type DisconnectDetails struct {
	Reason      DisconnectReason
	Message     string
	CloseCode   int
	CloseReason string
	Err         error
}

// HandshakeError is returned when a transport closes or fails before the
// conversation metadata arrives.
type HandshakeError struct {
	CloseCode   int
	CloseReason string
	Err         error
}

func (e *HandshakeError) Error() string {
	switch {
	case e.CloseCode != 0 && e.CloseReason != "":
		return fmt.Sprintf("transport: handshake failed: closed with code %d: %s", e.CloseCode, e.CloseReason)
	case e.CloseCode != 0:
		return fmt.Sprintf("transport: handshake failed: closed with code %d", e.CloseCode)
	case e.Err != nil:
		return "transport: handshake failed: " + e.Err.Error()
	default:
		return "transport: handshake failed"
	}
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Transport is the surface shared by both implementations.
type Transport interface {
	ConversationID() string
	InputFormat() protocol.Format
	OutputFormat() protocol.Format
	// SendMessage queues msg for delivery. Audio messages on transports
	// with a dedicated media path are dropped.
	SendMessage(msg protocol.Outgoing) error
	// OnMessage registers the message listener. Messages that arrived
	// before registration are replayed to it in order.
	OnMessage(fn func(protocol.Incoming))
	// OnDisconnect registers the listener fired exactly once when the
	// transport ends.
	OnDisconnect(fn func(DisconnectDetails))
	// SetMicMuted mutes at the transport level where supported and returns
	// errors.ErrUnsupported otherwise.
	SetMicMuted(muted bool) error
	Close() error
}

// AudioPublisher is implemented by transports that carry microphone audio
// on a media track.
type AudioPublisher interface {
	PublishAudio(data []byte, duration time.Duration) error
}

// AudioReceiver is implemented by transports that deliver agent audio
// outside of protocol messages. Payloads are in OutputFormat.
type AudioReceiver interface {
	OnAudio(fn func(data []byte))
}

// InputDeviceMirror is implemented by transports whose published media track
// follows the selected input device.
type InputDeviceMirror interface {
	MirrorInputDevice(ctx context.Context, deviceID string) error
}

// Config selects and configures a transport.
type Config struct {
	// Kind forces an implementation. Empty selects from credentials.
	Kind Kind

	SignedURL         string
	ConversationToken string
	AgentID           string
	// APIKey is used to fetch credentials when only AgentID is given.
	APIKey string
	// AuthToken is offered to the socket as a bearer subprotocol.
	AuthToken string

	Origin       string
	APIOrigin    string
	SignalingURL string
	// ICEServers nil means the public default STUN server; an empty
	// non-nil slice means host candidates only.
	ICEServers []ICEServer

	Initiation protocol.InitiationClientData
	Source     string
	Version    string

	HTTPClient *http.Client
	// Peer holds test and tuning hooks for the WebRTC transport.
	Peer PeerOptions
}

func (c Config) origin() string {
	if c.Origin != "" {
		return c.Origin
	}
	return DefaultOrigin
}

// apiOrigin is the REST origin, derived from Origin unless set.
func (c Config) apiOrigin() string {
	if c.APIOrigin != "" {
		return strings.TrimRight(c.APIOrigin, "/")
	}
	return httpOrigin(strings.TrimRight(c.origin(), "/"))
}

// httpOrigin maps a ws or wss origin onto http or https.
func httpOrigin(origin string) string {
	switch {
	case strings.HasPrefix(origin, "wss://"):
		return "https://" + strings.TrimPrefix(origin, "wss://")
	case strings.HasPrefix(origin, "ws://"):
		return "http://" + strings.TrimPrefix(origin, "ws://")
	}
	return origin
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// listeners buffers inbound messages until a listener is registered and
// fires the disconnect listener at most once.
type listeners struct {
	deliverMu sync.Mutex // serializes delivery with replay
	mu        sync.Mutex
	onMessage func(protocol.Incoming)
	queue     []protocol.Incoming

	onDisconnect func(DisconnectDetails)
	pending      *DisconnectDetails
	ended        bool
}

func (l *listeners) OnMessage(fn func(protocol.Incoming)) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	l.onMessage = fn
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	if fn == nil {
		return
	}
	for _, msg := range queued {
		fn(msg)
	}
}

func (l *listeners) deliver(msg protocol.Incoming) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	fn := l.onMessage
	if fn == nil {
		l.queue = append(l.queue, msg)
	}
	l.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (l *listeners) OnDisconnect(fn func(DisconnectDetails)) {
	l.mu.Lock()
	l.onDisconnect = fn
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if fn != nil && pending != nil {
		fn(*pending)
	}
}

// disconnect reports d unless the transport already ended. It returns false
// when an earlier report won.
func (l *listeners) disconnect(d DisconnectDetails) bool {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return false
	}
	l.ended = true
	fn := l.onDisconnect
	if fn == nil {
		l.pending = &d
	}
	l.mu.Unlock()

	log.Info("transport disconnected", "reason", string(d.Reason), "code", d.CloseCode, "message", d.Message)
	if fn != nil {
		fn(d)
	}
	return true
}

func (l *listeners) hasEnded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}
