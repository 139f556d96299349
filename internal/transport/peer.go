package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wei/elevenlabs-packages-sub002/internal/httputil"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

const (
	iceGatherTimeout = 20 * time.Second
	controlLabel     = "control"
	signalingPath    = "/v1/convai/conversation/webrtc"
)

// PeerFormat is the fixed audio format of the peer transport in both
// directions: G.711 mu-law on PCMU tracks.
var PeerFormat = protocol.Format{Encoding: protocol.EncodingULaw, SampleRate: 8000}

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// PeerOptions tunes the WebRTC stack.
type PeerOptions struct {
	// SettingEngine overrides pion's network settings.
	SettingEngine *webrtc.SettingEngine
}

func parseICEServers(raw []ICEServer) []webrtc.ICEServer {
	if raw == nil {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	servers := make([]webrtc.ICEServer, 0, len(raw))
	for _, s := range raw {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

// PeerTransport carries protocol messages on a reliable ordered data channel
// and audio on PCMU media tracks.
type PeerTransport struct {
	listeners

	pc             *webrtc.PeerConnection
	control        *webrtc.DataChannel
	conversationID string

	trackMu  sync.Mutex
	micTrack *webrtc.TrackLocalStaticSample
	sender   *webrtc.RTPSender
	micOn    atomic.Bool

	audioMu sync.Mutex
	onAudio func([]byte)

	metaCh    chan protocol.ConversationInitiationMetadata
	gotMeta   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newMicTrack(id string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		"audio",
		id,
	)
}

// DialPeer negotiates a peer connection using the conversation token,
// sends the initiation payload on the control channel and blocks until the
// conversation metadata arrives or ctx ends.
func DialPeer(ctx context.Context, cfg Config) (_ *PeerTransport, err error) {
	if cfg.ConversationToken == "" {
		return nil, errors.New("transport: conversation token required for webrtc")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(mediaEngine)}
	if cfg.Peer.SettingEngine != nil {
		opts = append(opts, webrtc.WithSettingEngine(*cfg.Peer.SettingEngine))
	}
	api := webrtc.NewAPI(opts...)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(cfg.ICEServers)})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PeerTransport{
		pc:     pc,
		metaCh: make(chan protocol.ConversationInitiationMetadata, 1),
		done:   make(chan struct{}),
	}
	t.micOn.Store(true)

	defer func() {
		if err != nil {
			t.closeOnce.Do(func() { close(t.done) })
			pc.Close()
		}
	}()

	micTrack, err := newMicTrack("microphone")
	if err != nil {
		return nil, fmt.Errorf("failed to create microphone track: %w", err)
	}
	sender, err := pc.AddTrack(micTrack)
	if err != nil {
		return nil, fmt.Errorf("failed to add microphone track: %w", err)
	}
	t.micTrack, t.sender = micTrack, sender
	go drainRTCP(sender)

	control, err := pc.CreateDataChannel(controlLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create control channel: %w", err)
	}
	t.control = control
	opened := make(chan struct{})
	control.OnOpen(func() { close(opened) })
	control.OnMessage(func(msg webrtc.DataChannelMessage) { t.handleControl(msg.Data) })
	control.OnClose(func() {
		t.shutdown(DisconnectDetails{Reason: ReasonAgent, Message: "The control channel was closed by the server"})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go t.readRemoteAudio(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.shutdown(DisconnectDetails{Reason: ReasonError, Message: "The peer connection failed"})
		case webrtc.PeerConnectionStateClosed:
			t.shutdown(DisconnectDetails{Reason: ReasonAgent, Message: "The peer connection was closed"})
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return nil, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return nil, &HandshakeError{Err: ctx.Err()}
	}

	answer, err := signal(ctx, cfg, pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	select {
	case <-opened:
	case <-t.done:
		return nil, &HandshakeError{Err: errors.New("peer connection closed before the control channel opened")}
	case <-ctx.Done():
		return nil, &HandshakeError{Err: ctx.Err()}
	}

	payload, err := protocol.Encode(cfg.Initiation)
	if err != nil {
		return nil, err
	}
	if err := control.SendText(string(payload)); err != nil {
		return nil, &HandshakeError{Err: fmt.Errorf("send initiation: %w", err)}
	}

	select {
	case meta := <-t.metaCh:
		t.conversationID = meta.Event.ConversationID
	case <-t.done:
		return nil, &HandshakeError{Err: errors.New("peer connection closed before conversation metadata")}
	case <-ctx.Done():
		return nil, &HandshakeError{Err: ctx.Err()}
	}

	log.Info("peer connected", "conversationId", t.conversationID)
	return t, nil
}

// signal posts the SDP offer and returns the SDP answer. Signaling is not
// retried: a replayed offer would describe a stale ICE session.
func signal(ctx context.Context, cfg Config, offer string) (string, error) {
	endpoint := cfg.SignalingURL
	if endpoint == "" {
		endpoint = cfg.apiOrigin() + signalingPath
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/sdp")
	headers.Set("Authorization", "Bearer "+cfg.ConversationToken)

	resp, err := httputil.Fetch(ctx, cfg.httpClient(), httputil.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: headers,
		Body:   []byte(offer),
	}, httputil.Policy{})
	if err != nil {
		return "", &HandshakeError{Err: fmt.Errorf("signaling: %w", err)}
	}
	if !resp.OK() {
		return "", &HandshakeError{Err: fmt.Errorf("signaling: status %d: %s", resp.StatusCode, resp.Text())}
	}
	return string(resp.Body), nil
}

// Drain RTCP so the sender does not block on backpressure.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if rr, ok := p.(*rtcp.ReceiverReport); ok {
				for _, r := range rr.Reports {
					log.Debug("receiver report", "ssrc", r.SSRC, "lost", r.TotalLost, "jitter", r.Jitter)
				}
			}
		}
	}
}

func (t *PeerTransport) handleControl(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn("dropping malformed control message", "error", err)
		return
	}
	if meta, ok := msg.(protocol.ConversationInitiationMetadata); ok && t.gotMeta.CompareAndSwap(false, true) {
		t.metaCh <- meta
		return
	}
	if !t.gotMeta.Load() {
		log.Warn("message before conversation metadata, dropping", "messageType", msg.IncomingType())
		return
	}
	t.deliver(msg)
}

func (t *PeerTransport) readRemoteAudio(track *webrtc.TrackRemote) {
	codec := track.Codec()
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypePCMU) {
		log.Warn("ignoring remote audio track with unsupported codec", "codec", codec.MimeType)
		return
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		t.audioMu.Lock()
		fn := t.onAudio
		t.audioMu.Unlock()
		if fn != nil {
			fn(append([]byte(nil), pkt.Payload...))
		}
	}
}

func (t *PeerTransport) ConversationID() string        { return t.conversationID }
func (t *PeerTransport) InputFormat() protocol.Format  { return PeerFormat }
func (t *PeerTransport) OutputFormat() protocol.Format { return PeerFormat }

// OnAudio registers the receiver for agent audio payloads.
func (t *PeerTransport) OnAudio(fn func([]byte)) {
	t.audioMu.Lock()
	t.onAudio = fn
	t.audioMu.Unlock()
}

// SendMessage sends msg on the control channel. Microphone audio travels on
// the media track, so audio messages are dropped here.
func (t *PeerTransport) SendMessage(msg protocol.Outgoing) error {
	if protocol.IsAudio(msg) {
		return nil
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.control.SendText(string(data)); err != nil {
		return fmt.Errorf("transport: send %s: %w", msg.OutgoingType(), err)
	}
	return nil
}

// PublishAudio writes one mu-law frame to the microphone track. Frames are
// discarded while the microphone is muted.
func (t *PeerTransport) PublishAudio(data []byte, duration time.Duration) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if !t.micOn.Load() {
		return nil
	}
	t.trackMu.Lock()
	track := t.micTrack
	t.trackMu.Unlock()
	return track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// SetMicMuted mutes at the media track.
func (t *PeerTransport) SetMicMuted(muted bool) error {
	t.micOn.Store(!muted)
	return nil
}

// MirrorInputDevice publishes a fresh track for deviceID in place of the
// current one. The old track keeps serving until the replacement is in.
func (t *PeerTransport) MirrorInputDevice(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	track, err := newMicTrack("microphone-" + deviceID)
	if err != nil {
		return fmt.Errorf("transport: create track for %s: %w", deviceID, err)
	}

	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	if err := t.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("transport: replace microphone track: %w", err)
	}
	t.micTrack = track
	return nil
}

// Close ends the conversation from the client side and releases the
// published track.
func (t *PeerTransport) Close() error {
	t.shutdown(DisconnectDetails{Reason: ReasonUser, Message: "User ended conversation"})
	return nil
}

func (t *PeerTransport) shutdown(d DisconnectDetails) {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.done)
	})
	if !first {
		t.disconnect(d)
		return
	}
	// Report before closing so the pion callbacks triggered by Close lose.
	t.disconnect(d)
	go func() {
		if t.control != nil {
			t.control.Close()
		}
		if err := t.pc.Close(); err != nil {
			log.Warn("peer close failed", "error", err)
		}
	}()
}
