package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
	"github.com/wei/elevenlabs-packages-sub002/internal/transport"
)

// fakeTransport records outbound messages and lets tests drive inbound
// messages and disconnects synchronously.
type fakeTransport struct {
	id       string
	in, out  protocol.Format
	muteErr  error
	onClose  func()
	sentCh   chan protocol.Outgoing
	closedCh chan struct{}

	mu           sync.Mutex
	onMessage    func(protocol.Incoming)
	onDisconnect func(transport.DisconnectDetails)
	ended        bool
	closeOnce    sync.Once
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:       id,
		in:       protocol.DefaultFormat,
		out:      protocol.DefaultFormat,
		muteErr:  fmt.Errorf("fake: %w", errors.ErrUnsupported),
		sentCh:   make(chan protocol.Outgoing, 256),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ConversationID() string        { return f.id }
func (f *fakeTransport) InputFormat() protocol.Format  { return f.in }
func (f *fakeTransport) OutputFormat() protocol.Format { return f.out }
func (f *fakeTransport) SetMicMuted(bool) error        { return f.muteErr }

func (f *fakeTransport) SendMessage(msg protocol.Outgoing) error {
	select {
	case <-f.closedCh:
		return transport.ErrClosed
	default:
	}
	f.sentCh <- msg
	return nil
}

func (f *fakeTransport) OnMessage(fn func(protocol.Incoming)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnDisconnect(fn func(transport.DisconnectDetails)) {
	f.mu.Lock()
	f.onDisconnect = fn
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(msg protocol.Incoming) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	fn(msg)
}

func (f *fakeTransport) disconnect(d transport.DisconnectDetails) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
		close(f.closedCh)
	})
	f.disconnect(transport.DisconnectDetails{Reason: transport.ReasonUser})
	return nil
}

// nextSent waits for the next outbound message that is not microphone audio.
func (f *fakeTransport) nextSent(t *testing.T) protocol.Outgoing {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-f.sentCh:
			if protocol.IsAudio(msg) {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for outbound message")
			return nil
		}
	}
}

func (f *fakeTransport) assertNothingSent(t *testing.T) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case msg := <-f.sentCh:
			if !protocol.IsAudio(msg) {
				t.Fatalf("unexpected outbound message %#v", msg)
			}
		case <-deadline:
			return
		}
	}
}

type recordingWakeLock struct {
	mu       sync.Mutex
	acquired bool
	released bool
	order    *[]string
}

func (w *recordingWakeLock) Acquire(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired = true
	return nil
}

func (w *recordingWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = true
	if w.order != nil {
		*w.order = append(*w.order, "wakelock")
	}
	return nil
}

func noDelay() *ConnectionDelay { return &ConnectionDelay{} }

func startFake(t *testing.T, ft *fakeTransport, p *device.MemoryProvider, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		Dial:            func(context.Context, transport.Config) (transport.Transport, error) { return ft, nil },
		Devices:         p,
		ConnectionDelay: noDelay(),
		Events:          NewEvents(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.EndSession)
	return s
}

func audioEvent(id int64, data []byte) protocol.Audio {
	var a protocol.Audio
	a.Event.EventID = id
	a.Event.AudioBase64 = base64.StdEncoding.EncodeToString(data)
	return a
}

func interruption(id int64) protocol.Interruption {
	var i protocol.Interruption
	i.Event.EventID = id
	return i
}

func toolCall(name, id string, params map[string]any) protocol.ClientToolCall {
	var c protocol.ClientToolCall
	c.Call.ToolName = name
	c.Call.ToolCallID = id
	c.Call.Parameters = params
	return c
}

func TestStartResolvesWithConversationID(t *testing.T) {
	p := device.NewMemoryProvider()
	ft := newFakeTransport("X")

	var statuses []Status
	var connected string
	s := startFake(t, ft, p, func(o *Options) {
		o.Events.OnStatusChange(func(st Status) { statuses = append(statuses, st) })
		o.Events.OnConnect(func(id string) { connected = id })
	})

	if s.ID() != "X" || connected != "X" {
		t.Fatalf("ID = %q, connect event = %q", s.ID(), connected)
	}
	if s.Status() != StatusConnected {
		t.Fatalf("Status = %s", s.Status())
	}
	if len(statuses) != 2 || statuses[0] != StatusConnecting || statuses[1] != StatusConnected {
		t.Fatalf("statuses = %v", statuses)
	}
	// Capture and playback are open; the preliminary microphone grant is not.
	if got := p.OpenStreams(); got != 2 {
		t.Fatalf("open streams = %d, want 2", got)
	}
	if s.Mode() != ModeListening {
		t.Fatalf("Mode = %s", s.Mode())
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	p := device.NewMemoryProvider()
	ft := newFakeTransport("conv")

	var mu sync.Mutex
	var statuses []Status
	var disconnects []DisconnectDetails
	s := startFake(t, ft, p, func(o *Options) {
		o.Events.OnStatusChange(func(st Status) {
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
		})
		o.Events.OnDisconnect(func(d DisconnectDetails) {
			mu.Lock()
			disconnects = append(disconnects, d)
			mu.Unlock()
		})
	})

	s.EndSession()
	s.EndSession()
	ft.disconnect(transport.DisconnectDetails{Reason: transport.ReasonError})
	<-s.Done()

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnecting, StatusDisconnected}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	if len(disconnects) != 1 || disconnects[0].Reason != transport.ReasonUser {
		t.Fatalf("disconnects = %+v", disconnects)
	}
	if s.advance(StatusConnected) || s.Status() != StatusDisconnected {
		t.Fatal("a disconnected session must stay disconnected")
	}
	if err := s.SendUserMessage("hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after end = %v", err)
	}
}

func TestServerDisconnectTearsDownInOrder(t *testing.T) {
	p := device.NewMemoryProvider()
	ft := newFakeTransport("conv")
	var order []string
	var streamsAtTransportClose int
	ft.onClose = func() {
		streamsAtTransportClose = p.OpenStreams()
		order = append(order, "transport")
	}
	wl := &recordingWakeLock{order: &order}

	got := make(chan DisconnectDetails, 1)
	s := startFake(t, ft, p, func(o *Options) {
		o.WakeLock = wl
		o.UseWakeLock = true
		o.Events.OnDisconnect(func(d DisconnectDetails) { got <- d })
	})

	ft.disconnect(transport.DisconnectDetails{Reason: transport.ReasonAgent, CloseCode: 1000, Message: "bye"})
	d := <-got
	if d.Reason != transport.ReasonAgent || d.CloseCode != 1000 {
		t.Fatalf("disconnect = %+v", d)
	}
	<-s.Done()

	if strings.Join(order, ",") != "wakelock,transport" {
		t.Fatalf("teardown order = %v", order)
	}
	if streamsAtTransportClose != 0 {
		t.Fatalf("%d streams still open when transport closed", streamsAtTransportClose)
	}
	if !wl.acquired || !wl.released {
		t.Fatalf("wake lock acquired=%v released=%v", wl.acquired, wl.released)
	}
}

func TestStartRollsBackOnFailure(t *testing.T) {
	t.Run("dial fails", func(t *testing.T) {
		p := device.NewMemoryProvider()
		wl := &recordingWakeLock{}
		_, err := Start(context.Background(), Options{
			Dial: func(context.Context, transport.Config) (transport.Transport, error) {
				return nil, &transport.HandshakeError{CloseCode: 3000, CloseReason: "invalid agent"}
			},
			Devices:         p,
			WakeLock:        wl,
			UseWakeLock:     true,
			ConnectionDelay: noDelay(),
		})
		var he *transport.HandshakeError
		if !errors.As(err, &he) || he.CloseCode != 3000 {
			t.Fatalf("err = %v", err)
		}
		if p.OpenStreams() != 0 {
			t.Fatalf("open streams = %d after rollback", p.OpenStreams())
		}
		if !wl.released {
			t.Fatal("wake lock not released")
		}
	})

	t.Run("output device missing", func(t *testing.T) {
		p := device.NewMemoryProvider()
		ft := newFakeTransport("conv")
		_, err := Start(context.Background(), Options{
			Dial:            func(context.Context, transport.Config) (transport.Transport, error) { return ft, nil },
			Devices:         p,
			OutputDeviceID:  "missing",
			ConnectionDelay: noDelay(),
		})
		if !errors.Is(err, device.ErrDeviceNotFound) {
			t.Fatalf("err = %v", err)
		}
		select {
		case <-ft.closedCh:
		default:
			t.Fatal("transport not closed on rollback")
		}
		if p.OpenStreams() != 0 {
			t.Fatalf("open streams = %d after rollback", p.OpenStreams())
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		p := device.NewMemoryProvider()
		p.FailInput("default", device.ErrPermissionDenied)
		dialed := false
		_, err := Start(context.Background(), Options{
			Dial: func(context.Context, transport.Config) (transport.Transport, error) {
				dialed = true
				return newFakeTransport("x"), nil
			},
			Devices:         p,
			ConnectionDelay: noDelay(),
		})
		if !errors.Is(err, device.ErrPermissionDenied) {
			t.Fatalf("err = %v", err)
		}
		if dialed {
			t.Fatal("transport dialed despite denied microphone")
		}
	})

	t.Run("voice session without devices", func(t *testing.T) {
		if _, err := Start(context.Background(), Options{}); !errors.Is(err, ErrNoDevices) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestClientToolResults(t *testing.T) {
	p := device.NewMemoryProvider()
	ft := newFakeTransport("conv")
	startFake(t, ft, p, func(o *Options) {
		o.ClientTools = ClientTools{
			"foo": func(_ context.Context, params map[string]any) (any, error) {
				if params["a"] != float64(1) {
					return nil, fmt.Errorf("unexpected params %v", params)
				}
				return "ok", nil
			},
			"silent": func(context.Context, map[string]any) (any, error) { return nil, nil },
			"broken": func(context.Context, map[string]any) (any, error) { return nil, errors.New("boom") },
			"struct": func(context.Context, map[string]any) (any, error) {
				return map[string]int{"n": 2}, nil
			},
			"panics": func(context.Context, map[string]any) (any, error) { panic("kaboom") },
		}
	})

	tests := []struct {
		tool    string
		want    string
		isError bool
	}{
		{"foo", "ok", false},
		{"silent", "Client tool execution successful.", false},
		{"broken", "Client tool execution failed: boom", true},
		{"struct", `{"n":2}`, false},
		{"panics", "Client tool execution failed: panic: kaboom", true},
	}
	for i, tt := range tests {
		id := fmt.Sprint(i + 1)
		ft.deliver(toolCall(tt.tool, id, map[string]any{"a": float64(1)}))
		msg := ft.nextSent(t)
		res, ok := msg.(protocol.ClientToolResult)
		if !ok {
			t.Fatalf("%s: sent %#v", tt.tool, msg)
		}
		if res.ToolCallID != id || res.Result != tt.want || res.IsError != tt.isError {
			t.Errorf("%s: result = %+v, want %q is_error=%v", tt.tool, res, tt.want, tt.isError)
		}
	}
}

func TestUndefinedClientTool(t *testing.T) {
	t.Run("no listener", func(t *testing.T) {
		ft := newFakeTransport("conv")
		var errs []ErrorEvent
		startFake(t, ft, device.NewMemoryProvider(), func(o *Options) {
			o.Events.OnError(func(e ErrorEvent) { errs = append(errs, e) })
		})

		ft.deliver(toolCall("missing", "9", nil))
		res, ok := ft.nextSent(t).(protocol.ClientToolResult)
		if !ok || !res.IsError || res.ToolCallID != "9" {
			t.Fatalf("result = %+v", res)
		}
		if !strings.Contains(res.Result.(string), "not defined") {
			t.Fatalf("result text = %q", res.Result)
		}
		if len(errs) != 1 || errs[0].ToolName != "missing" {
			t.Fatalf("errors = %+v", errs)
		}
	})

	t.Run("unhandled listener owns the reply", func(t *testing.T) {
		ft := newFakeTransport("conv")
		calls := make(chan ToolCall, 1)
		s := startFake(t, ft, device.NewMemoryProvider(), func(o *Options) {
			o.Events.OnUnhandledClientToolCall(func(c ToolCall) { calls <- c })
		})

		ft.deliver(toolCall("missing", "10", map[string]any{"q": "x"}))
		c := <-calls
		if c.ToolName != "missing" || c.Parameters["q"] != "x" {
			t.Fatalf("call = %+v", c)
		}
		ft.assertNothingSent(t)

		if err := s.SendClientToolResult("10", map[string]string{"answer": "42"}, false); err != nil {
			t.Fatalf("SendClientToolResult: %v", err)
		}
		res := ft.nextSent(t).(protocol.ClientToolResult)
		if res.Result != `{"answer":"42"}` || res.IsError {
			t.Fatalf("result = %+v", res)
		}
	})
}

func TestPingAnsweredWithPong(t *testing.T) {
	ft := newFakeTransport("conv")
	startFake(t, ft, device.NewMemoryProvider(), nil)

	var ping protocol.Ping
	ping.Event.EventID = 42
	ft.deliver(ping)

	pong, ok := ft.nextSent(t).(protocol.Pong)
	if !ok || pong.EventID != 42 {
		t.Fatalf("sent %#v, want pong 42", pong)
	}
}

func TestStaleAudioIsDropped(t *testing.T) {
	ft := newFakeTransport("conv")
	var audioEvents []string
	s := startFake(t, ft, device.NewMemoryProvider(), func(o *Options) {
		o.Events.OnAudio(func(b string) { audioEvents = append(audioEvents, b) })
	})

	ft.deliver(interruption(5))
	ft.deliver(audioEvent(3, nil))
	if s.CanSendFeedback() || s.Mode() != ModeListening || len(audioEvents) != 0 {
		t.Fatalf("stale audio applied: feedback=%v mode=%s events=%d", s.CanSendFeedback(), s.Mode(), len(audioEvents))
	}

	// Audio from the interrupted event itself is not older and still plays.
	ft.deliver(audioEvent(5, nil))
	if !s.CanSendFeedback() || s.Mode() != ModeSpeaking || len(audioEvents) != 1 {
		t.Fatalf("current audio ignored: feedback=%v mode=%s events=%d", s.CanSendFeedback(), s.Mode(), len(audioEvents))
	}
}

func TestInterruptionReturnsToListening(t *testing.T) {
	ft := newFakeTransport("conv")
	var mu sync.Mutex
	var modes []Mode
	var interrupted []int64
	s := startFake(t, ft, device.NewMemoryProvider(), func(o *Options) {
		o.Events.OnModeChange(func(m Mode) {
			mu.Lock()
			modes = append(modes, m)
			mu.Unlock()
		})
		o.Events.OnInterruption(func(id int64) { interrupted = append(interrupted, id) })
	})

	ft.deliver(audioEvent(1, nil))
	ft.deliver(interruption(2))
	if s.Mode() != ModeListening {
		t.Fatalf("Mode = %s", s.Mode())
	}
	if len(interrupted) != 1 || interrupted[0] != 2 {
		t.Fatalf("interruptions = %v", interrupted)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(modes) != "[speaking listening]" {
		t.Fatalf("modes = %v", modes)
	}
}

func TestFeedbackGating(t *testing.T) {
	ft := newFakeTransport("conv")
	var changes []bool
	s := startFake(t, ft, device.NewMemoryProvider(), func(o *Options) {
		o.Events.OnCanSendFeedbackChange(func(b bool) { changes = append(changes, b) })
	})

	if s.CanSendFeedback() {
		t.Fatal("feedback available before any agent event")
	}
	if err := s.SendFeedback(true); err != nil {
		t.Fatalf("SendFeedback: %v", err)
	}
	ft.assertNothingSent(t)

	ft.deliver(audioEvent(7, []byte{0, 0}))
	if !s.CanSendFeedback() {
		t.Fatal("feedback should be available after agent audio")
	}
	if err := s.SendFeedback(false); err != nil {
		t.Fatalf("SendFeedback: %v", err)
	}
	fb, ok := ft.nextSent(t).(protocol.Feedback)
	if !ok || fb.EventID != 7 || fb.Score != protocol.FeedbackDislike {
		t.Fatalf("feedback = %+v", fb)
	}
	if s.CanSendFeedback() {
		t.Fatal("feedback should be disabled until the next event")
	}
	s.SendFeedback(true)
	ft.assertNothingSent(t)

	ft.deliver(audioEvent(8, []byte{0, 0}))
	if !s.CanSendFeedback() {
		t.Fatal("feedback should re-enable on a new event")
	}
	if fmt.Sprint(changes) != "[true false true]" {
		t.Fatalf("changes = %v", changes)
	}
}

func TestMessagesRoutedToListeners(t *testing.T) {
	ft := newFakeTransport("conv")
	var msgs []Message
	var vad []float64
	var errs []ErrorEvent
	var debug []string
	startFake(t, ft, device.NewMemoryProvider(), func(o *Options) {
		o.Events.OnMessage(func(m Message) { msgs = append(msgs, m) })
		o.Events.OnVADScore(func(v float64) { vad = append(vad, v) })
		o.Events.OnError(func(e ErrorEvent) { errs = append(errs, e) })
		o.Events.OnDebug(func(m protocol.Incoming) { debug = append(debug, m.IncomingType()) })
	})

	var ar protocol.AgentResponse
	ar.Event.AgentResponse = "Hello"
	var ut protocol.UserTranscript
	ut.Event.UserTranscript = "Hi"
	var vs protocol.VADScore
	vs.Event.VADScore = 0.75
	var se protocol.ServerError
	se.Event.Code = 1008
	se.Event.Message = "policy"
	for _, m := range []protocol.Incoming{ar, ut, vs, se, protocol.Unknown{Type: "brand_new"}} {
		ft.deliver(m)
	}

	if len(msgs) != 2 || msgs[0] != (Message{Source: SourceAgent, Text: "Hello"}) || msgs[1] != (Message{Source: SourceUser, Text: "Hi"}) {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(vad) != 1 || vad[0] != 0.75 {
		t.Fatalf("vad = %v", vad)
	}
	if len(errs) != 1 || errs[0].Code != 1008 {
		t.Fatalf("errors = %+v", errs)
	}
	if len(debug) != 1 || debug[0] != "brand_new" {
		t.Fatalf("debug = %v", debug)
	}
}

func TestMicrophoneFramesSentAsChunks(t *testing.T) {
	p := device.NewMemoryProvider()
	ft := newFakeTransport("conv")
	s := startFake(t, ft, p, nil)

	feed := make([]float32, 24000) // 500 ms at 48 kHz
	for i := range feed {
		feed[i] = 0.25
	}
	p.Feed("default", feed)
	data := waitChunk(t, ft, func([]byte) bool { return true })
	if len(data) != 8000 {
		t.Fatalf("chunk = %d bytes, want 8000", len(data))
	}
	if allZero(data) {
		t.Fatal("unmuted chunk is silent")
	}

	if err := s.SetMicMuted(true); err != nil {
		t.Fatalf("SetMicMuted: %v", err)
	}
	p.Feed("default", feed)
	// Frames captured before the mute may still be queued; a silent frame
	// must follow them.
	waitChunk(t, ft, allZero)
}

// waitChunk returns the first decoded user audio chunk accepted by match.
func waitChunk(t *testing.T, ft *fakeTransport, match func([]byte) bool) []byte {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ft.sentCh:
			c, ok := msg.(protocol.UserAudioChunk)
			if !ok {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(c.AudioBase64)
			if err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			if match(data) {
				return data
			}
		case <-deadline:
			t.Fatal("no matching audio chunk sent")
			return nil
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestChangeInputDevice(t *testing.T) {
	p := device.NewMemoryProvider()
	p.AddInput("usb", 16000, 2)
	p.AddInput("broken", 16000, 1)
	ft := newFakeTransport("conv")
	s := startFake(t, ft, p, nil)

	if err := s.ChangeInputDevice(context.Background(), "usb"); err != nil {
		t.Fatalf("ChangeInputDevice: %v", err)
	}
	if got := s.currentCapture().DeviceID(); got != "usb" {
		t.Fatalf("input = %q", got)
	}

	p.FailInput("broken", device.ErrPermissionDenied)
	if err := s.ChangeInputDevice(context.Background(), "broken"); !errors.Is(err, device.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if got := s.currentCapture().DeviceID(); got != "usb" {
		t.Fatalf("failed switch lost the active device: %q", got)
	}
	if got := p.OpenStreams(); got != 2 {
		t.Fatalf("open streams = %d, want 2", got)
	}
}

func TestChangeOutputDeviceFallsBackToRecreate(t *testing.T) {
	p := device.NewMemoryProvider()
	p.NoSinkSelection = true
	p.AddOutput("headset", 24000)
	ft := newFakeTransport("conv")
	s := startFake(t, ft, p, nil)
	first := s.currentPlayback()

	if err := s.ChangeOutputDevice(context.Background(), "headset"); err != nil {
		t.Fatalf("ChangeOutputDevice: %v", err)
	}
	pb := s.currentPlayback()
	if pb == first || pb.DeviceID() != "headset" {
		t.Fatalf("playback not recreated on headset: %q", pb.DeviceID())
	}
	if got := p.OpenStreams(); got != 2 {
		t.Fatalf("open streams = %d, want 2", got)
	}

	if err := s.ChangeOutputDevice(context.Background(), "nowhere"); err == nil {
		t.Fatal("expected error for unknown output")
	}
	if s.currentPlayback().DeviceID() != "headset" {
		t.Fatal("failed switch lost the active output")
	}
}

func TestSetVolumeClamps(t *testing.T) {
	ft := newFakeTransport("conv")
	half := 0.5
	s := startFake(t, ft, device.NewMemoryProvider(), func(o *Options) { o.Volume = &half })

	if got := s.currentPlayback().Gain(); got != 0.5 {
		t.Fatalf("initial gain = %v", got)
	}
	s.SetVolume(7)
	if got := s.currentPlayback().Gain(); got != 1 {
		t.Fatalf("gain = %v, want 1", got)
	}
	s.SetVolume(-1)
	if got := s.currentPlayback().Gain(); got != 0 {
		t.Fatalf("gain = %v, want 0", got)
	}
}

func TestTextOnlySession(t *testing.T) {
	ft := newFakeTransport("conv")
	var dialed transport.Config
	s, err := Start(context.Background(), Options{
		Dial: func(_ context.Context, cfg transport.Config) (transport.Transport, error) {
			dialed = cfg
			return ft, nil
		},
		TextOnly:        true,
		ConnectionDelay: noDelay(),
		Transport: transport.Config{Initiation: protocol.InitiationClientData{
			ConversationConfigOverride: map[string]any{"agent": map[string]any{"language": "en"}},
		}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.EndSession()

	raw, _ := json.Marshal(dialed.Initiation.ConversationConfigOverride)
	if string(raw) != `{"agent":{"language":"en"},"conversation":{"text_only":true}}` {
		t.Fatalf("override = %s", raw)
	}
	if err := s.ChangeInputDevice(context.Background(), "x"); !errors.Is(err, ErrTextOnly) {
		t.Fatalf("ChangeInputDevice = %v", err)
	}
	if err := s.SendUserMessage("hello"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	if um, ok := ft.nextSent(t).(protocol.UserMessage); !ok || um.Text != "hello" {
		t.Fatalf("sent %#v", um)
	}
	if s.InputVolume() != 0 || s.OutputFrequencyData() != nil {
		t.Fatal("text-only session reports audio levels")
	}
}

func TestConnectionDelayForPlatform(t *testing.T) {
	d := DefaultConnectionDelay
	if d.forPlatform("android") != 3*time.Second || d.forPlatform("linux") != 0 || d.forPlatform("ios") != 0 {
		t.Fatalf("unexpected default delays %+v", d)
	}
}
