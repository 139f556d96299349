package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

const (
	defaultFrameDuration = 250 * time.Millisecond
	readChunkFrames      = 480
)

// Frame is one encoded capture frame.
type Frame struct {
	Data []byte
	// Volume is the RMS of the frame before encoding, zero while muted.
	Volume float64
}

// CaptureConfig configures a capture stage.
type CaptureConfig struct {
	Format           protocol.Format
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Channels         int
	// FrameDuration is the amount of audio per emitted frame.
	FrameDuration time.Duration
	// OnFrame receives frames in capture order on the stage worker.
	OnFrame func(Frame)
	// OnInputEnded is called when the active device stops delivering
	// samples for a reason other than Close or a device swap.
	OnInputEnded func(error)
	Metrics      *Metrics
}

// DefaultCaptureConfig enables all voice processing on a mono default device.
func DefaultCaptureConfig(format protocol.Format) CaptureConfig {
	return CaptureConfig{
		Format:           format,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Channels:         1,
		FrameDuration:    defaultFrameDuration,
	}
}

// Capture reads a device, resamples to the wire rate and emits encoded frames.
type Capture struct {
	cfg      CaptureConfig
	provider device.Provider
	analyser *Analyser
	metrics  *Metrics
	msgs     chan stageMsg
	done     chan struct{}
	wg       sync.WaitGroup
	gen      atomic.Uint64

	swapMu sync.Mutex // serializes device swaps
	mu     sync.Mutex
	stream device.InputStream
	closed bool
}

// NewCapture opens the configured input device and starts the stage.
func NewCapture(ctx context.Context, provider device.Provider, cfg CaptureConfig) (*Capture, error) {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultFrameDuration
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	codec, err := LoadCodec(cfg.Format.Encoding)
	if err != nil {
		return nil, fmt.Errorf("load capture processor: %w", err)
	}
	stream, err := provider.OpenInput(ctx, cfg.constraints(cfg.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}

	c := &Capture{
		cfg:      cfg,
		provider: provider,
		analyser: NewAnalyser(),
		metrics:  cfg.Metrics,
		msgs:     make(chan stageMsg, stageQueueSize),
		done:     make(chan struct{}),
		stream:   stream,
	}
	proc := &captureProcessor{
		codec:     codec,
		frameSize: max(1, int(int64(cfg.Format.SampleRate)*int64(cfg.FrameDuration)/int64(time.Second))),
		emit:      c.emit,
	}

	gen := c.gen.Add(1)
	c.msgs <- setFormatMsg{format: cfg.Format, deviceRate: stream.SampleRate(), gen: gen}

	c.wg.Add(1)
	go c.run(proc)
	go c.readLoop(stream, gen)

	log.Info("capture started",
		"device", stream.DeviceID(),
		"deviceRate", stream.SampleRate(),
		"format", cfg.Format.String(),
	)
	return c, nil
}

func (cfg CaptureConfig) constraints(id string) device.InputConstraints {
	return device.InputConstraints{
		DeviceID:         id,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
		AutoGainControl:  cfg.AutoGainControl,
		Channels:         cfg.Channels,
	}
}

// Analyser exposes the live input analyser.
func (c *Capture) Analyser() *Analyser { return c.analyser }

// Format returns the wire format frames are encoded in.
func (c *Capture) Format() protocol.Format { return c.cfg.Format }

// DeviceID returns the id of the active input device.
func (c *Capture) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ""
	}
	return c.stream.DeviceID()
}

// SetMuted gates encoded output without releasing the device. Muted frames
// are emitted as silence so the far end keeps its timing.
func (c *Capture) SetMuted(muted bool) error {
	return c.send(setMutedMsg{muted: muted})
}

// SetInputDevice switches to another input device. The new stream is opened
// and wired in before the old one is released, so a failed switch leaves
// the current device running. A swap that completes after Close releases the
// new stream and returns nil.
func (c *Capture) SetInputDevice(ctx context.Context, id string) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	next, err := c.provider.OpenInput(ctx, c.cfg.constraints(id))
	if err != nil {
		return fmt.Errorf("open input device %q: %w", id, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		next.Close()
		return nil
	}
	prev := c.stream
	c.stream = next
	gen := c.gen.Add(1)
	c.mu.Unlock()

	if err := c.send(setFormatMsg{format: c.cfg.Format, deviceRate: next.SampleRate(), gen: gen}); err != nil {
		// Closed mid-swap; Close already released next.
		prev.Close()
		return nil
	}
	go c.readLoop(next, gen)
	prev.Close()

	c.metrics.recordSwap()
	log.Info("input device switched", "from", prev.DeviceID(), "to", next.DeviceID())
	return nil
}

// Close stops the device and the worker. It is safe to call more than once
// and concurrently with SetInputDevice.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.mu.Unlock()

	close(c.done)
	err := stream.Close()
	c.wg.Wait()
	log.Debug("capture closed")
	return err
}

func (c *Capture) send(msg stageMsg) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.msgs <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Capture) emit(f Frame) {
	if c.cfg.OnFrame != nil {
		c.cfg.OnFrame(f)
	}
}

func (c *Capture) readLoop(stream device.InputStream, gen uint64) {
	channels := max(stream.Channels(), 1)
	buf := make([]float32, readChunkFrames*channels)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			mono := device.Downmix(nil, buf[:n], channels)
			c.analyser.Write(mono)
			if c.gen.Load() != gen {
				return
			}
			if c.send(bufferMsg{gen: gen, samples: mono}) != nil {
				return
			}
		}
		if err != nil {
			if c.gen.Load() != gen || errors.Is(err, device.ErrClosed) {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			log.Warn("input stream ended", "device", stream.DeviceID(), "error", err)
			if c.cfg.OnInputEnded != nil {
				c.cfg.OnInputEnded(err)
			}
			return
		}
	}
}

func (c *Capture) run(proc *captureProcessor) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.msgs:
			proc.handle(msg, c.metrics)
		}
	}
}

// captureProcessor is the capture worker state. It is only touched by the
// worker goroutine.
type captureProcessor struct {
	codec     Codec
	format    protocol.Format
	resampler *Resampler
	gen       uint64
	frameSize int
	pending   []float32
	muted     bool
	emit      func(Frame)
}

func (p *captureProcessor) handle(msg stageMsg, m *Metrics) {
	switch msg := msg.(type) {
	case setFormatMsg:
		p.format = msg.format
		p.gen = msg.gen
		p.resampler = NewResampler(msg.deviceRate, msg.format.SampleRate)
	case setMutedMsg:
		p.muted = msg.muted
	case bufferMsg:
		if msg.gen != p.gen || p.resampler == nil {
			return
		}
		p.pending = p.resampler.Process(p.pending, msg.samples)
		for len(p.pending) >= p.frameSize {
			p.flush(p.pending[:p.frameSize], m)
			p.pending = p.pending[p.frameSize:]
		}
		if len(p.pending) == 0 {
			p.pending = nil
		}
	}
}

func (p *captureProcessor) flush(samples []float32, m *Metrics) {
	volume := rms(samples)
	if p.muted {
		samples = make([]float32, len(samples))
		volume = 0
	}
	data := p.codec.Encode(make([]byte, 0, len(samples)*p.format.BytesPerSample()), samples)
	m.recordFrame(len(data), p.muted)
	p.emit(Frame{Data: data, Volume: volume})
}
