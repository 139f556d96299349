package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/device"
	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

const (
	defaultQuantum = 20 * time.Millisecond
	// FadeDuration is how long an interruption takes to ramp output down.
	FadeDuration = 2 * time.Second
	fadeFloor    = 0.0001
)

// PlaybackConfig configures a playback stage.
type PlaybackConfig struct {
	Format   protocol.Format
	DeviceID string
	// Volume is the initial linear gain, clamped to [0, 1].
	Volume float64
	// Quantum is the amount of audio rendered per device write.
	Quantum time.Duration
	Fade    time.Duration
	// OnProcess reports rendering transitions: false when audio starts
	// playing, true once the queue has drained.
	OnProcess func(finished bool)
	Metrics   *Metrics
}

// DefaultPlaybackConfig plays at full volume on the default device.
func DefaultPlaybackConfig(format protocol.Format) PlaybackConfig {
	return PlaybackConfig{
		Format:  format,
		Volume:  1,
		Quantum: defaultQuantum,
		Fade:    FadeDuration,
	}
}

// Playback decodes wire audio into a jitter buffer and renders it to an
// output device.
type Playback struct {
	cfg      PlaybackConfig
	analyser *Analyser
	metrics  *Metrics
	msgs     chan stageMsg
	done     chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	out       device.OutputStream
	volume    float64
	ramp      *gainRamp
	fadeTimer *time.Timer
	closed    bool
}

type gainRamp struct {
	start    time.Time
	from, to float64
	dur      time.Duration
}

// at returns the ramp value at now. The curve is exponential, matching how
// loudness is perceived.
func (r *gainRamp) at(now time.Time) float64 {
	elapsed := now.Sub(r.start)
	if elapsed >= r.dur || r.from <= 0 {
		return r.to
	}
	if elapsed <= 0 {
		return r.from
	}
	frac := float64(elapsed) / float64(r.dur)
	return r.from * math.Pow(r.to/r.from, frac)
}

// NewPlayback opens the configured output device and starts the stage.
func NewPlayback(ctx context.Context, provider device.Provider, cfg PlaybackConfig) (*Playback, error) {
	if cfg.Quantum <= 0 {
		cfg.Quantum = defaultQuantum
	}
	if cfg.Fade <= 0 {
		cfg.Fade = FadeDuration
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	codec, err := LoadCodec(cfg.Format.Encoding)
	if err != nil {
		return nil, fmt.Errorf("load playback processor: %w", err)
	}
	out, err := provider.OpenOutput(ctx, device.OutputConstraints{DeviceID: cfg.DeviceID})
	if err != nil {
		return nil, fmt.Errorf("open output device: %w", err)
	}

	p := &Playback{
		cfg:      cfg,
		analyser: NewAnalyser(),
		metrics:  cfg.Metrics,
		msgs:     make(chan stageMsg, stageQueueSize),
		done:     make(chan struct{}),
		out:      out,
		volume:   clampGain(cfg.Volume),
	}
	proc := &playbackProcessor{
		codec:   codec,
		outRate: out.SampleRate(),
		notify:  cfg.OnProcess,
		metrics: cfg.Metrics,
	}
	p.msgs <- setFormatMsg{format: cfg.Format, deviceRate: out.SampleRate()}

	quantum := max(1, int(int64(out.SampleRate())*int64(cfg.Quantum)/int64(time.Second)))
	p.wg.Add(1)
	go p.run(proc, quantum)

	log.Info("playback started", "device", out.DeviceID(), "deviceRate", out.SampleRate(), "format", cfg.Format.String())
	return p, nil
}

func clampGain(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return math.Max(0, math.Min(1, v))
}

// Analyser exposes the post-gain output analyser.
func (p *Playback) Analyser() *Analyser { return p.analyser }

// Format returns the wire format Buffer expects.
func (p *Playback) Format() protocol.Format { return p.cfg.Format }

// Buffer queues encoded wire audio for gapless playback.
func (p *Playback) Buffer(data []byte) error {
	return p.send(bufferMsg{data: data})
}

// Interrupt fades output to near silence over the fade window, then restores
// the gain and clears the interrupted queue unless new audio arrived in the
// meantime. A second Interrupt supersedes the first.
func (p *Playback) Interrupt() error {
	if err := p.send(interruptMsg{}); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	now := time.Now()
	ramp := &gainRamp{start: now, from: p.gainLocked(now), to: fadeFloor, dur: p.cfg.Fade}
	p.ramp = ramp
	if p.fadeTimer != nil {
		p.fadeTimer.Stop()
	}
	p.fadeTimer = time.AfterFunc(p.cfg.Fade, func() { p.endFade(ramp) })
	return nil
}

func (p *Playback) endFade(ramp *gainRamp) {
	p.mu.Lock()
	if p.closed || p.ramp != ramp {
		p.mu.Unlock()
		return
	}
	p.ramp = nil
	p.mu.Unlock()

	p.ClearInterrupted()
}

// ClearInterrupted ends a pending interruption, dropping whatever was queued
// before it unless new audio has been buffered since.
func (p *Playback) ClearInterrupted() error {
	return p.send(clearInterruptedMsg{})
}

// SetGain sets the linear output volume, clamped to [0, 1].
func (p *Playback) SetGain(v float64) {
	p.mu.Lock()
	p.volume = clampGain(v)
	p.mu.Unlock()
}

// Gain returns the gain currently applied to output.
func (p *Playback) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gainLocked(time.Now())
}

func (p *Playback) gainLocked(now time.Time) float64 {
	if p.ramp != nil {
		return p.ramp.at(now)
	}
	return p.volume
}

// SetOutputDevice routes output to another device in place. It fails with
// device.ErrSinkUnsupported when the device cannot switch sinks, leaving the
// caller to recreate the stage.
func (p *Playback) SetOutputDevice(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.out.SetSinkID(id); err != nil {
		return fmt.Errorf("set output device %q: %w", id, err)
	}
	p.metrics.recordSwap()
	return nil
}

// DeviceID returns the active output device.
func (p *Playback) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.DeviceID()
}

// Close stops rendering and releases the device. Safe to call repeatedly.
func (p *Playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.fadeTimer != nil {
		p.fadeTimer.Stop()
	}
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	log.Debug("playback closed")
	return p.out.Close()
}

func (p *Playback) send(msg stageMsg) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.msgs <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *Playback) run(proc *playbackProcessor, quantum int) {
	defer p.wg.Done()
	buf := make([]float32, quantum)

	for {
		if !proc.playing() {
			select {
			case <-p.done:
				return
			case msg := <-p.msgs:
				proc.handle(msg)
			}
			continue
		}

		select {
		case <-p.done:
			return
		case msg := <-p.msgs:
			proc.handle(msg)
			continue
		default:
		}

		n := proc.render(buf)
		p.mu.Lock()
		gain := float32(p.gainLocked(time.Now()))
		out := p.out
		p.mu.Unlock()

		for i := range buf[:n] {
			buf[i] *= gain
		}
		p.analyser.Write(buf[:n])
		if _, err := out.Write(buf[:n]); err != nil {
			log.Warn("output write failed", "error", err)
		}
		p.metrics.recordRendered(n)
		proc.update()
	}
}

// playbackProcessor is the playback worker state: a FIFO of decoded chunks
// and the interruption flag. It is only touched by the worker goroutine.
type playbackProcessor struct {
	codec          Codec
	resampler      *Resampler
	outRate        int
	queue          [][]float32
	current        []float32
	wasInterrupted bool
	active         bool
	notify         func(finished bool)
	metrics        *Metrics
}

func (p *playbackProcessor) handle(msg stageMsg) {
	switch msg := msg.(type) {
	case setFormatMsg:
		p.resampler = NewResampler(msg.format.SampleRate, p.outRate)
	case bufferMsg:
		p.wasInterrupted = false
		samples := p.resampler.Process(nil, p.codec.Decode(nil, msg.data))
		if len(samples) > 0 {
			p.queue = append(p.queue, samples)
			p.metrics.recordBuffered()
		}
		p.update()
	case interruptMsg:
		p.wasInterrupted = true
	case clearInterruptedMsg:
		if !p.wasInterrupted {
			return
		}
		p.wasInterrupted = false
		dropped := len(p.queue)
		if len(p.current) > 0 {
			dropped++
		}
		p.queue = nil
		p.current = nil
		p.resampler.Reset()
		p.metrics.recordDropped(dropped)
		p.update()
	}
}

func (p *playbackProcessor) playing() bool {
	return len(p.current) > 0 || len(p.queue) > 0
}

// render copies queued audio into out in arrival order and returns the
// number of samples written.
func (p *playbackProcessor) render(out []float32) int {
	n := 0
	for n < len(out) {
		if len(p.current) == 0 {
			if len(p.queue) == 0 {
				break
			}
			p.current = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
		}
		c := copy(out[n:], p.current)
		p.current = p.current[c:]
		n += c
	}
	return n
}

// update reports a change between playing and drained.
func (p *playbackProcessor) update() {
	playing := p.playing()
	if playing == p.active {
		return
	}
	p.active = playing
	if p.notify != nil {
		p.notify(!playing)
	}
}
