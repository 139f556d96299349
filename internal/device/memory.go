package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryProvider is an in-process device provider. Inputs are fed with Feed
// and outputs accumulate everything written to them, keyed by sink id.
type MemoryProvider struct {
	mu        sync.Mutex
	inputs    map[string]*memorySource
	outputs   map[string]int
	written   map[string][]float32
	failInput map[string]error
	open      int

	// NoSinkSelection makes SetSinkID fail with ErrSinkUnsupported.
	NoSinkSelection bool
}

type memorySource struct {
	rate     int
	channels int
	feed     chan []float32
}

// NewMemoryProvider registers a 48 kHz mono "default" input and output.
func NewMemoryProvider() *MemoryProvider {
	p := &MemoryProvider{
		inputs:    make(map[string]*memorySource),
		outputs:   make(map[string]int),
		written:   make(map[string][]float32),
		failInput: make(map[string]error),
	}
	p.AddInput("default", 48000, 1)
	p.AddOutput("default", 48000)
	return p
}

// AddInput registers an input device.
func (p *MemoryProvider) AddInput(id string, rate, channels int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs[id] = &memorySource{rate: rate, channels: channels, feed: make(chan []float32, 64)}
}

// AddOutput registers an output device.
func (p *MemoryProvider) AddOutput(id string, rate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs[id] = rate
}

// FailInput makes opening id fail with err. A nil err clears the failure.
func (p *MemoryProvider) FailInput(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failInput, id)
		return
	}
	p.failInput[id] = err
}

// Feed queues interleaved samples on input id. It blocks if 64 chunks are
// already pending.
func (p *MemoryProvider) Feed(id string, samples []float32) error {
	p.mu.Lock()
	src, ok := p.inputs[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	src.feed <- append([]float32(nil), samples...)
	return nil
}

// Written returns a copy of the samples rendered to output id.
func (p *MemoryProvider) Written(id string) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.written[id]...)
}

// OpenStreams reports how many input and output streams are open.
func (p *MemoryProvider) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *MemoryProvider) Devices(ctx context.Context) ([]Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Info
	for id, src := range p.inputs {
		out = append(out, Info{ID: id, Label: id, Kind: KindInput, SampleRate: src.rate, Default: id == "default"})
	}
	for id, rate := range p.outputs {
		out = append(out, Info{ID: id, Label: id, Kind: KindOutput, SampleRate: rate, Default: id == "default"})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (p *MemoryProvider) OpenInput(ctx context.Context, c InputConstraints) (InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.DeviceID
	if id == "" {
		id = "default"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failInput[id]; err != nil {
		return nil, err
	}
	src, ok := p.inputs[id]
	if !ok {
		return nil, fmt.Errorf("%w: input %s", ErrDeviceNotFound, id)
	}
	p.open++
	return &memoryInput{p: p, id: id, src: src, done: make(chan struct{})}, nil
}

func (p *MemoryProvider) OpenOutput(ctx context.Context, c OutputConstraints) (OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.DeviceID
	if id == "" {
		id = "default"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rate, ok := p.outputs[id]
	if !ok {
		return nil, fmt.Errorf("%w: output %s", ErrDeviceNotFound, id)
	}
	p.open++
	return &memoryOutput{p: p, id: id, rate: rate}, nil
}

func (p *MemoryProvider) release() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

type memoryInput struct {
	p       *MemoryProvider
	id      string
	src     *memorySource
	pending []float32
	done    chan struct{}
	once    sync.Once
}

func (in *memoryInput) SampleRate() int  { return in.src.rate }
func (in *memoryInput) Channels() int    { return in.src.channels }
func (in *memoryInput) DeviceID() string { return in.id }

func (in *memoryInput) Read(buf []float32) (int, error) {
	if len(in.pending) == 0 {
		select {
		case <-in.done:
			return 0, ErrClosed
		case chunk := <-in.src.feed:
			in.pending = chunk
		}
	}
	n := copy(buf, in.pending)
	in.pending = in.pending[n:]
	return n, nil
}

func (in *memoryInput) Close() error {
	in.once.Do(func() {
		close(in.done)
		in.p.release()
	})
	return nil
}

type memoryOutput struct {
	p      *MemoryProvider
	mu     sync.Mutex
	id     string
	rate   int
	closed bool
}

func (out *memoryOutput) SampleRate() int { return out.rate }

func (out *memoryOutput) DeviceID() string {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.id
}

func (out *memoryOutput) Write(samples []float32) (int, error) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return 0, ErrClosed
	}
	out.p.mu.Lock()
	out.p.written[out.id] = append(out.p.written[out.id], samples...)
	out.p.mu.Unlock()
	return len(samples), nil
}

func (out *memoryOutput) SetSinkID(id string) error {
	if out.p.NoSinkSelection {
		return ErrSinkUnsupported
	}
	out.p.mu.Lock()
	_, ok := out.p.outputs[id]
	out.p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: output %s", ErrDeviceNotFound, id)
	}

	out.mu.Lock()
	out.id = id
	out.mu.Unlock()
	return nil
}

func (out *memoryOutput) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return nil
	}
	out.closed = true
	out.p.release()
	return nil
}
