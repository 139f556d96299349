package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavChunkFrames = 1024

// WAVProvider maps devices onto WAV files. Input device ids are file paths
// (relative ids resolve under Dir). Output device ids name the file that
// rendered audio is written to.
type WAVProvider struct {
	Dir string
	// DefaultInput is opened when no input device id is given.
	DefaultInput string
	// DefaultOutput receives audio when no output device id is given. An
	// empty value discards output.
	DefaultOutput string
	// OutputRate is the sample rate of written files. Zero means 16000.
	OutputRate int
	// Realtime paces input reads to the file's sample rate.
	Realtime bool
}

func (p *WAVProvider) resolve(id string) string {
	if id == "" || filepath.IsAbs(id) || p.Dir == "" {
		return id
	}
	return filepath.Join(p.Dir, id)
}

func (p *WAVProvider) Devices(ctx context.Context) ([]Info, error) {
	var out []Info
	if p.Dir != "" {
		entries, err := os.ReadDir(p.Dir)
		if err != nil {
			return nil, fmt.Errorf("list wav devices: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
				continue
			}
			info := Info{ID: e.Name(), Label: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), Kind: KindInput}
			info.Default = e.Name() == p.DefaultInput
			if rate, err := wavSampleRate(filepath.Join(p.Dir, e.Name())); err == nil {
				info.SampleRate = rate
			}
			out = append(out, info)
		}
	}
	if p.DefaultOutput != "" {
		out = append(out, Info{ID: p.DefaultOutput, Label: p.DefaultOutput, Kind: KindOutput, SampleRate: p.outputRate(), Default: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *WAVProvider) OpenInput(ctx context.Context, c InputConstraints) (InputStream, error) {
	id := c.DeviceID
	if id == "" {
		id = p.DefaultInput
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no input file configured", ErrDeviceNotFound)
	}

	f, err := os.Open(p.resolve(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return nil, fmt.Errorf("open wav input: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("open wav input %s: not a valid wav file", id)
	}

	format := dec.Format()
	in := &wavInput{
		id:       id,
		file:     f,
		dec:      dec,
		rate:     format.SampleRate,
		channels: format.NumChannels,
		scale:    float32(int64(1) << (dec.BitDepth - 1)),
		realtime: p.Realtime,
		done:     make(chan struct{}),
		buf: &audio.IntBuffer{
			Format:         format,
			Data:           make([]int, wavChunkFrames*format.NumChannels),
			SourceBitDepth: int(dec.BitDepth),
		},
	}
	return in, nil
}

func (p *WAVProvider) OpenOutput(ctx context.Context, c OutputConstraints) (OutputStream, error) {
	id := c.DeviceID
	if id == "" {
		id = p.DefaultOutput
	}
	out := &wavOutput{p: p, rate: p.outputRate()}
	if err := out.open(id); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *WAVProvider) outputRate() int {
	if p.OutputRate > 0 {
		return p.OutputRate
	}
	return 16000
}

func wavSampleRate(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return 0, err
	}
	return int(dec.SampleRate), nil
}

type wavInput struct {
	id       string
	file     *os.File
	dec      *wav.Decoder
	buf      *audio.IntBuffer
	rate     int
	channels int
	scale    float32
	realtime bool
	started  time.Time
	frames   int64
	pending  []float32

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (in *wavInput) SampleRate() int  { return in.rate }
func (in *wavInput) Channels() int    { return in.channels }
func (in *wavInput) DeviceID() string { return in.id }

func (in *wavInput) Read(buf []float32) (int, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return 0, ErrClosed
	}
	if len(in.pending) == 0 {
		n, err := in.dec.PCMBuffer(in.buf)
		if err != nil && !errors.Is(err, io.EOF) {
			in.mu.Unlock()
			return 0, fmt.Errorf("read wav input: %w", err)
		}
		if n == 0 {
			in.mu.Unlock()
			return 0, io.EOF
		}
		for _, v := range in.buf.Data[:n] {
			in.pending = append(in.pending, float32(v)/in.scale)
		}
	}
	n := copy(buf, in.pending)
	in.pending = in.pending[n:]
	in.frames += int64(n / max(in.channels, 1))
	in.mu.Unlock()

	if in.realtime {
		return n, in.pace()
	}
	return n, nil
}

// pace sleeps until wall-clock time catches up with the audio read so far.
func (in *wavInput) pace() error {
	if in.started.IsZero() {
		in.started = time.Now()
	}
	due := in.started.Add(time.Duration(in.frames) * time.Second / time.Duration(in.rate))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-in.done:
		return ErrClosed
	}
}

func (in *wavInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	close(in.done)
	return in.file.Close()
}

type wavOutput struct {
	p    *WAVProvider
	rate int

	mu     sync.Mutex
	id     string
	file   *os.File
	enc    *wav.Encoder
	closed bool
}

// open starts a new file for id; an empty id discards output.
func (out *wavOutput) open(id string) error {
	out.id = id
	if id == "" {
		return nil
	}
	f, err := os.Create(out.p.resolve(id))
	if err != nil {
		return fmt.Errorf("open wav output: %w", err)
	}
	out.file = f
	out.enc = wav.NewEncoder(f, out.rate, 16, 1, 1)
	return nil
}

func (out *wavOutput) finish() error {
	if out.enc == nil {
		return nil
	}
	err := out.enc.Close()
	if cerr := out.file.Close(); err == nil {
		err = cerr
	}
	out.enc, out.file = nil, nil
	return err
}

func (out *wavOutput) SampleRate() int { return out.rate }

func (out *wavOutput) DeviceID() string {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.id
}

func (out *wavOutput) Write(samples []float32) (int, error) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return 0, ErrClosed
	}
	if out.enc == nil {
		return len(samples), nil
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		s = min(max(s, -1), 1)
		data[i] = int(s * 32767)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: out.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := out.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("write wav output: %w", err)
	}
	return len(samples), nil
}

// SetSinkID finalizes the current file and continues in a new one.
func (out *wavOutput) SetSinkID(id string) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return ErrClosed
	}
	if err := out.finish(); err != nil {
		return err
	}
	return out.open(id)
}

func (out *wavOutput) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return nil
	}
	out.closed = true
	return out.finish()
}
