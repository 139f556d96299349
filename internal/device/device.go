// Package device abstracts audio input and output hardware behind streams of
// float32 samples.
package device

import (
	"context"
	"errors"
)

var (
	ErrDeviceNotFound   = errors.New("device: not found")
	ErrPermissionDenied = errors.New("device: permission denied")
	ErrSinkUnsupported  = errors.New("device: output sink selection not supported")
	ErrClosed           = errors.New("device: stream closed")
)

// Kind distinguishes input from output devices.
type Kind string

const (
	KindInput  Kind = "audioinput"
	KindOutput Kind = "audiooutput"
)

// Info describes an enumerable device.
type Info struct {
	ID         string
	Label      string
	Kind       Kind
	SampleRate int
	Default    bool
}

// InputConstraints select and configure an input device. An empty DeviceID
// means the default device.
type InputConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Channels         int
}

// OutputConstraints select an output device.
type OutputConstraints struct {
	DeviceID string
}

// InputStream delivers interleaved samples at the device's native rate.
type InputStream interface {
	SampleRate() int
	Channels() int
	DeviceID() string
	// Read blocks until samples are available. It returns ErrClosed after
	// Close and io.EOF when a finite source is exhausted.
	Read(buf []float32) (int, error)
	Close() error
}

// OutputStream renders mono samples.
type OutputStream interface {
	SampleRate() int
	DeviceID() string
	Write(samples []float32) (int, error)
	// SetSinkID reroutes output to another device in place. Providers
	// without sink selection return ErrSinkUnsupported.
	SetSinkID(id string) error
	Close() error
}

// Provider opens device streams.
type Provider interface {
	Devices(ctx context.Context) ([]Info, error)
	OpenInput(ctx context.Context, c InputConstraints) (InputStream, error)
	OpenOutput(ctx context.Context, c OutputConstraints) (OutputStream, error)
}

// WakeLock keeps the host awake while a session is live.
type WakeLock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// NopWakeLock is used where the host has no wake-lock facility.
type NopWakeLock struct{}

func (NopWakeLock) Acquire(context.Context) error { return nil }
func (NopWakeLock) Release() error                { return nil }

// Downmix averages interleaved frames into mono, appending to dst.
func Downmix(dst, interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append(dst, interleaved...)
	}
	for i := 0; i+channels <= len(interleaved); i += channels {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i+c]
		}
		dst = append(dst, sum/float32(channels))
	}
	return dst
}
