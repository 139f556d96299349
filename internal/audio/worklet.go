package audio

import (
	"errors"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

// ErrClosed is returned by stage operations after Close.
var ErrClosed = errors.New("audio: stage closed")

// stageQueueSize bounds the message channel feeding a stage worker.
const stageQueueSize = 64

// stageMsg is the closed set of messages a stage worker accepts.
type stageMsg interface{ stageMsg() }

// setFormatMsg (re)binds the worker to a wire format and device rate. gen
// identifies the device stream whose buffers are accepted afterwards.
type setFormatMsg struct {
	format     protocol.Format
	deviceRate int
	gen        uint64
}

// bufferMsg carries device samples (capture) or encoded wire audio
// (playback).
type bufferMsg struct {
	gen     uint64
	samples []float32
	data    []byte
}

type interruptMsg struct{}

type clearInterruptedMsg struct{}

type setMutedMsg struct{ muted bool }

func (setFormatMsg) stageMsg()        {}
func (bufferMsg) stageMsg()           {}
func (interruptMsg) stageMsg()        {}
func (clearInterruptedMsg) stageMsg() {}
func (setMutedMsg) stageMsg()         {}
