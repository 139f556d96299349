package scribe

import (
	"sync"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

// Events holds the transcription listeners. Listeners run on the read
// goroutine in arrival order and must not block.
type Events struct {
	mu sync.RWMutex

	open           func()
	close          func(error)
	sessionStarted func(protocol.SessionStarted)
	partial        func(protocol.PartialTranscript)
	committed      func(protocol.CommittedTranscript)
	timestamps     func(protocol.CommittedTranscriptWithTimestamps)
	errorFn        func(error)
	typed          map[string]func(protocol.TranscriptionError)
}

func NewEvents() *Events { return &Events{typed: make(map[string]func(protocol.TranscriptionError))} }

func (e *Events) OnOpen(fn func())           { e.set(func() { e.open = fn }) }
func (e *Events) OnClose(fn func(err error)) { e.set(func() { e.close = fn }) }
func (e *Events) OnSessionStarted(fn func(protocol.SessionStarted)) {
	e.set(func() { e.sessionStarted = fn })
}
func (e *Events) OnPartialTranscript(fn func(protocol.PartialTranscript)) {
	e.set(func() { e.partial = fn })
}
func (e *Events) OnCommittedTranscript(fn func(protocol.CommittedTranscript)) {
	e.set(func() { e.committed = fn })
}

// OnCommittedTranscriptWithTimestamps only fires when the connection asked
// for timestamps.
func (e *Events) OnCommittedTranscriptWithTimestamps(fn func(protocol.CommittedTranscriptWithTimestamps)) {
	e.set(func() { e.timestamps = fn })
}

// OnError receives every error event, typed or not, plus connection
// failures.
func (e *Events) OnError(fn func(error)) { e.set(func() { e.errorFn = fn }) }

// OnErrorKind receives error events of one typed kind, such as
// protocol.TranscriptionQuotaExceeded. OnError still fires for them.
func (e *Events) OnErrorKind(kind string, fn func(protocol.TranscriptionError)) {
	e.set(func() {
		if e.typed == nil {
			e.typed = make(map[string]func(protocol.TranscriptionError))
		}
		e.typed[kind] = fn
	})
}

func (e *Events) set(assign func()) {
	e.mu.Lock()
	assign()
	e.mu.Unlock()
}

func (e *Events) dispatch(msg protocol.TranscriptionMessage) {
	if e == nil {
		return
	}
	e.mu.RLock()
	sessionStarted, partial, committed, timestamps := e.sessionStarted, e.partial, e.committed, e.timestamps
	errorFn := e.errorFn
	var typed func(protocol.TranscriptionError)
	if te, ok := msg.(protocol.TranscriptionError); ok {
		typed = e.typed[te.Kind]
	}
	e.mu.RUnlock()

	switch m := msg.(type) {
	case protocol.SessionStarted:
		if sessionStarted != nil {
			sessionStarted(m)
		}
	case protocol.PartialTranscript:
		if partial != nil {
			partial(m)
		}
	case protocol.CommittedTranscript:
		if committed != nil {
			committed(m)
		}
	case protocol.CommittedTranscriptWithTimestamps:
		if timestamps != nil {
			timestamps(m)
		}
	case protocol.TranscriptionError:
		if typed != nil {
			typed(m)
		}
		if errorFn != nil {
			errorFn(m)
		}
	}
}

func (e *Events) emitOpen() {
	if e == nil {
		return
	}
	e.mu.RLock()
	fn := e.open
	e.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (e *Events) emitClose(err error) {
	if e == nil {
		return
	}
	e.mu.RLock()
	fn := e.close
	e.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (e *Events) emitError(err error) {
	if e == nil {
		return
	}
	e.mu.RLock()
	fn := e.errorFn
	e.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
