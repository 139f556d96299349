// Package logging configures log/slog for the client. Package loggers are
// created with L at init time and follow whatever handler Init installs
// later, so a package never needs to re-fetch its logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Attribute keys shared across packages.
const (
	KeyComponent      = "component"
	KeyConversationID = "conversationId"
	KeyEventID        = "eventId"
	KeyMessageType    = "messageType"
	KeyDurationMs     = "durationMs"
	KeyError          = "error"
)

// maxPayloadLen bounds attributes that may carry base64 audio.
const maxPayloadLen = 96

// payloadKeys name attributes that are truncated to maxPayloadLen.
var payloadKeys = map[string]bool{
	"audio":         true,
	"audio_base_64": true,
	"payload":       true,
	"raw":           true,
}

// sink holds the handler installed by Init. Every logger shares it.
var sink atomic.Pointer[slog.Handler]

func init() {
	install(slog.NewTextHandler(os.Stderr, handlerOptions(slog.LevelInfo)))
}

func install(h slog.Handler) {
	sink.Store(&h)
	slog.SetDefault(slog.New(deferred{}))
}

// deferred resolves the installed handler on every call and replays the
// attributes and groups added through With and WithGroup onto it.
type deferred struct {
	steps []func(slog.Handler) slog.Handler
}

func (d deferred) resolve() slog.Handler {
	h := *sink.Load()
	for _, step := range d.steps {
		h = step(h)
	}
	return h
}

func (d deferred) with(step func(slog.Handler) slog.Handler) deferred {
	steps := make([]func(slog.Handler) slog.Handler, len(d.steps), len(d.steps)+1)
	copy(steps, d.steps)
	return deferred{steps: append(steps, step)}
}

func (d deferred) Enabled(ctx context.Context, level slog.Level) bool {
	return (*sink.Load()).Enabled(ctx, level)
}

func (d deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d deferred) WithGroup(name string) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// Init installs the handler for the whole process. format is "json" or
// "text"; level is debug, info, warn or error. A nil output means stderr,
// which keeps stdout free for CLI output.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := handlerOptions(parseLevel(level))
	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(output, opts))
		return
	}
	install(slog.NewTextHandler(output, opts))
}

func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: level, ReplaceAttr: truncatePayload}
}

func truncatePayload(_ []string, a slog.Attr) slog.Attr {
	if !payloadKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	if s := a.Value.String(); len(s) > maxPayloadLen {
		return slog.String(a.Key, s[:maxPayloadLen]+"...")
	}
	return a
}

// L returns the logger for a component.
func L(component string) *slog.Logger {
	return slog.New(deferred{}).With(KeyComponent, component)
}

// WithConversation tags logger with the service-assigned conversation id.
func WithConversation(logger *slog.Logger, conversationID string) *slog.Logger {
	return logger.With(KeyConversationID, conversationID)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
