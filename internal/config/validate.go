package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validConnectionTypes = map[string]bool{
	"":          true,
	"websocket": true,
	"webrtc":    true,
}

// ValidationResult separates problems that must stop the program from
// those that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// Validate returns every problem found, fatal or not.
func (c *Config) Validate() []error {
	r := c.ValidateTiered()
	return append(r.Fatals, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range tuning values are clamped
// and reported as warnings; values that would misroute credentials or make
// a connection impossible are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if !validConnectionTypes[c.ConnectionType] {
		fatal("connection_type %q is not valid (use websocket or webrtc)", c.ConnectionType)
	}

	checkURL := func(key, raw string, schemes ...string) {
		if raw == "" {
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			fatal("%s %q is not a valid URL: %w", key, raw, err)
			return
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return
			}
		}
		fatal("%s scheme must be one of %s, got %q", key, strings.Join(schemes, ", "), u.Scheme)
	}
	checkURL("server_origin", c.ServerOrigin, "ws", "wss", "http", "https")
	checkURL("api_origin", c.APIOrigin, "http", "https")
	checkURL("signaling_url", c.SignalingURL, "http", "https")
	checkURL("signed_url", c.SignedURL, "ws", "wss", "http", "https")

	for key, secret := range map[string]string{
		"api_key":            c.APIKey,
		"conversation_token": c.ConversationToken,
		"scribe.token":       c.Scribe.Token,
	} {
		if strings.IndexFunc(secret, unicode.IsControl) >= 0 {
			fatal("%s contains control characters", key)
		}
	}

	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			warn("ice_servers[%d] has no urls and is ignored", i)
		}
	}

	if c.Volume < 0 {
		warn("volume %g is below minimum 0, clamping", c.Volume)
		c.Volume = 0
	} else if c.Volume > 1 {
		warn("volume %g exceeds maximum 1, clamping", c.Volume)
		c.Volume = 1
	}

	if c.ToolWorkers < 1 {
		warn("tool_workers %d is below minimum 1, clamping", c.ToolWorkers)
		c.ToolWorkers = 1
	} else if c.ToolWorkers > 64 {
		warn("tool_workers %d exceeds maximum 64, clamping", c.ToolWorkers)
		c.ToolWorkers = 64
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}
	if c.LogMaxSizeMB < 1 {
		warn("log_max_size_mb %d is below minimum 1, clamping", c.LogMaxSizeMB)
		c.LogMaxSizeMB = 1
	}
	if c.LogMaxBackups < 0 {
		warn("log_max_backups %d is negative, clamping", c.LogMaxBackups)
		c.LogMaxBackups = 0
	}

	if c.Scribe.AudioFormat != "" {
		if _, err := protocol.ParseFormat(c.Scribe.AudioFormat); err != nil {
			fatal("scribe.audio_format: %w", err)
		}
	}
	switch c.Scribe.CommitStrategy {
	case "", "manual", "vad":
	default:
		fatal("scribe.commit_strategy %q is not valid (use manual or vad)", c.Scribe.CommitStrategy)
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}
