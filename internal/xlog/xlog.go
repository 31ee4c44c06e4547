// Package xlog provides the structured logger shared by every component of
// the damage pipeline. It wraps zerolog so call sites get contextual
// sub-loggers (per connection, per window) instead of bare log.Printf calls.
package xlog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. level accepts zerolog level names
// (trace/debug/info/warn/error); unknown values fall back to info.
// When pretty is true, output is human-readable console text instead of
// ND-JSON, matching how most of the pack's example services run locally.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output but still need to satisfy a logger-accepting constructor.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// WithWindow returns a sub-logger tagged with a window ID, mirroring the
// per-connection field attachment the teacher did ad hoc with fmt.Sprintf.
func WithWindow(l zerolog.Logger, connID string, wid uint64) zerolog.Logger {
	return l.With().Str("conn", connID).Uint64("wid", wid).Logger()
}
