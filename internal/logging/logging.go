// Package logging provides the structured logger used throughout asyncio,
// standing in for the original rdedup source's use of the Rust "slog" crate.
// It is built on github.com/joeycumines/logiface, a generic structured
// logging facade, backed by github.com/joeycumines/izerolog (zerolog).
package logging

import (
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used across this module.
type Logger = logiface.Logger[*izerolog.Event]

// New builds a Logger that writes newline-delimited JSON to w (os.Stderr if
// nil), at the given minimum level. The asyncio facade and all of its
// workers share the one Logger passed to asyncio.New; it carries no
// per-worker static fields.
func New(w *os.File, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		izerolog.L.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](level),
	)
}

// Nop returns a Logger that discards everything, for tests and for callers
// that have no interest in asyncio's diagnostic output.
func Nop() *Logger {
	return New(devNull(), logiface.LevelDisabled)
}

func devNull() *os.File {
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		// os.DevNull is always openable on every platform Go supports;
		// falling back to Stderr just means Nop loggers become noisy,
		// never that construction fails.
		return os.Stderr
	}
	return f
}

// Levels re-exported for callers that only depend on this package.
const (
	LevelDebug = logiface.LevelDebug
	LevelInfo  = logiface.LevelInformational
	LevelWarn  = logiface.LevelWarning
	LevelError = logiface.LevelError
)
