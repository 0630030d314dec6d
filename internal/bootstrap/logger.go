package bootstrap

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger writing to w (stderr when nil) with
// timestamp, service and version fields. An unknown level falls back to
// info.
func NewLogger(w io.Writer, level, service, version string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}
