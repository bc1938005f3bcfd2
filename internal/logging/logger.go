package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the service logger. format "console" gives human-readable output; anything
// else emits JSON lines.
func New(service, level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, service, level, format)
}

func NewWithWriter(w io.Writer, service, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := w
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger()
}
