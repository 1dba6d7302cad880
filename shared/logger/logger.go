package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls log output
type Options struct {
	Level   string
	Format  string // "json" or "console"
	Service string
}

// New builds a zerolog logger writing to w. Unknown levels fall back to info.
func New(w io.Writer, opts Options) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if opts.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger()
}

// Setup builds the process logger and installs it as the global log.Logger
func Setup(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := New(os.Stdout, opts)
	log.Logger = l
	return l
}
