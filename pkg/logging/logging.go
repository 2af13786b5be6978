// Package logging builds the zerolog logger used by the engine and its CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"

	"mprengine/pkg/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup returns a logger configured from cfg and a closer for its output.
// With no log file configured, human readable lines go to stderr.
func Setup(cfg config.Logging) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.File == "" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(out).Level(level).With().Timestamp().Logger(), nopCloser{}
	}

	l := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxAge:     cfg.MaxAge,  // days
		MaxBackups: cfg.MaxBackups,
	}
	return zerolog.New(l).Level(level).With().Timestamp().Logger(), l
}

// Component tags a logger with the name of the subsystem writing to it.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
