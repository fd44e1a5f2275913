// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/helicontrade/tracking/internal/config"
)

// Setup configures the global logger and returns a closer for the file output, if any.
func Setup(cfg config.LogConfig) io.Closer {
	var (
		output io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if cfg.File != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		if w.MaxSize == 0 {
			w.MaxSize = 100
		}
		if w.MaxBackups == 0 {
			w.MaxBackups = 3
		}
		if w.MaxAge == 0 {
			w.MaxAge = 28
		}
		output = w
		closer = w
	} else if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return closer
}

// ParseLevel falls back to info for unknown or empty levels.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
