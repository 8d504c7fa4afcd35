// Package logging configures the process-wide zerolog logger: a console
// writer on stderr, plus rotating file sinks when a log directory is set.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the global logger. With a non-empty logDir, everything goes
// to loadbalancer.log and errors additionally to error.log, both rotated.
func Setup(level, logDir string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		writers = append(writers,
			&lumberjack.Logger{
				Filename:   filepath.Join(logDir, "loadbalancer.log"),
				MaxSize:    50, // MB
				MaxBackups: 7,
				MaxAge:     7, // days
			},
			&errorOnlyWriter{w: &lumberjack.Logger{
				Filename:   filepath.Join(logDir, "error.log"),
				MaxSize:    50,
				MaxBackups: 7,
				MaxAge:     7,
			}},
		)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger()
	return nil
}

// errorOnlyWriter forwards only error-and-up events to its sink.
type errorOnlyWriter struct {
	w io.Writer
}

func (e *errorOnlyWriter) Write(p []byte) (int, error) {
	return e.w.Write(p)
}

func (e *errorOnlyWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < zerolog.ErrorLevel {
		return len(p), nil
	}
	return e.w.Write(p)
}
