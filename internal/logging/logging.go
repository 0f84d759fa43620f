// Package logging builds the component loggers used across todosync.
//
// Every component logs through a *log.Logger with a bracketed prefix such as
// "[sync] ". The loggers share one writer: stderr when verbose output is on,
// plus a size-rotated log file when one is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/todosync/internal/config"
)

// Logging owns the shared writer.
type Logging struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New sets up logging from cfg. Output goes to stderr when cfg.Verbose or
// stderr is set; without either and without a log file, logs are discarded.
func New(cfg config.LogConfig, stderr bool) (*Logging, error) {
	var writers []io.Writer
	if cfg.Verbose || stderr {
		writers = append(writers, os.Stderr)
	}

	l := &Logging{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return nil, err
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, l.file)
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Logger returns a logger for component, e.g. Logger("sync") prefixes lines
// with "[sync] ".
func (l *Logging) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared writer.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
