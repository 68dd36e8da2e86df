package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how a logger instance should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Transcript  TranscriptConfig
}

// TranscriptConfig controls where raw LLM exchanges are recorded.
type TranscriptConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Compress gzips rotated backups.
	Compress bool
}

// Logger bundles the application logger, the transcript logger and the
// outputs they own.
type Logger struct {
	base       *slog.Logger
	transcript *slog.Logger
	closers    []io.Closer
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// New builds an isolated logger. Callers own the returned instance and must
// call Close when done.
func New(cfg Config) (*Logger, error) {
	l := &Logger{}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	handler, err := l.buildHandler(cfg.Format, cfg.OutputPaths, opts)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	l.base = slog.New(handler)
	l.transcript = l.base

	if cfg.Transcript.Enabled {
		transcript, err := l.buildTranscriptLogger(cfg.Transcript)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.transcript = transcript
	}
	return l, nil
}

// Init configures the process-wide logger returned by L.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	previous := defaultLogger
	defaultLogger = l
	mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	slog.SetDefault(l.base)
	return nil
}

func (l *Logger) buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	} else {
		for _, out := range outputs {
			writer, closer, err := openWriter(out)
			if err != nil {
				return nil, err
			}
			if closer != nil {
				l.closers = append(l.closers, closer)
			}
			writers = append(writers, writer)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func (l *Logger) buildTranscriptLogger(cfg TranscriptConfig) (*slog.Logger, error) {
	writer, err := newTranscriptWriter(cfg)
	if err != nil {
		return nil, err
	}
	l.closers = append(l.closers, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog returns the structured application logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.base == nil {
		return slog.Default()
	}
	return l.base
}

// Transcript returns the logger that records LLM exchanges.
func (l *Logger) Transcript() *slog.Logger {
	if l == nil || l.transcript == nil {
		return l.Slog()
	}
	return l.transcript
}

// Named returns a child logger tagged with the provided component name.
func (l *Logger) Named(name string) *slog.Logger {
	return l.Slog().With(slog.String("component", name))
}

// Close flushes and closes every file output owned by the logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var err error
	for _, closer := range l.closers {
		err = errors.Join(err, closer.Close())
	}
	l.closers = nil
	return err
}

// L returns the process-wide structured logger.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l.Slog()
}

// Named returns a child of the process-wide logger with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Transcript returns the transcript logger of the process-wide logger.
func Transcript() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l.Transcript()
}

// Sync closes the outputs of the process-wide logger.
func Sync() error {
	mu.Lock()
	l := defaultLogger
	defaultLogger = nil
	mu.Unlock()
	return l.Close()
}
