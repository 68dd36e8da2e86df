package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Defaults applied to zero-valued TranscriptConfig fields.
const (
	DefaultTranscriptMaxSizeMB  = 100
	DefaultTranscriptMaxBackups = 7
	DefaultTranscriptMaxAgeDays = 30
)

// newTranscriptWriter returns a size-rotated writer for LLM exchange records.
// Backups are named by lumberjack with a timestamp suffix and pruned by count
// and age.
func newTranscriptWriter(cfg TranscriptConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("transcript path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  false,
		Compress:   cfg.Compress,
	}
	if w.MaxSize <= 0 {
		w.MaxSize = DefaultTranscriptMaxSizeMB
	}
	if w.MaxBackups <= 0 {
		w.MaxBackups = DefaultTranscriptMaxBackups
	}
	if w.MaxAge <= 0 {
		w.MaxAge = DefaultTranscriptMaxAgeDays
	}
	return w, nil
}
