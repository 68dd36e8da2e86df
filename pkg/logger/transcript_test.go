package logger

import (
	"path/filepath"
	"testing"
)

func TestTranscriptWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "llm.jsonl")
	w, err := newTranscriptWriter(TranscriptConfig{Path: path})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if w.MaxSize != DefaultTranscriptMaxSizeMB || w.MaxBackups != DefaultTranscriptMaxBackups || w.MaxAge != DefaultTranscriptMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", w)
	}
	if _, err := w.Write([]byte("{}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestTranscriptWriterKeepsExplicitLimits(t *testing.T) {
	w, err := newTranscriptWriter(TranscriptConfig{Path: filepath.Join(t.TempDir(), "t.jsonl"), MaxSizeMB: 5, MaxBackups: 2, MaxAgeDays: 1, Compress: true})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if w.MaxSize != 5 || w.MaxBackups != 2 || w.MaxAge != 1 || !w.Compress {
		t.Fatalf("unexpected limits: %+v", w)
	}
}
