package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mschirtzinger/todosync/internal/config"
)

func TestLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "todosync.log")

	l, err := New(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1}, false)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	l.Logger("sync").Printf("Refresh complete: upserted=%d", 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[sync] ") || !strings.Contains(string(data), "upserted=3") {
		t.Errorf("log file = %q", data)
	}
}

func TestLogger_Quiet(t *testing.T) {
	l, err := New(config.LogConfig{}, false)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if l.Writer() != io.Discard {
		t.Error("quiet logging without a file does not discard")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	l, _ = New(config.LogConfig{Verbose: true}, false)
	if l.Writer() != os.Stderr {
		t.Error("verbose logging does not write to stderr")
	}
}
