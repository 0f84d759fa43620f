package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func nextEvent(t *testing.T, fw *FileWatcher) FileEvent {
	t.Helper()
	select {
	case ev := <-fw.Events():
		return ev
	case err := <-fw.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return FileEvent{}
}

// TestFileWatcher tests create, modify and delete of the watched file.
func TestFileWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(path); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fw.Stop()

	if !fw.IsRunning() {
		t.Fatal("watcher not running after Start")
	}
	if err := fw.Start(path); err == nil {
		t.Error("second Start() succeeded")
	}

	// Other files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("a = 1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	ev := nextEvent(t, fw)
	if ev.Op != OpCreate || filepath.Base(ev.Path) != "config.toml" {
		t.Errorf("event = %+v, want create of config.toml", ev)
	}

	// Drain the write that belongs to the create.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	for {
		ev = nextEvent(t, fw)
		if ev.Op == OpDelete {
			break
		}
	}
}

func TestFileWatcher_Stop(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(filepath.Join(t.TempDir(), "config.toml")); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("watcher running after Stop")
	}
	if _, ok := <-fw.Events(); ok {
		t.Error("events channel open after Stop")
	}
}

func TestEventOpString(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
