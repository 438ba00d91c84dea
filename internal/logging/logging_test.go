package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestFileOutputAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, err := New(Options{Level: "warn", File: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Infow("hidden", "k", 1)
	log.Warnw("sequence number wrapped", "max", 10000)
	log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info entry written below the configured level")
	}
	if !strings.Contains(out, "sequence number wrapped") || !strings.Contains(out, "WARN") {
		t.Errorf("expected the warning in the log file, got %q", out)
	}
}
