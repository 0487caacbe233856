package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterShiftsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"0123456789\n", "abcdefghij\n", "ABCDEFGHIJ\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if strings.TrimSpace(string(current)) != "ABCDEFGHIJ" {
		t.Fatalf("unexpected current content: %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if strings.TrimSpace(string(first)) != "abcdefghij" {
		t.Fatalf("unexpected backup content: %q", first)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
}

func TestInitWritesAuditStream(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "events.log")

	if err := Init(Config{Level: "debug", Format: "text", OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() {
		_ = Sync()
		_ = Init(Config{OutputPaths: []string{"discard"}})
	}()

	Audit().Info("bundle created", "bundle_id", "b-1")
	Named("test").Debug("debug line")

	content, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(content), `"bundle_id":"b-1"`) || !strings.Contains(string(content), `"stream":"audit"`) {
		t.Fatalf("audit record missing: %s", content)
	}
}
