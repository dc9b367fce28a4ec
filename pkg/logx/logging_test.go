package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "seq"))

	log.Debug("hidden")
	log.Warn("overrun", Uint32("overshoot_ms", 232), Err(errors.New("late")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["comp"] != "seq" || m["message"] != "overrun" || m["err"] != "late" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["overshoot_ms"] != float64(232) {
		t.Fatalf("overshoot_ms = %v", m["overshoot_ms"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller missing")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("first")
	if err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Info("dropped")
	log.Error("second")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Fatalf("missing lines: %q", out)
	}
	if strings.Contains(out, "dropped") {
		t.Fatalf("level change not applied: %q", out)
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled after Apply")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if ParseLevel(" warning ", LevelInfo) != LevelWarn {
		t.Fatal("warning not parsed")
	}
	if ParseLevel("bogus", LevelDebug) != LevelDebug {
		t.Fatal("fallback not used")
	}
	if NewWriter(io.Discard, "off").Enabled(LevelError) {
		t.Fatal("off should disable every level")
	}
}

func TestServiceApplyBadFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	svc, log := New(Config{Level: "info"})
	t.Cleanup(func() { _ = svc.Close() })

	err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	if err == nil {
		t.Fatal("expected error for a file under a regular file")
	}
	if !log.Enabled(LevelDebug) {
		t.Fatal("level should still be applied when the file sink fails")
	}
}

func TestServiceCreatesLogDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "loopsched.log")
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: path}})
	log.Info("hello")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b, err := os.ReadFile(path); err != nil || !strings.Contains(string(b), "hello") {
		t.Fatalf("log file = %q, %v", b, err)
	}
}
