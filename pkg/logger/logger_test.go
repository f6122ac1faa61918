package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	log, err := NewFile("warn", path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	log.Named("messenger").WithContext("req-1", "").Info("dropped")
	log.Named("messenger").WithContext("req-1", "").Warn("kept", zap.Int("attempt", 3))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["logger"] != "messenger" || entry["correlation_id"] != "req-1" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["user_id"]; ok {
		t.Errorf("empty user_id was logged: %v", entry)
	}
}

func TestGlobal(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() = nil before SetGlobal")
	}
	l := NewNop()
	SetGlobal(l)
	t.Cleanup(func() { SetGlobal(nil) })
	if Global() != l {
		t.Error("Global() did not return the logger passed to SetGlobal")
	}
}
