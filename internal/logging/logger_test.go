package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelDebug)
	logger.WithSession("alice").WithDiagram("d1").With("attempt", 2).Info("saved", "bytes", 10)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "saved" || entry["session"] != "alice" || entry["diagram_id"] != "d1" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["attempt"] != float64(2) || entry["bytes"] != float64(10) {
		t.Fatalf("missing attrs %v", entry)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelWarn)
	logger.Info("hidden")
	logger.Debug("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info leaked through warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn missing: %s", buf.String())
	}
}

func TestNewLoggerFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "info")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestContextCarrier(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelInfo)
	ctx := WithContext(context.Background(), logger)
	FromContext(ctx).Info("from ctx")
	if !strings.Contains(buf.String(), "from ctx") {
		t.Fatalf("expected context logger to be used")
	}
	FromContext(context.Background()).Error("discarded")
	var nilLogger *Logger
	nilLogger.Info("no panic")
	if OrNop(nil) == nil {
		t.Fatalf("OrNop returned nil")
	}
}
