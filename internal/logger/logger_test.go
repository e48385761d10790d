package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"none", LevelNone},
		{"NONE", LevelNone},
		{"invalid", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelNone, "NONE"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := tt.level.String()
			if result != tt.expected {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	// Create temp directory for test logs
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	// Create logger
	logger, err := New(LevelInfo, logPath, "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	// Write some logs
	logger.Info("test message")
	logger.Debug("should not appear")

	// Close to flush
	logger.Close()

	// Read log file
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)

	// Check that info message appears
	if !strings.Contains(contentStr, "test message") {
		t.Errorf("Log file missing info message")
	}

	// Check that debug message does not appear (level is INFO)
	if strings.Contains(contentStr, "should not appear") {
		t.Errorf("Log file contains debug message when level is INFO")
	}

	// Check prefix
	if !strings.Contains(contentStr, "[test]") {
		t.Errorf("Log file missing prefix")
	}
}

func TestLoggerWithPrefix(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	logger, err := New(LevelInfo, logPath, "parent")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	// Create child logger with additional prefix
	childLogger := logger.WithPrefix("child")
	childLogger.Info("test message")

	logger.Close()

	// Read log file
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)

	// Check that combined prefix appears
	if !strings.Contains(contentStr, "[parent:child]") {
		t.Errorf("Log file missing combined prefix, got: %s", contentStr)
	}
}

func TestLoggerDisabled(t *testing.T) {
	// Create logger with LevelNone
	logger, err := New(LevelNone, "", "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	// These should not panic or error
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}

func TestSetLevel(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	logger, err := New(LevelInfo, logPath, "")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	// Initial level is INFO
	logger.Info("info1")
	logger.Debug("debug1")

	// Change to DEBUG
	logger.SetLevel(LevelDebug)
	logger.Info("info2")
	logger.Debug("debug2")

	logger.Close()

	// Read log file
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)

	// debug1 should not appear, debug2 should appear
	if strings.Contains(contentStr, "debug1") {
		t.Errorf("debug1 should not appear (level was INFO)")
	}
	if !strings.Contains(contentStr, "debug2") {
		t.Errorf("debug2 should appear (level changed to DEBUG)")
	}
	if !strings.Contains(contentStr, "info1") || !strings.Contains(contentStr, "info2") {
		t.Errorf("info messages should always appear")
	}
}

func TestWriterLoggerSharesLevelWithChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(LevelWarn, &buf, "autopilot")
	child := parent.WithPrefix("session")

	child.Info("hidden")
	parent.SetLevel(LevelInfo)
	child.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written while level was WARN: %s", out)
	}
	if !strings.Contains(out, "[autopilot:session] visible") {
		t.Errorf("expected prefixed child line, got: %s", out)
	}
}

func TestNopAndOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NewWriter(LevelDebug, nil, "")
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}

	// Should not panic
	Nop().Error("dropped %d", 1)
}

func TestSlogHandlerForwardsAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelDebug, &buf, "http")
	slogger := slog.New(NewSlogHandler(l)).WithGroup("req")

	slogger.Warn("slow request", "path", "/ws", "ms", 1200)

	out := buf.String()
	if !strings.Contains(out, "[WARN]") {
		t.Errorf("expected WARN level, got: %s", out)
	}
	if !strings.Contains(out, "req.path=/ws") || !strings.Contains(out, "req.ms=1200") {
		t.Errorf("expected grouped attrs, got: %s", out)
	}
}

func TestSlogHandlerBindsAttrsBeforeGroup(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelInfo, &buf, "")
	slogger := slog.New(NewSlogHandler(l)).With("session", "s1").WithGroup("step")

	slogger.Debug("dropped")
	slogger.Info("ran", slog.Group("tokens", "in", 10), "name", "Ask")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("debug line written at INFO level: %s", out)
	}
	if !strings.Contains(out, "ran session=s1 step.tokens.in=10 step.name=Ask") {
		t.Errorf("unexpected attr rendering: %s", out)
	}
}

func TestStdLoggerWritesAtLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelDebug, &buf, "web")
	StdLogger(l, slog.LevelError).Printf("http: panic serving %s", "127.0.0.1:1")

	out := buf.String()
	if !strings.Contains(out, "[ERROR] [web] http: panic serving 127.0.0.1:1") {
		t.Errorf("expected error line from std logger, got: %s", out)
	}
}

func TestSetDefaultRoutesLibraryLogs(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetDefault(NewWriter(LevelDebug, &buf, "autopilot"))
	slog.Warn("retrying request", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, "[WARN] [autopilot:sdk] retrying request attempt=2") {
		t.Errorf("expected slog default to reach the logger, got: %s", out)
	}
}
