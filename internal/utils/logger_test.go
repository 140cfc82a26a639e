package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Logger Tests
// =============================================================================

// TestGetLogger verifies singleton pattern - same instance returned
func TestGetLogger(t *testing.T) {
	logger1 := GetLogger()
	logger2 := GetLogger()

	if logger1 != logger2 {
		t.Error("GetLogger() should return same singleton instance")
	}
}

// TestSetVerboseMode verifies SetVerboseMode changes verbose state
func TestSetVerboseMode(t *testing.T) {
	once = sync.Once{}
	loggerInstance = nil

	logger := GetLogger()
	if logger.IsVerbose() {
		t.Error("Logger should not be verbose by default")
	}

	SetVerboseMode(true)
	if !logger.IsVerbose() {
		t.Error("SetVerboseMode(true) should enable verbose mode")
	}

	SetVerboseMode(false)
	if logger.IsVerbose() {
		t.Error("SetVerboseMode(false) should disable verbose mode")
	}
}

// TestDebugOnlyShownWhenVerbose verifies debug output follows the level
func TestDebugOnlyShownWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(LoggerConfig{Output: &buf})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	l.Debug("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("expected no debug output, got %q", buf.String())
	}

	l.SetVerbose(true)
	l.Debug("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("expected debug output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "DEBUG") {
		t.Errorf("expected DEBUG level in console output, got %q", buf.String())
	}
}

// TestLogLevels verifies every level writes at the default level
func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewLogger(LoggerConfig{Output: &buf})

	l.Info("info message")
	l.Warn("warn message")
	l.Error("error %s", "message")

	out := buf.String()
	for _, want := range []string{"INFO", "info message", "WARN", "warn message", "ERROR", "error message"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

// TestJSONFormat verifies json output carries level and fields
func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(LoggerConfig{Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	l.Named("queue").Info("enqueued")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "info" {
		t.Errorf("expected level info, got %v", entry["level"])
	}
	if entry["logger"] != "queue" {
		t.Errorf("expected logger queue, got %v", entry["logger"])
	}
	if entry["msg"] != "enqueued" {
		t.Errorf("expected msg enqueued, got %v", entry["msg"])
	}
}

// TestSetLevelAffectsChildren verifies hot level changes reach named loggers
func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewLogger(LoggerConfig{Level: "warn", Output: &buf})
	child := l.Named("processor")

	child.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn, got %q", buf.String())
	}

	if err := l.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	child.Debug("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected child to follow new level, got %q", buf.String())
	}
	if l.Level() != "debug" {
		t.Errorf("expected level debug, got %q", l.Level())
	}

	if err := l.SetLevel("loud"); err == nil {
		t.Error("expected error for invalid level")
	}
	if l.Level() != "debug" {
		t.Errorf("expected level to stay debug, got %q", l.Level())
	}
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := NewLogger(LoggerConfig{Format: "xml"}); err == nil {
		t.Error("expected error for invalid format")
	}
}

// TestFileOutput verifies the daemon log file is created and appended to
func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	l, err := NewLogger(LoggerConfig{FilePath: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	l.Info("daemon started")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), "daemon started") {
		t.Errorf("expected message in log file, got %q", data)
	}

	// Logging after close is discarded, not a panic.
	l.Info("after close")
}

// TestLoggerThreadSafety verifies concurrent logging and level changes
func TestLoggerThreadSafety(t *testing.T) {
	var buf safeBuffer
	l, _ := NewLogger(LoggerConfig{Output: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.SetVerbose(n%2 == 0)
			l.Info("message %d", n)
			_ = l.IsVerbose()
		}(i)
	}
	wg.Wait()
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
