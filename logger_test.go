package liverelay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LogLevelDebug, "DEBUG"},
		{LogLevelInfo, "INFO"},
		{LogLevelWarn, "WARN"},
		{LogLevelError, "ERROR"},
		{LogLevelOff, "OFF"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		if got := test.level.String(); got != test.expected {
			t.Errorf("LogLevel(%d).String() = %q, want %q", test.level, got, test.expected)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", LogLevelDebug},
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"WARN", LogLevelWarn},
		{"WARNING", LogLevelWarn},
		{" warn ", LogLevelWarn},
		{"ERROR", LogLevelError},
		{"off", LogLevelOff},
		{"invalid", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, test := range tests {
		if got := ParseLogLevel(test.input); got != test.expected {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", test.input, got, test.expected)
		}
	}
}

func decodeLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWriter(&buf, LogLevelDebug)

	logger.Info("turn_started", map[string]any{"turn_id": "1", "chunks": 3})
	logger.Error("session_failed", map[string]any{"err": errors.New("boom")})

	lines := decodeLogLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	first := lines[0]
	if first["message"] != "turn_started" || first["level"] != "info" {
		t.Errorf("unexpected entry %v", first)
	}
	if first["turn_id"] != "1" || first["chunks"] != float64(3) {
		t.Errorf("fields missing from %v", first)
	}
	if first["component"] != "liverelay" {
		t.Errorf("expected component field, got %v", first["component"])
	}
	if lines[1]["err"] != "boom" {
		t.Errorf("expected error text, got %v", lines[1]["err"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWriter(&buf, LogLevelWarn)

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	logger.Warn("warn", nil)
	logger.Error("error", nil)

	lines := decodeLogLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines at warn level, got %d: %s", len(lines), buf.String())
	}

	buf.Reset()
	logger.SetLevel(LogLevelOff)
	if logger.Level() != LogLevelOff {
		t.Errorf("expected OFF, got %v", logger.Level())
	}
	logger.Error("error", nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output when off, got %q", buf.String())
	}
}

func TestLogger_SetLevelWhileLogging(t *testing.T) {
	logger := NewLoggerWriter(io.Discard, LogLevelInfo)
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session := logger.WithContext(map[string]any{"worker": i})
			for range 200 {
				logger.Info("chunk_forwarded", map[string]any{"worker": i})
				session.Debug("frame_received", nil)
			}
		}()
	}
	for j := range 200 {
		logger.SetLevel([]LogLevel{LogLevelDebug, LogLevelWarn}[j%2])
		_ = logger.Level()
	}
	wg.Wait()
	logger.SetLevel(LogLevelError)
	if logger.Level() != LogLevelError {
		t.Errorf("expected ERROR, got %v", logger.Level())
	}
}

func TestLogger_Level(t *testing.T) {
	for _, level := range []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelOff} {
		if got := NewLoggerWriter(&bytes.Buffer{}, level).Level(); got != level {
			t.Errorf("Level() = %v, want %v", got, level)
		}
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWriter(&buf, LogLevelInfo)
	sessionLogger := base.WithContext(map[string]any{"session_id": "abc"})

	sessionLogger.Info("session_opening", nil)
	base.Info("listening", nil)

	lines := decodeLogLines(t, &buf)
	if lines[0]["session_id"] != "abc" {
		t.Errorf("expected session_id on derived logger, got %v", lines[0])
	}
	if _, ok := lines[1]["session_id"]; ok {
		t.Errorf("base logger should not carry context, got %v", lines[1])
	}
}

func TestLogger_LoggerFunc(t *testing.T) {
	var buf bytes.Buffer
	fn := NewLoggerWriter(&buf, LogLevelInfo).LoggerFunc()
	fn("upstream_connected", map[string]any{"model": "m"})

	lines := decodeLogLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "upstream_connected" || lines[0]["model"] != "m" {
		t.Errorf("unexpected output %v", lines)
	}
}

func TestNewLoggerFromEnv(t *testing.T) {
	t.Setenv("LIVERELAY_LOG_LEVEL", "ERROR")
	if got := NewLoggerFromEnv().Level(); got != LogLevelError {
		t.Errorf("NewLoggerFromEnv() with ERROR env = %v, want %v", got, LogLevelError)
	}

	t.Setenv("LIVERELAY_LOG_LEVEL", "")
	if got := NewLoggerFromEnv().Level(); got != LogLevelInfo {
		t.Errorf("NewLoggerFromEnv() without env = %v, want %v", got, LogLevelInfo)
	}
}
