package liverelay

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LogLevelDebug logs everything including detailed debugging information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs informational messages and above
	LogLevelInfo
	// LogLevelWarn logs warnings and above
	LogLevelWarn
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

// String returns the string representation of a LogLevel
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to LogLevel. Unknown values map to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Logger provides structured logging with configurable levels. Every entry
// carries an event name plus free-form fields and is written as one JSON line.
type Logger struct {
	mu sync.RWMutex
	zl zerolog.Logger
}

// NewLogger creates a new structured logger writing to stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWriter(os.Stderr, level)
}

// NewLoggerWriter creates a logger writing to w. Tests use it with a buffer.
func NewLoggerWriter(w io.Writer, level LogLevel) *Logger {
	zl := zerolog.New(w).Level(level.zerolog()).With().
		Timestamp().
		Str("component", "liverelay").
		Logger()
	return &Logger{zl: zl}
}

// NewLoggerFromEnv creates a logger with level from LIVERELAY_LOG_LEVEL env var
func NewLoggerFromEnv() *Logger {
	level := ParseLogLevel(os.Getenv("LIVERELAY_LOG_LEVEL"))
	return NewLogger(level)
}

// SetLevel updates the logger's minimum level. It is safe to call while
// other goroutines log.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.zl = l.zl.Level(level.zerolog())
	l.mu.Unlock()
}

func (l *Logger) current() zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

// Level reports the logger's minimum level.
func (l *Logger) Level() LogLevel {
	switch zl := l.current(); zl.GetLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return LogLevelDebug
	case zerolog.InfoLevel:
		return LogLevelInfo
	case zerolog.WarnLevel:
		return LogLevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LogLevelError
	default:
		return LogLevelOff
	}
}

// Debug logs debug-level messages
func (l *Logger) Debug(event string, fields map[string]any) {
	zl := l.current()
	l.log(zl.Debug(), event, fields)
}

// Info logs info-level messages
func (l *Logger) Info(event string, fields map[string]any) {
	zl := l.current()
	l.log(zl.Info(), event, fields)
}

// Warn logs warning-level messages
func (l *Logger) Warn(event string, fields map[string]any) {
	zl := l.current()
	l.log(zl.Warn(), event, fields)
}

// Error logs error-level messages
func (l *Logger) Error(event string, fields map[string]any) {
	zl := l.current()
	l.log(zl.Error(), event, fields)
}

func (l *Logger) log(e *zerolog.Event, event string, fields map[string]any) {
	if e == nil {
		return
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			e = e.AnErr(k, err)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(event)
}

// LoggerFunc creates a logger function compatible with the Config.Logger field
func (l *Logger) LoggerFunc() func(string, map[string]any) {
	return func(event string, fields map[string]any) {
		l.Info(event, fields)
	}
}

// DefaultLogger is the default logger instance used when no custom logger is provided
var DefaultLogger = NewLoggerFromEnv()

// LogDebug logs a debug message using the default logger
func LogDebug(event string, fields map[string]any) {
	DefaultLogger.Debug(event, fields)
}

// LogInfo logs an info message using the default logger
func LogInfo(event string, fields map[string]any) {
	DefaultLogger.Info(event, fields)
}

// LogWarn logs a warning message using the default logger
func LogWarn(event string, fields map[string]any) {
	DefaultLogger.Warn(event, fields)
}

// LogError logs an error message using the default logger
func LogError(event string, fields map[string]any) {
	DefaultLogger.Error(event, fields)
}

// WithContext returns a logger that includes the given fields in every entry.
// Per-call fields with the same key are written after and win for readers that
// keep the last value.
func (l *Logger) WithContext(context map[string]any) *Logger {
	c := l.current().With()
	for k, v := range context {
		c = c.Interface(k, v)
	}
	return &Logger{zl: c.Logger()}
}

// Zerolog exposes the underlying zerolog logger for callers that want its API.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.current()
}
