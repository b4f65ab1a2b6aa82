package liverelay

import (
	"errors"
	"fmt"
	"net/url"
)

// Common error variables
var (
	// ErrClosed is returned when attempting to use a session that has been closed.
	// Open a new session to resume streaming; dropped sessions are never resumed.
	ErrClosed = errors.New("liverelay: connection is closed")

	// ErrInvalidConfig is returned when required configuration fields are missing.
	ErrInvalidConfig = errors.New("liverelay: invalid configuration")

	// ErrConnectionFailed is returned when the upstream session cannot be established.
	ErrConnectionFailed = errors.New("liverelay: connection failed")

	// ErrSendTimeout is returned when sending a message times out.
	ErrSendTimeout = errors.New("liverelay: send timeout")

	// ErrInvalidEventData is returned when an upstream event cannot be parsed.
	ErrInvalidEventData = errors.New("liverelay: invalid event data")

	// ErrTransport is returned when the client channel can no longer be written to.
	ErrTransport = errors.New("liverelay: client transport failed")

	// ErrDecode is returned when a relayed audio payload cannot be decoded.
	ErrDecode = errors.New("liverelay: audio decode failed")

	// ErrCircuitOpen is returned when the upstream has failed too often recently.
	ErrCircuitOpen = errors.New("liverelay: circuit breaker is open")
)

// ConfigError represents a configuration validation error.
// It provides detailed information about which configuration field is invalid.
type ConfigError struct {
	Field   string // The configuration field that is invalid
	Value   string // The invalid value (if safe to log)
	Message string // Detailed error message
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("liverelay: invalid config field %q (value: %q): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("liverelay: invalid config field %q: %s", e.Field, e.Message)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ConnectionError represents a failure to establish the upstream session.
// It is fatal for the relay session that attempted it.
type ConnectionError struct {
	URL       string // The upstream URL, with credentials redacted
	Cause     error  // The underlying error
	Operation string // The operation that failed (e.g., "dial", "setup")
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("liverelay: %s failed for %q: %v", e.Operation, e.URL, e.Cause)
	}
	return fmt.Sprintf("liverelay: %s failed for %q", e.Operation, e.URL)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ConnectionError.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// SendError represents an error that occurred while sending data upstream.
type SendError struct {
	EventType string // The type of message being sent
	Cause     error  // The underlying error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("liverelay: failed to send %s: %v", e.EventType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// IsTimeout returns true if the error was caused by a timeout.
func (e *SendError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrSendTimeout)
}

// ProtocolError is a malformed or unexpected upstream message. The session
// that observed it keeps running.
type ProtocolError struct {
	EventType string // The kind of message that could not be processed
	RawData   []byte // The raw frame (if available)
	Cause     error  // The underlying parsing error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("liverelay: failed to process upstream %s message: %v", e.EventType, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrInvalidEventData
}

// TransportError is a failure of the client-facing channel. The relay session
// is torn down and its upstream released.
type TransportError struct {
	Operation string
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("liverelay: client %s failed: %v", e.Operation, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DecodeError is a relayed audio chunk that could not be turned into samples.
// Only that chunk is dropped.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("liverelay: decode audio: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("liverelay: decode audio: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Helper functions for creating specific errors

// NewConfigError creates a new configuration error.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewConnectionError creates a new connection error. Query parameters of rawURL
// are redacted so API keys never leak into logs or client messages.
func NewConnectionError(rawURL, operation string, cause error) *ConnectionError {
	return &ConnectionError{
		URL:       redactURL(rawURL),
		Operation: operation,
		Cause:     cause,
	}
}

// NewSendError creates a new send error.
func NewSendError(eventType string, cause error) *SendError {
	return &SendError{
		EventType: eventType,
		Cause:     cause,
	}
}

// NewProtocolError creates a new upstream protocol error.
func NewProtocolError(eventType string, rawData []byte, cause error) *ProtocolError {
	return &ProtocolError{
		EventType: eventType,
		RawData:   rawData,
		Cause:     cause,
	}
}

// NewTransportError creates a new client transport error.
func NewTransportError(operation string, cause error) *TransportError {
	return &TransportError{Operation: operation, Cause: cause}
}

// NewDecodeError creates a new decode error.
func NewDecodeError(reason string, cause error) *DecodeError {
	return &DecodeError{Reason: reason, Cause: cause}
}

// IsRecoverable reports whether a session can keep running after err.
// Protocol errors, upstream send errors and per-chunk decode errors are
// recoverable; everything else ends the session.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrClosed) {
		return false
	}
	var sendErr *SendError
	return errors.Is(err, ErrInvalidEventData) || errors.Is(err, ErrDecode) || errors.As(err, &sendErr)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	for _, k := range []string{"key", "access_token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Validation helper functions

// ValidateConfig performs comprehensive configuration validation.
func ValidateConfig(cfg Config) error {
	if cfg.Endpoint == "" {
		return NewConfigError("Endpoint", "", "cannot be empty")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return NewConfigError("Endpoint", cfg.Endpoint, "invalid URL format")
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return NewConfigError("Endpoint", cfg.Endpoint, "scheme must be ws, wss, http or https")
	}

	if cfg.Model == "" {
		return NewConfigError("Model", "", "cannot be empty")
	}

	if cfg.Credential == nil {
		return NewConfigError("Credential", "", "cannot be nil")
	}

	if cfg.DialTimeout < 0 {
		return NewConfigError("DialTimeout", cfg.DialTimeout.String(), "cannot be negative")
	}

	if cfg.SendTimeout < 0 {
		return NewConfigError("SendTimeout", cfg.SendTimeout.String(), "cannot be negative")
	}

	return nil
}
