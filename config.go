package liverelay

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the Gemini Live bidirectional streaming endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// DefaultModel is the native-audio dialog model used when none is configured.
const DefaultModel = "gemini-2.5-flash-preview-native-audio-dialog"

// Credential represents an authentication method for the upstream speech model.
// Implementations attach credentials to the handshake URL or headers.
type Credential interface {
	apply(u *url.URL, h http.Header)
}

// APIKey implements Credential using the "key" query parameter, which is how
// Gemini API keys are passed to the Live endpoint.
type APIKey string

func (k APIKey) apply(u *url.URL, _ http.Header) {
	if k == "" {
		return
	}
	q := u.Query()
	q.Set("key", string(k))
	u.RawQuery = q.Encode()
}

// Bearer implements Credential using OAuth2 Bearer token authentication.
// Use this with short-lived access tokens instead of a long-lived key.
type Bearer string

func (b Bearer) apply(_ *url.URL, h http.Header) {
	if b != "" {
		h.Set("Authorization", "Bearer "+string(b))
	}
}

// Config holds the options for opening an upstream session.
type Config struct {
	// Endpoint is the WebSocket URL of the Live API.
	// Default: DefaultEndpoint
	// Required: Yes
	Endpoint string

	// Model is the model name, with or without the "models/" prefix.
	// Required: Yes
	Model string

	// Credential provides authentication for the upstream.
	// Use APIKey for key-based auth or Bearer for token-based auth.
	// Required: Yes
	Credential Credential

	// DialTimeout bounds the handshake plus the wait for setupComplete.
	// If zero, only the caller's context applies.
	// Recommended: 10-30 seconds
	// Required: No
	DialTimeout time.Duration

	// SendTimeout bounds each upstream write. If zero, 10 seconds is used.
	// Required: No
	SendTimeout time.Duration

	// HandshakeHeaders allows adding custom headers to the WebSocket handshake request.
	// Useful for proxy authentication, tracing headers, etc.
	// Required: No
	HandshakeHeaders http.Header

	// Logger is called for significant events and can be used for debugging and monitoring.
	// Events include: upstream_connected, bad_event_json, upstream_go_away.
	// Required: No (if nil, no logging occurs)
	Logger func(event string, fields map[string]any)

	// StructuredLogger provides structured logging with configurable levels.
	// If both Logger and StructuredLogger are provided, StructuredLogger takes precedence.
	// Required: No
	StructuredLogger *Logger
}

// DefaultConfig returns a Config for the public Gemini endpoint using apiKey.
func DefaultConfig(apiKey string) Config {
	return Config{
		Endpoint:    DefaultEndpoint,
		Model:       DefaultModel,
		Credential:  APIKey(apiKey),
		DialTimeout: 20 * time.Second,
		SendTimeout: 10 * time.Second,
	}
}

func (c Config) modelPath() string {
	if strings.HasPrefix(c.Model, "models/") || strings.HasPrefix(c.Model, "tunedModels/") {
		return c.Model
	}
	return "models/" + c.Model
}

func (c Config) sendTimeout() time.Duration {
	if c.SendTimeout > 0 {
		return c.SendTimeout
	}
	return 10 * time.Second
}
