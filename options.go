package liverelay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRelayPath is where browsers open their relay channel.
const DefaultRelayPath = "/api/genai-audio"

// ServerOptions configures a relay Server. It can be loaded from YAML and
// then overridden from the environment.
type ServerOptions struct {
	// Addr is the listen address. Default: ":5050"
	Addr string `yaml:"addr"`

	// Path of the WebSocket relay endpoint. Default: DefaultRelayPath
	Path string `yaml:"path"`

	// Endpoint and Model select the upstream. Defaults: DefaultEndpoint, DefaultModel
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`

	// APIKey authenticates upstream. It is only read from the environment.
	APIKey string `yaml:"-"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	SendTimeout time.Duration `yaml:"send_timeout"`

	// DialRetries retries a failed upstream open. Default: 0
	DialRetries int `yaml:"dial_retries"`

	// BreakerFailures consecutive open failures make the relay fail fast for
	// BreakerRecovery. Zero disables the breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerRecovery time.Duration `yaml:"breaker_recovery"`

	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// same-host and non-browser clients only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions caps concurrent sessions. Zero means no limit.
	MaxSessions int `yaml:"max_sessions"`

	// WebRTC enables the DataChannel offer endpoint.
	WebRTC     bool     `yaml:"webrtc"`
	ICEServers []string `yaml:"ice_servers"`

	LogLevel string `yaml:"log_level"`

	// Setup is sent upstream for every session.
	Setup Setup `yaml:"setup"`

	// OnSessionError is called when a session ends with an error.
	OnSessionError func(sessionID string, err error) `yaml:"-"`
}

// DefaultServerOptions returns the options used when nothing is configured.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Addr:            ":5050",
		Path:            DefaultRelayPath,
		Endpoint:        DefaultEndpoint,
		Model:           DefaultModel,
		DialTimeout:     20 * time.Second,
		SendTimeout:     10 * time.Second,
		BreakerFailures: 5,
		BreakerRecovery: 30 * time.Second,
		LogLevel:        "info",
		Setup:           DefaultSetup(),
	}
}

// LoadServerOptions reads YAML options from path on top of the defaults.
func LoadServerOptions(path string) (ServerOptions, error) {
	f, err := os.Open(path)
	if err != nil {
		return ServerOptions{}, fmt.Errorf("options: open %q: %w", path, err)
	}
	defer f.Close()

	opts, err := LoadServerOptionsFromReader(f)
	if err != nil {
		return ServerOptions{}, fmt.Errorf("options: parse %q: %w", path, err)
	}
	return opts, nil
}

// LoadServerOptionsFromReader decodes YAML options from r on top of the
// defaults. Unknown keys are an error.
func LoadServerOptionsFromReader(r io.Reader) (ServerOptions, error) {
	opts := DefaultServerOptions()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return ServerOptions{}, fmt.Errorf("options: decode yaml: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return ServerOptions{}, err
	}
	return opts, nil
}

// ApplyEnv overrides options from environment variables read through getenv.
func (o *ServerOptions) ApplyEnv(getenv func(string) string) error {
	if v := getenv("GEMINI_API_KEY"); v != "" {
		o.APIKey = v
	}
	if v := getenv("PORT"); v != "" {
		o.Addr = ":" + v
	}
	if v := getenv("LIVERELAY_MODEL"); v != "" {
		o.Model = v
	}
	if v := getenv("LIVERELAY_LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}
	if v := getenv("LIVERELAY_ALLOWED_ORIGINS"); v != "" {
		o.AllowedOrigins = o.AllowedOrigins[:0]
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				o.AllowedOrigins = append(o.AllowedOrigins, origin)
			}
		}
	}
	if v := getenv("LIVERELAY_INSTRUCTIONS_FILE"); v != "" {
		b, err := os.ReadFile(v)
		if err != nil {
			return fmt.Errorf("options: read instructions: %w", err)
		}
		o.Setup.Instructions = strings.TrimSpace(string(b))
	}
	return o.Validate()
}

// Validate checks that the options are coherent. It reports every problem found.
func (o ServerOptions) Validate() error {
	var errs []error
	if o.Addr == "" {
		errs = append(errs, NewConfigError("addr", "", "cannot be empty"))
	}
	if !strings.HasPrefix(o.Path, "/") {
		errs = append(errs, NewConfigError("path", o.Path, "must start with /"))
	}
	if o.DialRetries < 0 {
		errs = append(errs, NewConfigError("dial_retries", fmt.Sprint(o.DialRetries), "cannot be negative"))
	}
	if o.MaxSessions < 0 {
		errs = append(errs, NewConfigError("max_sessions", fmt.Sprint(o.MaxSessions), "cannot be negative"))
	}
	if o.BreakerFailures < 0 {
		errs = append(errs, NewConfigError("breaker_failures", fmt.Sprint(o.BreakerFailures), "cannot be negative"))
	}
	if err := ValidateSetup(o.Setup); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UpstreamConfig builds the upstream Config the server dials with.
func (o ServerOptions) UpstreamConfig(logger *Logger) Config {
	return Config{
		Endpoint:         o.Endpoint,
		Model:            o.Model,
		Credential:       APIKey(o.APIKey),
		DialTimeout:      o.DialTimeout,
		SendTimeout:      o.SendTimeout,
		StructuredLogger: logger,
	}
}
