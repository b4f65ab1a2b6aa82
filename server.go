package liverelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
)

// ErrServerClosed is returned when a session is started on a server that is shutting down.
var ErrServerClosed = errors.New("liverelay: server closed")

// ErrTooManySessions is returned when MaxSessions sessions are already open.
var ErrTooManySessions = errors.New("liverelay: too many sessions")

// Server accepts client channels and runs one RelaySession per channel.
type Server struct {
	opts     ServerOptions
	log      *Logger
	metrics  *Metrics
	tp       trace.TracerProvider
	dial     Dialer
	breaker  *CircuitBreaker
	upgrader websocket.Upgrader
	router   chi.Router

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*RelaySession
	closed   bool
	wg       sync.WaitGroup
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithDialer replaces the upstream dialer, e.g. with a fake in tests.
func WithDialer(d Dialer) ServerOption { return func(s *Server) { s.dial = d } }

// WithLogger sets the server logger.
func WithLogger(l *Logger) ServerOption { return func(s *Server) { s.log = l } }

// WithMetrics sets the metrics sessions report to.
func WithMetrics(m *Metrics) ServerOption { return func(s *Server) { s.metrics = m } }

// WithTracerProvider sets the provider for session spans.
func WithTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) { s.tp = tp }
}

// NewServer builds a Server from opts.
func NewServer(opts ServerOptions, options ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*RelaySession),
	}
	for _, o := range options {
		o(s)
	}
	if s.log == nil {
		s.log = NewLogger(ParseLogLevel(opts.LogLevel))
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("liverelay", nil)
	}
	if s.dial == nil {
		s.dial = NewDialer(opts.UpstreamConfig(s.log))
	}
	s.dial = RetryDialer(s.dial, RetryConfig{
		MaxRetries:      opts.DialRetries,
		BaseDelay:       DefaultRetryConfig().BaseDelay,
		MaxDelay:        DefaultRetryConfig().MaxDelay,
		Multiplier:      2,
		Jitter:          0.1,
		RetryableErrors: DefaultRetryConfig().RetryableErrors,
	})
	if opts.BreakerFailures > 0 {
		s.breaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: opts.BreakerFailures,
			RecoveryTimeout:  opts.BreakerRecovery,
			SuccessThreshold: 1,
		})
		s.dial = s.breaker.Dialer(s.dial)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.cors)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("GenAI Audio Streaming Backend is running."))
	})
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get(s.opts.Path, s.handleRelay)
	return r
}

// Router returns the server's HTTP handler.
func (s *Server) Router() chi.Router { return s.router }

// Handle mounts an extra handler, such as the WebRTC offer endpoint.
func (s *Server) Handle(method, pattern string, h http.Handler) {
	s.router.Method(method, pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.breaker != nil && s.breaker.State() == CircuitOpen {
		status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"sessions": s.ActiveSessions(),
	})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	rate := InputSampleRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			http.Error(w, "invalid rate", http.StatusBadRequest)
			return
		}
		rate = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_failed", map[string]any{"err": err, "remote": r.RemoteAddr})
		return
	}
	ch := NewWSChannel(conn)
	if err := s.ServeChannel(ch, rate, map[string]any{"remote": r.RemoteAddr, "transport": "websocket"}); err != nil &&
		(errors.Is(err, ErrServerClosed) || errors.Is(err, ErrTooManySessions)) {
		wctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		defer cancel()
		_ = ch.WriteMessage(wctx, ErrorMessage(err.Error()))
		_ = ch.Close(CloseGoingAway, "unavailable")
	}
}

// ServeChannel runs a relay session on ch in the background. inputRate is the
// sample rate of the client's audio frames; fields are added to the session's
// log context. It fails without touching ch if the server is closed or full.
func (s *Server) ServeChannel(ch ClientChannel, inputRate int, fields map[string]any) error {
	sess := NewRelaySession(ch, s.dial, RelayOptions{
		Setup:           s.opts.Setup,
		InputSampleRate: inputRate,
		Logger:          s.log.WithContext(fields),
		Metrics:         s.metrics,
		TracerProvider:  s.tp,
	})

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrServerClosed
	case s.opts.MaxSessions > 0 && len(s.sessions) >= s.opts.MaxSessions:
		s.mu.Unlock()
		return ErrTooManySessions
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
		}()
		if err := sess.Run(s.ctx); err != nil && s.opts.OnSessionError != nil {
			s.opts.OnSessionError(sess.ID(), err)
		}
	}()
	return nil
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting sessions, ends the running ones and waits for them
// to release their resources, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

// checkOrigin admits configured origins, same-host pages and non-browser
// clients, which omit Origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// cors answers preflight requests and tags responses for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
