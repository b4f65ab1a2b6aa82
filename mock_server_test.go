package liverelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// MockServer simulates the Live API's BidiGenerateContent endpoint. Each
// connection is acknowledged with setupComplete and then handed to the Script.
type MockServer struct {
	server *httptest.Server
	t      *testing.T

	// Script drives a session after setup. If nil the session reads until closed.
	Script func(s *MockSession)
	// RejectSetup replies to setup with an error message instead of setupComplete.
	RejectSetup *serverError
	// SkipSetupComplete never acknowledges setup.
	SkipSetupComplete bool

	mu       sync.Mutex
	setups   []setupMessage
	queries  []string
	sessions chan *MockSession
}

// MockSession is one accepted upstream connection.
type MockSession struct {
	t      *testing.T
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	Setup  setupMessage
	audio  chan []byte
}

// NewMockServer creates a new mock server for testing.
func NewMockServer(t *testing.T) *MockServer {
	ms := &MockServer{t: t, sessions: make(chan *MockSession, 8)}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleWebSocket))
	t.Cleanup(ms.Close)
	return ms
}

// Close shuts down the mock server.
func (ms *MockServer) Close() {
	ms.server.Close()
}

// URL returns the ws:// endpoint of the mock server.
func (ms *MockServer) URL() string {
	return "ws" + strings.TrimPrefix(ms.server.URL, "http") + bidiPath
}

// Config returns a valid Config pointing at the mock server.
func (ms *MockServer) Config() Config {
	return Config{
		Endpoint:    ms.URL(),
		Model:       "test-model",
		Credential:  APIKey("test-key"),
		DialTimeout: 5 * time.Second,
		SendTimeout: 2 * time.Second,
	}
}

// Setups returns the setup messages received so far.
func (ms *MockServer) Setups() []setupMessage {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]setupMessage(nil), ms.setups...)
}

// Queries returns the raw query strings of accepted handshakes.
func (ms *MockServer) Queries() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.queries...)
}

// NextSession waits for the next connection to complete setup.
func (ms *MockServer) NextSession(timeout time.Duration) *MockSession {
	ms.t.Helper()
	select {
	case s := <-ms.sessions:
		return s
	case <-time.After(timeout):
		ms.t.Fatal("timed out waiting for an upstream session")
		return nil
	}
}

func (ms *MockServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") == "" && r.Header.Get("Authorization") == "" {
		http.Error(w, "Missing authentication", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // For testing only
	})
	if err != nil {
		ms.t.Errorf("failed to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(upstreamReadLimit)

	ctx := r.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var first clientMessage
	if err := json.Unmarshal(data, &first); err != nil || first.Setup == nil {
		ms.t.Errorf("expected setup as first message, got %s", data)
		return
	}
	ms.mu.Lock()
	ms.setups = append(ms.setups, *first.Setup)
	ms.queries = append(ms.queries, r.URL.RawQuery)
	ms.mu.Unlock()

	switch {
	case ms.RejectSetup != nil:
		writeJSON(ctx, conn, serverMessage{Error: ms.RejectSetup})
		return
	case ms.SkipSetupComplete:
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
	writeJSON(ctx, conn, map[string]any{"setupComplete": map[string]any{}})

	// Hijacked requests keep their context after the client leaves, so the
	// session's context ends with its read loop.
	sctx, cancel := context.WithCancel(ctx)
	sess := &MockSession{t: ms.t, conn: conn, ctx: sctx, cancel: cancel, Setup: *first.Setup, audio: make(chan []byte, 256)}
	go sess.readLoop()
	ms.sessions <- sess

	if ms.Script != nil {
		ms.Script(sess)
		return
	}
	sess.Wait()
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *MockSession) readLoop() {
	defer s.cancel()
	defer close(s.audio)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.RealtimeInput == nil || msg.RealtimeInput.Audio == nil {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
		if err != nil {
			s.t.Errorf("client sent invalid base64 audio: %v", err)
			continue
		}
		select {
		case s.audio <- pcm:
		default:
		}
	}
}

// ReadAudio waits for the next realtimeInput audio frame from the client.
func (s *MockSession) ReadAudio(timeout time.Duration) ([]byte, bool) {
	select {
	case pcm, ok := <-s.audio:
		return pcm, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// Send writes any JSON value as a server message.
func (s *MockSession) Send(v any) {
	if err := writeJSON(s.ctx, s.conn, v); err != nil {
		s.t.Logf("mock send failed: %v", err)
	}
}

// SendRaw writes a raw text frame.
func (s *MockSession) SendRaw(data string) {
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(data)); err != nil {
		s.t.Logf("mock send failed: %v", err)
	}
}

// Content sends one serverContent message.
func (s *MockSession) Content(sc serverContent) {
	s.Send(serverMessage{ServerContent: &sc})
}

// Audio sends model speech as one serverContent message with one part per chunk.
func (s *MockSession) Audio(chunks ...[]byte) {
	s.Content(serverContent{ModelTurn: audioTurn(chunks...)})
}

// Interrupted sends an interruption.
func (s *MockSession) Interrupted() { s.Content(serverContent{Interrupted: true}) }

// GenerationComplete sends generationComplete.
func (s *MockSession) GenerationComplete() { s.Content(serverContent{GenerationComplete: true}) }

// TurnComplete sends turnComplete.
func (s *MockSession) TurnComplete() { s.Content(serverContent{TurnComplete: true}) }

// CloseWith closes the connection with the given status.
func (s *MockSession) CloseWith(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// Wait blocks until the client goes away.
func (s *MockSession) Wait() { <-s.ctx.Done() }

func audioTurn(chunks ...[]byte) *content {
	c := &content{Role: "model"}
	for _, pcm := range chunks {
		c.Parts = append(c.Parts, part{InlineData: &inlineData{
			MimeType: "audio/pcm;rate=24000",
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}})
	}
	return c
}

// collectEvents reads events until the channel closes or timeout passes.
func collectEvents(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out collecting events, got %v", eventTypes(out))
			return out
		}
	}
}

// nextEvent waits for one event.
func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// TestHelper provides common test utilities.
type TestHelper struct {
	t *testing.T
}

func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

func (th *TestHelper) AssertNoError(err error) {
	th.t.Helper()
	if err != nil {
		th.t.Fatalf("unexpected error: %v", err)
	}
}

func (th *TestHelper) AssertError(err error) {
	th.t.Helper()
	if err == nil {
		th.t.Fatal("expected error but got nil")
	}
}

func (th *TestHelper) AssertEqual(expected, actual any) {
	th.t.Helper()
	if expected != actual {
		th.t.Errorf("expected %v, got %v", expected, actual)
	}
}

func (th *TestHelper) AssertContains(haystack, needle string) {
	th.t.Helper()
	if !strings.Contains(haystack, needle) {
		th.t.Errorf("expected %q to contain %q", haystack, needle)
	}
}
