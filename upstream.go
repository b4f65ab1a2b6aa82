package liverelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	bidiPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// maxAudioChunk bounds a single realtimeInput payload.
	maxAudioChunk = 1024 * 1024

	upstreamReadLimit = 4 << 20
	pingInterval      = 20 * time.Second
	pingTimeout       = 5 * time.Second
	eventBuffer       = 64
)

// UpstreamSession is one live connection to the speech model.
type UpstreamSession interface {
	// SendAudio forwards 16kHz PCM16 microphone audio.
	SendAudio(ctx context.Context, pcm []byte) error
	// Events yields the session's events. EventOpened is first and EventClosed
	// last, after which the channel is closed.
	Events() <-chan Event
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens an upstream session with the given setup.
type Dialer func(ctx context.Context, setup Setup) (UpstreamSession, error)

// NewDialer returns a Dialer that opens sessions with cfg.
func NewDialer(cfg Config) Dialer {
	return func(ctx context.Context, setup Setup) (UpstreamSession, error) {
		return Dial(ctx, cfg, setup)
	}
}

// Upstream is a Gemini Live BidiGenerateContent session over WebSocket.
// It translates server messages into Events and knows nothing about turns.
// Upstream is safe for concurrent use.
type Upstream struct {
	cfg Config
	url string // redacted

	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	closedCh  chan struct{}
	closeOnce sync.Once
	dead      atomic.Bool

	// Owned by readLoop.
	epoch            uint64
	awaitingComplete bool
}

var _ UpstreamSession = (*Upstream)(nil)

// Dial connects to the Live API, sends setup and waits for setupComplete.
// DialTimeout bounds the whole exchange. Any failure is a *ConnectionError
// whose Operation is "dial", "setup" or "handshake".
func Dial(ctx context.Context, cfg Config, setup Setup) (*Upstream, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := ValidateSetup(setup); err != nil {
		return nil, err
	}

	u, h, err := cfg.handshake()
	if err != nil {
		return nil, err
	}
	rawURL := u.String()

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(dialCtx, rawURL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, NewConnectionError(rawURL, "dial", err)
	}
	ws.SetReadLimit(upstreamReadLimit)

	fail := func(op string, cause error) (*Upstream, error) {
		_ = ws.Close(websocket.StatusInternalError, op+" failed")
		return nil, NewConnectionError(rawURL, op, cause)
	}

	b, err := json.Marshal(clientMessage{Setup: Ptr(setup.wire(cfg.modelPath()))})
	if err != nil {
		return fail("setup", err)
	}
	if err := ws.Write(dialCtx, websocket.MessageText, b); err != nil {
		return fail("setup", err)
	}
	if err := awaitSetupComplete(dialCtx, ws); err != nil {
		return fail("handshake", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	up := &Upstream{
		cfg:      cfg,
		url:      redactURL(rawURL),
		conn:     ws,
		ctx:      sessCtx,
		cancel:   cancel,
		events:   make(chan Event, eventBuffer),
		closedCh: make(chan struct{}),
	}
	up.log("upstream_connected", map[string]any{"url": up.url, "model": cfg.modelPath()})
	up.events <- Event{Type: EventOpened}

	go up.readLoop()
	go up.pingLoop()
	return up, nil
}

func (c Config) handshake() (*url.URL, http.Header, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, nil, NewConfigError("Endpoint", c.Endpoint, "invalid URL format")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = bidiPath
	}

	h := http.Header{}
	for k, vals := range c.HandshakeHeaders {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	c.Credential.apply(u, h)
	return u, h, nil
}

// awaitSetupComplete reads until the server acknowledges setup. An error
// message or a closed socket before that fails the handshake.
func awaitSetupComplete(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("unexpected frame before setupComplete: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (e *serverError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream error %d %s: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// SendAudio forwards one frame of 16kHz PCM16 microphone audio.
// An empty frame is a no-op.
func (u *Upstream) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		return NewSendError("realtimeInput", errors.New("PCM16 data must have even number of bytes"))
	}
	if len(pcm) > maxAudioChunk {
		return NewSendError("realtimeInput",
			fmt.Errorf("PCM data too large (%d bytes), maximum is %d bytes", len(pcm), maxAudioChunk))
	}
	return u.send(ctx, "realtimeInput", clientMessage{RealtimeInput: &realtimeInput{
		Audio: &inlineData{
			MimeType: fmt.Sprintf("audio/pcm;rate=%d", InputSampleRate),
			Data:     base64.StdEncoding.EncodeToString(pcm),
		},
	}})
}

// Events returns the session's event stream.
func (u *Upstream) Events() <-chan Event { return u.events }

// Done is closed once the connection has been released.
func (u *Upstream) Done() <-chan struct{} { return u.closedCh }

// Close gracefully shuts down the session. It is safe to call multiple times.
func (u *Upstream) Close() error {
	u.cancel()
	u.writeMu.Lock()
	if u.conn != nil {
		_ = u.conn.Close(websocket.StatusNormalClosure, "closing")
	}
	u.writeMu.Unlock()
	return nil
}

func (u *Upstream) send(ctx context.Context, kind string, payload any) error {
	if u.dead.Load() || u.ctx.Err() != nil {
		return ErrClosed
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return NewSendError(kind, fmt.Errorf("marshal payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.sendTimeout())
	defer cancel()

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := u.conn.Write(ctx, websocket.MessageText, b); err != nil {
		if u.dead.Load() || u.ctx.Err() != nil {
			return ErrClosed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return NewSendError(kind, ErrSendTimeout)
		}
		return NewSendError(kind, err)
	}
	return nil
}

// readLoop owns the event channel: it emits EventClosed and closes the channel
// when the connection ends for any reason.
func (u *Upstream) readLoop() {
	closed := Event{Type: EventClosed, Reason: "upstream closed"}
	defer func() {
		u.dead.Store(true)
		_ = u.conn.Close(websocket.StatusNormalClosure, "reader_exit")
		closed.Epoch = u.epoch
		u.emit(closed)
		u.cancel()
		close(u.events)
		u.closeOnce.Do(func() { close(u.closedCh) })
	}()

	for {
		// The server may send JSON in either text or binary frames.
		_, data, err := u.conn.Read(u.ctx)
		if err != nil {
			switch {
			case u.ctx.Err() != nil:
				closed.Reason = "closed by relay"
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Reason != "" {
					closed.Reason = ce.Reason
				}
			default:
				closed.Err = err
				closed.Reason = err.Error()
				u.logError("upstream_read_failed", map[string]any{"err": err})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			u.logError("bad_event_json", map[string]any{"err": err, "bytes": len(data)})
			if !u.emit(Event{Type: EventError, Epoch: u.epoch, Err: NewProtocolError("message", data, err)}) {
				return
			}
			continue
		}
		if !u.handle(&msg, data) {
			return
		}
	}
}

// handle translates one server message. It returns false once the session
// has been closed locally.
func (u *Upstream) handle(msg *serverMessage, raw []byte) bool {
	if msg.GoAway != nil {
		u.log("upstream_go_away", map[string]any{"time_left": msg.GoAway.TimeLeft})
	}
	if msg.Error != nil {
		if !u.emit(Event{Type: EventError, Epoch: u.epoch, Err: NewProtocolError("error", raw, msg.Error)}) {
			return false
		}
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	// Audio that shares a message with the interruption is already stale.
	if sc.Interrupted {
		ended := u.epoch
		u.epoch++
		u.awaitingComplete = true
		if !u.emit(Event{Type: EventInterrupted, Epoch: ended}) {
			return false
		}
	} else if sc.ModelTurn != nil {
		for i, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
				u.log("upstream_non_audio_part", map[string]any{"mime_type": p.InlineData.MimeType})
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				perr := NewProtocolError("serverContent", raw, fmt.Errorf("part %d: %w", i, err))
				if !u.emit(Event{Type: EventError, Epoch: u.epoch, Err: perr}) {
					return false
				}
				continue
			}
			u.awaitingComplete = false
			if !u.emit(Event{Type: EventAudioChunk, Epoch: u.epoch, Audio: pcm, MimeType: p.InlineData.MimeType}) {
				return false
			}
		}
	}

	if sc.GenerationComplete {
		if !u.emit(Event{Type: EventGenerationComplete, Epoch: u.epoch}) {
			return false
		}
	}
	if sc.TurnComplete {
		// A turnComplete right after an interruption closes the interrupted
		// generation rather than the one now current.
		if u.awaitingComplete {
			u.awaitingComplete = false
			return u.emit(Event{Type: EventTurnComplete, Epoch: u.epoch - 1})
		}
		ended := u.epoch
		u.epoch++
		return u.emit(Event{Type: EventTurnComplete, Epoch: ended})
	}
	return true
}

// emit blocks until the consumer takes ev. After a local Close the event is
// delivered only if the buffer has room.
func (u *Upstream) emit(ev Event) bool {
	select {
	case u.events <- ev:
		return true
	case <-u.ctx.Done():
		select {
		case u.events <- ev:
		default:
		}
		return false
	}
}

func (u *Upstream) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-u.closedCh:
			return
		case <-u.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(u.ctx, pingTimeout)
			if err := u.conn.Ping(ctx); err != nil && u.ctx.Err() == nil {
				u.log("upstream_ping_failed", map[string]any{"err": err})
			}
			cancel()
		}
	}
}

func (u *Upstream) log(event string, fields map[string]any) {
	if u.cfg.StructuredLogger != nil {
		u.cfg.StructuredLogger.Info(event, fields)
	} else if u.cfg.Logger != nil {
		u.cfg.Logger(event, fields)
	}
}

func (u *Upstream) logError(event string, fields map[string]any) {
	if u.cfg.StructuredLogger != nil {
		u.cfg.StructuredLogger.Error(event, fields)
	} else if u.cfg.Logger != nil {
		u.cfg.Logger("ERROR: "+event, fields)
	}
}
