package liverelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Capture produces microphone audio as 16-bit little-endian mono PCM frames.
type Capture interface {
	// ReadFrame blocks until the next frame. io.EOF ends the capture.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// RelayClientOptions configures a RelayClient.
type RelayClientOptions struct {
	// Header is sent with the WebSocket handshake, e.g. an Origin.
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *Logger
	// OnMessage sees every relay message before playback does. Optional.
	OnMessage func(Message)
}

// RelayClient is the client side of a relay session: it streams a Capture to
// the relay and plays what comes back through a PlaybackController.
//
// A dropped session is never reconnected. Start again to begin a new one.
type RelayClient struct {
	// OnStatus receives connection status text and the relay's status messages. Optional.
	OnStatus func(string)

	url      string
	opts     RelayClientOptions
	playback *PlaybackController
	log      *Logger

	mu        sync.Mutex
	recording bool
	conn      *websocket.Conn
	capture   Capture
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	writeMu   sync.Mutex
}

// NewRelayClient returns a client for the relay endpoint at url.
func NewRelayClient(url string, playback *PlaybackController, opts RelayClientOptions) *RelayClient {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = DefaultLogger
	}
	c := &RelayClient{url: url, opts: opts, playback: playback, log: log}
	playback.OnStatus = c.status
	return c
}

// Start connects to the relay and begins streaming capture. It is a no-op
// while already recording.
func (c *RelayClient) Start(ctx context.Context, capture Capture) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return nil
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		_ = capture.Close()
		c.status("Error starting recording")
		return NewConnectionError(c.url, "dial", err)
	}

	c.playback.Init()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.conn = conn
	c.capture = capture
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.recording = true
	c.status("Recording...")

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.receive(gctx, conn) })
	g.Go(func() error { return c.send(gctx, conn, capture) })
	done := c.done
	go func() {
		err := g.Wait()
		c.mu.Lock()
		c.err = err
		// Stop clears recording first; otherwise the session ended on its own.
		ended := c.recording
		c.recording = false
		c.mu.Unlock()
		if ended {
			_ = capture.Close()
			_ = conn.Close()
		}
		close(done)
	}()
	return nil
}

// receive dispatches relay messages to playback until the connection ends.
func (c *RelayClient) receive(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !c.Recording() {
				// Stop closed the connection.
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.status("WebSocket closed.")
				return errUpstreamEnded
			}
			c.status("WebSocket error.")
			return NewTransportError("read", err)
		}
		m, err := ParseMessage(data)
		if err != nil {
			c.log.Warn("relay_message_invalid", map[string]any{"err": err})
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(m)
		}
		if err := c.playback.HandleMessage(m); err != nil {
			c.log.Debug("playback_chunk_failed", map[string]any{"err": err, "turn_id": m.TurnID})
		}
	}
}

// send streams captured frames until the capture ends. The connection stays
// open afterwards so the remaining reply can still be played.
func (c *RelayClient) send(ctx context.Context, conn *websocket.Conn, capture Capture) error {
	for {
		frame, err := capture.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}
		if len(frame) == 0 {
			continue
		}
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err = conn.WriteMessage(websocket.BinaryMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return NewTransportError("write", err)
		}
	}
}

// Stop ends recording: capture stops, all scheduled audio stops and the
// connection closes. Calling Stop when not recording has no effect.
func (c *RelayClient) Stop() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	c.recording = false
	conn, capture, cancel, done := c.conn, c.capture, c.cancel, c.done
	c.mu.Unlock()

	c.status("Stopping recording...")
	_ = capture.Close()
	c.playback.Stop()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording stopped"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	cancel()
	<-done
	c.status("Recording stopped.")
}

// Reset stops recording and clears the session.
func (c *RelayClient) Reset() {
	c.Stop()
	c.playback.Reset()
	c.status("Session cleared.")
}

// Recording reports whether a session is running.
func (c *RelayClient) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Done is closed when the current session's connection has ended. It is nil
// before the first Start.
func (c *RelayClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the last session ended, once Done is closed.
func (c *RelayClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, errUpstreamEnded) || errors.Is(c.err, context.Canceled) {
		return nil
	}
	return c.err
}

func (c *RelayClient) status(s string) {
	if c.OnStatus != nil {
		c.OnStatus(s)
	}
}
