package liverelay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit  = 10 * 1024 * 1024
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

type frameResult struct {
	frame Frame
	err   error
}

// WSChannel is a ClientChannel over a gorilla WebSocket connection. A read
// pump owns the connection's reads; writes are serialized by a mutex.
type WSChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	frames    chan frameResult
	done      chan struct{}
	closeOnce sync.Once
}

var _ ClientChannel = (*WSChannel)(nil)

// NewWSChannel wraps an upgraded connection and starts its read and ping pumps.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn:   conn,
		frames: make(chan frameResult, 16),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

func (c *WSChannel) readPump() {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		var r frameResult
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				err = io.EOF
			}
			r.err = err
		} else {
			_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
			r.frame = Frame{Binary: typ == websocket.BinaryMessage, Data: data}
		}
		select {
		case c.frames <- r:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *WSChannel) pingPump() {
	t := time.NewTicker(wsPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// ReadFrame returns the next client frame, or io.EOF after an orderly close.
func (c *WSChannel) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, io.EOF
	case r := <-c.frames:
		return r.frame, r.err
	}
}

// WriteMessage writes m as one JSON text message.
func (c *WSChannel) WriteMessage(ctx context.Context, m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(m)
}

// Close sends a close frame and releases the connection. Later calls are no-ops.
func (c *WSChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
