package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v3"

	"github.com/enesunal-m/liverelay"
)

// DataChannel is a liverelay.ClientChannel over a WebRTC data channel.
// Binary messages carry PCM16 microphone audio and text messages carry JSON.
type DataChannel struct {
	pc        *pion.PeerConnection
	dc        *pion.DataChannel
	frames    chan liverelay.Frame
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
	writeMu   sync.Mutex
}

var _ liverelay.ClientChannel = (*DataChannel)(nil)

// NewDataChannel wraps dc, which belongs to pc. Closing the channel closes
// the peer connection too.
func NewDataChannel(pc *pion.PeerConnection, dc *pion.DataChannel) *DataChannel {
	c := &DataChannel{
		pc:     pc,
		dc:     dc,
		frames: make(chan liverelay.Frame, 64),
		done:   make(chan struct{}),
	}
	dc.OnMessage(func(m pion.DataChannelMessage) {
		f := liverelay.Frame{Binary: !m.IsString, Data: m.Data}
		select {
		case c.frames <- f:
		case <-c.done:
		}
	})
	dc.OnClose(c.markDone)
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		if s == pion.PeerConnectionStateFailed || s == pion.PeerConnectionStateClosed {
			c.markDone()
		}
	})
	return c
}

func (c *DataChannel) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ReadFrame returns the next message, or io.EOF once the channel has closed.
// Messages already received are returned before io.EOF.
func (c *DataChannel) ReadFrame(ctx context.Context) (liverelay.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	select {
	case <-ctx.Done():
		return liverelay.Frame{}, ctx.Err()
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return liverelay.Frame{}, io.EOF
		}
	}
}

// WriteMessage sends m as one JSON text message.
func (c *DataChannel) WriteMessage(ctx context.Context, m liverelay.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return liverelay.ErrClosed
	default:
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.dc.SendText(string(b))
}

// closeDrain bounds how long Close waits for queued messages to be acknowledged.
const closeDrain = 2 * time.Second

// Close closes the data channel and its peer connection once messages already
// sent have been delivered. Data channels have no close codes, so code and
// reason are only carried by the peer connection going away. Later calls are
// no-ops.
func (c *DataChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.markDone()
		c.drain()
		err = errors.Join(c.dc.Close(), c.pc.Close())
	})
	return err
}

// drain waits until the data channel has no outgoing bytes buffered, or for
// closeDrain at most.
func (c *DataChannel) drain() {
	if c.dc.BufferedAmount() == 0 {
		return
	}
	drained := make(chan struct{})
	var once sync.Once
	c.dc.SetBufferedAmountLowThreshold(0)
	c.dc.OnBufferedAmountLow(func() { once.Do(func() { close(drained) }) })
	// The buffer may have emptied before the handler was set.
	if c.dc.BufferedAmount() == 0 {
		return
	}
	timer := time.NewTimer(closeDrain)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
	}
}
