// Command liverelay-probe talks to a running relay the way a browser does.
// It streams a WAV file as microphone audio in real time, plays the replies on
// an offline timeline and writes what a listener would have heard to a WAV
// file, plus one file per model turn.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/enesunal-m/liverelay"
)

func main() {
	var (
		relayURL = flag.String("url", "ws://localhost:5050"+liverelay.DefaultRelayPath, "relay WebSocket URL")
		in       = flag.String("in", "", "mono 16-bit WAV file to send as microphone audio")
		out      = flag.String("out", "reply.wav", "where to write the rendered playback")
		turnsDir = flag.String("turns", "", "directory for per-turn WAV files (optional)")
		silence  = flag.Duration("silence", time.Second, "silence appended after the input")
		wait     = flag.Duration("wait", 20*time.Second, "how long to wait for replies after the input ends")
		level    = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	if *in == "" {
		fmt.Fprintln(os.Stderr, "liverelay-probe: -in is required")
		os.Exit(2)
	}
	if err := run(*relayURL, *in, *out, *turnsDir, *silence, *wait, liverelay.ParseLogLevel(*level)); err != nil {
		fmt.Fprintln(os.Stderr, "liverelay-probe:", err)
		os.Exit(1)
	}
}

func run(relayURL, in, out, turnsDir string, silence, wait time.Duration, level liverelay.LogLevel) error {
	logger := liverelay.NewLogger(level)

	wav, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	pcm, rate, err := liverelay.PCM16FromWAV(wav)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	pcm = append(pcm, make([]byte, liverelay.PCM16BytesFor(int(silence.Milliseconds()), rate))...)

	u, err := url.Parse(relayURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("rate", strconv.Itoa(rate))
	u.RawQuery = q.Encode()

	timeline := liverelay.NewTimeline(liverelay.OutputSampleRate)
	playback := liverelay.NewPlaybackController(timeline)
	playback.OnError = func(err error) { logger.Warn("relay_error", map[string]any{"err": err}) }

	turns := newTurnWriter(turnsDir)
	completed := make(chan string, 16)
	client := liverelay.NewRelayClient(u.String(), playback, liverelay.RelayClientOptions{
		Logger: logger,
		OnMessage: func(m liverelay.Message) {
			if err := turns.handle(m); err != nil {
				logger.Warn("turn_write_failed", map[string]any{"err": err, "turn_id": m.TurnID})
			}
			if m.Type == liverelay.MessageTurnComplete {
				select {
				case completed <- m.TurnID:
				default:
				}
			}
		},
	})
	client.OnStatus = func(s string) { logger.Info("status", map[string]any{"status": s}) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capture := newFileCapture(pcm, rate, liverelay.DefaultChunkMS)
	if err := client.Start(ctx, capture); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
	case <-capture.finished:
		logger.Info("input_sent", map[string]any{"audio_ms": liverelay.PCM16Duration(len(pcm), rate).Milliseconds()})
		deadline := time.After(wait)
	waiting:
		for {
			select {
			case <-ctx.Done():
				break waiting
			case <-client.Done():
				break waiting
			case <-deadline:
				break waiting
			case id := <-completed:
				logger.Info("turn_complete", map[string]any{"turn_id": id})
				// Let the scheduled reply finish before stopping.
				if d := playback.NextStartTime() - timeline.Now(); d > 0 {
					time.Sleep(time.Duration(d * float64(time.Second)))
				}
				break waiting
			}
		}
	}
	client.Stop()
	if err := client.Err(); err != nil {
		logger.Warn("session_error", map[string]any{"err": err})
	}

	rendered := liverelay.EncodePCM16(timeline.Render())
	if err := os.WriteFile(out, liverelay.WAVFromPCM16Mono(rendered, liverelay.OutputSampleRate), 0o644); err != nil {
		return err
	}
	stats := playback.Stats()
	logger.Info("done", map[string]any{
		"out":        out,
		"audio_ms":   liverelay.PCM16Duration(len(rendered), liverelay.OutputSampleRate).Milliseconds(),
		"scheduled":  stats.Scheduled,
		"dropped":    stats.Dropped,
		"interrupts": stats.Interrupts,
	})
	return turns.flush()
}

// fileCapture replays PCM in frames paced at real time.
type fileCapture struct {
	pcm      []byte
	frame    int
	ticker   *time.Ticker
	finished chan struct{}
	closed   chan struct{}
	once     sync.Once
	doneOnce sync.Once
}

func newFileCapture(pcm []byte, rate, chunkMS int) *fileCapture {
	every := time.Duration(chunkMS) * time.Millisecond
	return &fileCapture{
		pcm:      pcm,
		frame:    liverelay.PCM16BytesFor(chunkMS, rate),
		ticker:   time.NewTicker(every),
		finished: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *fileCapture) ReadFrame(ctx context.Context) ([]byte, error) {
	if len(c.pcm) == 0 {
		c.doneOnce.Do(func() { close(c.finished) })
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case <-c.ticker.C:
	}
	n := min(c.frame, len(c.pcm))
	f := c.pcm[:n]
	c.pcm = c.pcm[n:]
	return f, nil
}

func (c *fileCapture) Close() error {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.closed)
	})
	return nil
}

// turnWriter keeps each turn's audio and writes it out when the turn ends.
type turnWriter struct {
	dir string
	asm *liverelay.AudioAssembler
}

func newTurnWriter(dir string) *turnWriter {
	return &turnWriter{dir: dir, asm: liverelay.NewAudioAssembler()}
}

func (w *turnWriter) handle(m liverelay.Message) error {
	if w.dir == "" {
		return nil
	}
	switch m.Type {
	case liverelay.MessageAudio:
		return w.asm.OnAudio(m.TurnID, m.Data)
	case liverelay.MessageTurnComplete:
		return w.write(m.TurnID, "")
	case liverelay.MessageInterrupt:
		return w.write(m.TurnID, "-interrupted")
	}
	return nil
}

func (w *turnWriter) write(turnID, suffix string) error {
	pcm := w.asm.OnDone(turnID)
	if len(pcm) == 0 {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(w.dir, "turn-"+turnID+suffix+".wav")
	return os.WriteFile(name, liverelay.WAVFromPCM16Mono(pcm, liverelay.OutputSampleRate), 0o644)
}

// flush writes turns that never completed.
func (w *turnWriter) flush() error {
	for _, id := range w.asm.Turns() {
		if err := w.write(id, "-partial"); err != nil {
			return err
		}
	}
	return nil
}
