package liverelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// WebSocket close codes used when a relay ends its client channel.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// ClientChannel is the relay's connection to one client. ReadFrame returns
// io.EOF once the client has closed the channel in an orderly way. A relay
// reads from one goroutine and writes from another.
type ClientChannel interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteMessage(ctx context.Context, m Message) error
	Close(code int, reason string) error
}

// SessionState is the lifecycle state of a relay session.
type SessionState int32

const (
	SessionOpening SessionState = iota
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RelayOptions configures a RelaySession.
type RelayOptions struct {
	// ID names the session in logs and traces. Default: a random UUID.
	ID string

	// Setup is sent upstream when the session opens.
	Setup Setup

	// InputSampleRate is the rate of the client's binary audio frames. Frames
	// are resampled to 16kHz when it differs. Default: InputSampleRate
	InputSampleRate int

	// WriteTimeout bounds each message written to the client. Default: 10s
	WriteTimeout time.Duration

	Logger         *Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
}

var (
	errClientClosed  = errors.New("liverelay: client closed the channel")
	errUpstreamEnded = errors.New("liverelay: upstream session ended")
)

// RelaySession bridges one client channel and one upstream session. It owns
// both, together with the Tracker deciding what the client hears.
type RelaySession struct {
	id      string
	client  ClientChannel
	dial    Dialer
	opts    RelayOptions
	tracker *Tracker
	log     *Logger
	state   atomic.Int32

	// Owned by the outbound goroutine.
	openedAt   time.Time
	heardAudio bool
}

// NewRelaySession prepares a session. Nothing happens until Run.
func NewRelaySession(client ClientChannel, dial Dialer, opts RelayOptions) *RelaySession {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.InputSampleRate <= 0 {
		opts.InputSampleRate = InputSampleRate
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger
	}
	return &RelaySession{
		id:      opts.ID,
		client:  client,
		dial:    dial,
		opts:    opts,
		tracker: NewTracker(),
		log:     logger.WithContext(map[string]any{"session_id": opts.ID}),
	}
}

// ID returns the session identifier.
func (r *RelaySession) ID() string { return r.id }

// State reports the session's lifecycle state.
func (r *RelaySession) State() SessionState { return SessionState(r.state.Load()) }

// Stats reports the tracker's counters. Call it after Run has returned.
func (r *RelaySession) Stats() TrackerStats { return r.tracker.Stats() }

// Run opens the upstream session and relays until either side ends. The
// upstream session and the client channel are always released on return.
//
// If the upstream cannot be opened the client gets exactly one error message
// and Run returns the dial error. An orderly close by either side, or
// cancellation of ctx, returns nil.
func (r *RelaySession) Run(ctx context.Context) (err error) {
	ctx, span := tracer(r.opts.TracerProvider).Start(ctx, "relay.session",
		trace.WithAttributes(attribute.String("relay.session_id", r.id)))
	r.opts.Metrics.sessionOpened()
	r.log.Info("session_opening", nil)

	outcome := "ok"
	defer func() {
		r.state.Store(int32(SessionClosing))
		code, reason := CloseNormal, "session ended"
		switch {
		case err != nil:
			code, reason = CloseInternalError, "session failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.log.Error("session_failed", map[string]any{"err": err, "outcome": outcome})
		case ctx.Err() != nil:
			code, reason = CloseGoingAway, "server shutting down"
		}
		_ = r.client.Close(code, reason)
		r.state.Store(int32(SessionClosed))
		r.opts.Metrics.sessionClosed(outcome)

		stats := r.tracker.Stats()
		span.SetAttributes(
			attribute.Int("relay.turns", stats.TurnsStarted),
			attribute.Int("relay.interrupts", stats.Interrupts),
			attribute.Int("relay.dropped_chunks", stats.DroppedChunks),
		)
		span.End()
		r.log.Info("session_closed", map[string]any{
			"turns":            stats.TurnsStarted,
			"interrupts":       stats.Interrupts,
			"forwarded_chunks": stats.ForwardedChunks,
			"dropped_chunks":   stats.DroppedChunks,
		})
	}()

	start := time.Now()
	up, err := r.dial(ctx, r.opts.Setup)
	r.opts.Metrics.observeDial(time.Since(start))
	if err != nil {
		outcome = "dial_failed"
		r.opts.Metrics.error("connection")
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
		defer cancel()
		if werr := r.client.WriteMessage(wctx, ErrorMessage("Failed to connect to upstream: "+err.Error())); werr != nil {
			r.log.Warn("client_write_failed", map[string]any{"err": werr})
		}
		return err
	}
	defer up.Close()

	r.state.Store(int32(SessionActive))
	r.openedAt = time.Now()
	r.log.Info("session_active", map[string]any{"dial_ms": time.Since(start).Milliseconds()})

	g, gctx := errgroup.WithContext(ctx)
	sendErrs := make(chan error, 1)
	g.Go(func() error { return r.inbound(gctx, up, sendErrs) })
	g.Go(func() error { return r.outbound(gctx, up, sendErrs) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errClientClosed), errors.Is(err, errUpstreamEnded):
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		outcome = "transport_error"
	} else {
		outcome = "upstream_error"
	}
	return err
}

// inbound forwards client audio upstream, one frame at a time.
func (r *RelaySession) inbound(ctx context.Context, up UpstreamSession, sendErrs chan<- error) error {
	failing := false
	var resampler *Resampler
	if r.opts.InputSampleRate != InputSampleRate {
		resampler = NewResampler(r.opts.InputSampleRate, InputSampleRate)
	}
	for {
		f, err := r.client.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				r.log.Info("client_disconnected", nil)
				return errClientClosed
			}
			return NewTransportError("read", err)
		}
		if !f.Binary {
			continue
		}
		r.opts.Metrics.inboundFrame()

		pcm := f.Data
		if resampler != nil {
			pcm = resampler.Resample(pcm)
		}
		if err := up.SendAudio(ctx, pcm); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				// The outbound side reports the close.
				continue
			}
			r.opts.Metrics.error("upstream_send")
			r.log.Warn("upstream_send_failed", map[string]any{"err": err, "bytes": len(pcm)})
			if !failing {
				failing = true
				select {
				case sendErrs <- err:
				default:
				}
			}
			continue
		}
		failing = false
	}
}

// outbound is the only writer to the client.
func (r *RelaySession) outbound(ctx context.Context, up UpstreamSession, sendErrs <-chan error) error {
	events := up.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sendErrs:
			if werr := r.write(ctx, ErrorMessage("Failed to send audio upstream: "+err.Error())); werr != nil {
				return werr
			}
		case ev, ok := <-events:
			if !ok {
				return errUpstreamEnded
			}
			if err := r.dispatch(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (r *RelaySession) dispatch(ctx context.Context, ev Event) error {
	dropped := r.tracker.Stats().DroppedChunks
	notices := r.tracker.Handle(ev)
	if n := r.tracker.Stats().DroppedChunks - dropped; n > 0 {
		r.opts.Metrics.chunks("dropped", n)
		r.log.Debug("stale_chunk_dropped", map[string]any{"epoch": ev.Epoch})
	}

	var ended error
	for _, n := range notices {
		r.observe(ctx, n)
		switch {
		case n.Kind == NoticeError && n.Fatal:
			ended = fmt.Errorf("upstream error: %w", n.Err)
		case n.Kind == NoticeClosed && n.Err != nil:
			if err := r.write(ctx, ErrorMessage("Upstream connection lost: "+n.Message)); err != nil {
				return err
			}
			ended = fmt.Errorf("upstream connection lost: %w", n.Err)
		}
		if err := r.write(ctx, MessageFor(n)); err != nil {
			return err
		}
	}

	if r.tracker.State() == StateClosed {
		if ended != nil {
			return ended
		}
		return errUpstreamEnded
	}
	return nil
}

func (r *RelaySession) write(ctx context.Context, m Message) error {
	wctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()
	if err := r.client.WriteMessage(wctx, m); err != nil {
		r.opts.Metrics.error("transport")
		return NewTransportError("write", err)
	}
	return nil
}

// observe logs, counts and traces a notice before it is forwarded.
func (r *RelaySession) observe(ctx context.Context, n Notice) {
	span := trace.SpanFromContext(ctx)
	turn := attribute.String("relay.turn_id", n.TurnID)

	switch n.Kind {
	case NoticeGenerationStart:
		span.AddEvent("turn.start", trace.WithAttributes(turn))
		r.log.Info("turn_started", map[string]any{"turn_id": n.TurnID})
	case NoticeAudio:
		r.opts.Metrics.chunks("forwarded", 1)
		if !r.heardAudio {
			r.heardAudio = true
			r.opts.Metrics.observeFirstAudio(time.Since(r.openedAt))
		}
	case NoticeInterrupt:
		span.AddEvent("turn.interrupt", trace.WithAttributes(turn, attribute.Bool("relay.late", n.Late)))
		if !n.Late {
			// A late interrupt's turn was already counted as complete.
			r.opts.Metrics.turnEnded(TurnInterrupted)
		}
		r.log.Info("turn_interrupted", map[string]any{
			"turn_id": n.TurnID, "chunks": n.Turn.Chunks, "audio_ms": n.Turn.Duration.Milliseconds(), "late": n.Late,
		})
	case NoticeTurnComplete:
		span.AddEvent("turn.complete", trace.WithAttributes(turn))
		r.opts.Metrics.turnEnded(TurnComplete)
		r.log.Info("turn_complete", map[string]any{
			"turn_id": n.TurnID, "chunks": n.Turn.Chunks, "audio_ms": n.Turn.Duration.Milliseconds(),
		})
	case NoticeError:
		r.opts.Metrics.error("upstream_protocol")
		r.log.Warn("upstream_error", map[string]any{"err": n.Message, "fatal": n.Fatal})
	case NoticeClosed:
		r.log.Info("upstream_closed", map[string]any{"reason": n.Message})
	}
}
