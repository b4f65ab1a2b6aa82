package liverelay

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"
)

// testClock drives both the output clock and the interrupt debounce clock.
type testClock struct {
	sec  float64
	wall time.Time
}

func (c *testClock) advance(d time.Duration) {
	c.sec += d.Seconds()
	c.wall = c.wall.Add(d)
}

func newTestPlayback() (*PlaybackController, *Timeline, *testClock) {
	clk := &testClock{wall: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tl := NewTimelineClock(OutputSampleRate, func() float64 { return clk.sec })
	p := NewPlaybackController(tl)
	p.clock = func() time.Time { return clk.wall }
	return p, tl, clk
}

// audioMsg is a 10ms chunk at 24kHz whose samples all equal v.
func audioMsg(turn string, v int16) Message {
	samples := make([]int16, 240)
	for i := range samples {
		samples[i] = v
	}
	return Message{Type: MessageAudio, TurnID: turn, Data: base64.StdEncoding.EncodeToString(pcm16(samples...))}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func mustHandle(t *testing.T, p *PlaybackController, msgs ...Message) {
	t.Helper()
	for _, m := range msgs {
		if err := p.HandleMessage(m); err != nil {
			t.Fatalf("handle %s: %v", m.Type, err)
		}
	}
}

func TestPlaybackCompletedTurnPlaysInOrder(t *testing.T) {
	p, tl, _ := newTestPlayback()
	p.Init()

	mustHandle(t, p,
		Message{Type: MessageGenerationStart, TurnID: "1"},
		audioMsg("1", 1000),
		audioMsg("1", 2000),
	)
	if !p.Generating() || p.ActiveTurn() != "1" {
		t.Fatalf("expected turn 1 generating, got %q (%v)", p.ActiveTurn(), p.Generating())
	}
	if !approx(p.NextStartTime(), 0.03) {
		t.Errorf("expected next start at 0.03, got %v", p.NextStartTime())
	}

	mustHandle(t, p, Message{Type: MessageTurnComplete, TurnID: "1"})
	if p.Generating() || p.ActiveTurn() != "" {
		t.Error("expected generation inactive after turn complete")
	}

	played := tl.Played()
	if len(played) != 2 {
		t.Fatalf("expected 2 sources played, got %d", len(played))
	}
	first, second := played[0][0], played[1][0]
	if !(first < second) {
		t.Errorf("expected chunk1 before chunk2, got %v then %v", first, second)
	}

	stats := p.Stats()
	if stats.Scheduled != 2 || stats.Interrupts != 0 || stats.Dropped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPlaybackInterruptDropsLateAudio(t *testing.T) {
	p, tl, clk := newTestPlayback()
	p.Init()

	mustHandle(t, p,
		Message{Type: MessageGenerationStart, TurnID: "1"},
		audioMsg("1", 1000),
	)
	clk.advance(5 * time.Millisecond)
	mustHandle(t, p,
		Message{Type: MessageInterrupt, TurnID: "1"},
		audioMsg("1", 2000),
	)

	if p.Scheduled() != 0 {
		t.Errorf("expected nothing scheduled after interrupt, got %d", p.Scheduled())
	}
	if !approx(p.NextStartTime(), clk.sec) {
		t.Errorf("expected schedule rewound to %v, got %v", clk.sec, p.NextStartTime())
	}
	played := tl.Played()
	if len(played) != 1 {
		t.Fatalf("expected only chunk1 to have played, got %d sources", len(played))
	}
	// chunk1 started at 0.01 and was stopped at 0.005, before it was heard.
	if len(played[0]) != 0 {
		t.Errorf("expected chunk1 cut off, %d samples audible", len(played[0]))
	}
	if p.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped chunk, got %d", p.Stats().Dropped)
	}
}

func TestPlaybackInterruptDedup(t *testing.T) {
	t.Run("same turn", func(t *testing.T) {
		p, _, clk := newTestPlayback()
		mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "1"}, Message{Type: MessageInterrupt, TurnID: "1"})
		clk.advance(time.Second)
		mustHandle(t, p, Message{Type: MessageInterrupt, TurnID: "1"})
		if got := p.Stats().Interrupts; got != 1 {
			t.Errorf("expected 1 interrupt, got %d", got)
		}
	})

	t.Run("without turn id", func(t *testing.T) {
		p, _, clk := newTestPlayback()
		mustHandle(t, p, Message{Type: MessageInterrupt})
		clk.advance(50 * time.Millisecond)
		mustHandle(t, p, Message{Type: MessageInterrupt})
		if got := p.Stats().Interrupts; got != 1 {
			t.Errorf("expected debounce to collapse interrupts, got %d", got)
		}
		clk.advance(100 * time.Millisecond)
		mustHandle(t, p, Message{Type: MessageInterrupt})
		if got := p.Stats().Interrupts; got != 2 {
			t.Errorf("expected interrupt after debounce window, got %d", got)
		}
	})

	t.Run("new turn", func(t *testing.T) {
		p, _, _ := newTestPlayback()
		mustHandle(t, p,
			Message{Type: MessageGenerationStart, TurnID: "1"},
			Message{Type: MessageInterrupt, TurnID: "1"},
			Message{Type: MessageGenerationStart, TurnID: "2"},
			Message{Type: MessageInterrupt, TurnID: "2"},
		)
		if got := p.Stats().Interrupts; got != 2 {
			t.Errorf("expected 2 interrupts, got %d", got)
		}
	})
}

func TestPlaybackSchedulesAfterUnderrun(t *testing.T) {
	p, _, clk := newTestPlayback()
	p.Init()
	mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "1"}, audioMsg("1", 1))

	clk.advance(time.Second)
	mustHandle(t, p, audioMsg("1", 1))
	if want := clk.sec + scheduleLead + 0.01; !approx(p.NextStartTime(), want) {
		t.Errorf("expected next start %v, got %v", want, p.NextStartTime())
	}
}

func TestPlaybackTurnFiltering(t *testing.T) {
	p, _, _ := newTestPlayback()

	// No turn generating yet.
	mustHandle(t, p, audioMsg("", 1))
	mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "2"})
	mustHandle(t, p, audioMsg("1", 1))
	mustHandle(t, p, audioMsg("", 1))
	mustHandle(t, p, audioMsg("2", 1))

	stats := p.Stats()
	if stats.Dropped != 2 || stats.Scheduled != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// A turn_complete for another turn leaves the active one alone.
	mustHandle(t, p, Message{Type: MessageTurnComplete, TurnID: "1"})
	if p.ActiveTurn() != "2" {
		t.Errorf("expected turn 2 still active, got %q", p.ActiveTurn())
	}
}

func TestPlaybackDecodeErrorIsPerChunk(t *testing.T) {
	p, _, _ := newTestPlayback()
	var reported []error
	p.OnError = func(err error) { reported = append(reported, err) }

	mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "1"})
	err := p.HandleMessage(Message{Type: MessageAudio, TurnID: "1", Data: "!!!"})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	mustHandle(t, p, audioMsg("1", 1))

	if len(reported) != 1 {
		t.Errorf("expected 1 reported error, got %d", len(reported))
	}
	stats := p.Stats()
	if stats.DecodeErrors != 1 || stats.Scheduled != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPlaybackStatusAndError(t *testing.T) {
	p, _, _ := newTestPlayback()
	var statuses []string
	var errs []error
	p.OnStatus = func(s string) { statuses = append(statuses, s) }
	p.OnError = func(err error) { errs = append(errs, err) }

	mustHandle(t, p, StatusMessage("Session opened"), ErrorMessage("Failed to connect to upstream: refused"))
	if len(statuses) != 1 || statuses[0] != "Session opened" {
		t.Errorf("unexpected statuses %v", statuses)
	}
	if len(errs) != 1 || errs[0].Error() != "Failed to connect to upstream: refused" {
		t.Errorf("unexpected errors %v", errs)
	}

	if err := p.HandleMessage(Message{Type: "video"}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestPlaybackResetAndStop(t *testing.T) {
	p, tl, clk := newTestPlayback()
	p.Init()
	mustHandle(t, p,
		Message{Type: MessageGenerationStart, TurnID: "1"},
		audioMsg("1", 1),
		Message{Type: MessageInterrupt, TurnID: "1"},
	)

	clk.advance(time.Second)
	p.Reset()
	if p.Scheduled() != 0 || p.Generating() || !approx(p.NextStartTime(), clk.sec) {
		t.Errorf("unexpected state after reset: scheduled=%d generating=%v next=%v", p.Scheduled(), p.Generating(), p.NextStartTime())
	}
	// Reset forgets the last interrupt, so the same id interrupts again.
	mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "1"}, Message{Type: MessageInterrupt, TurnID: "1"})
	if p.Stats().Interrupts != 2 {
		t.Errorf("expected 2 interrupts, got %d", p.Stats().Interrupts)
	}

	mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "2"}, audioMsg("2", 1), audioMsg("2", 1))
	if p.Scheduled() != 2 {
		t.Fatalf("expected 2 scheduled, got %d", p.Scheduled())
	}
	p.Stop()
	if p.Scheduled() != 0 {
		t.Errorf("expected stop to clear sources, got %d", p.Scheduled())
	}
	if n := len(tl.Played()); n != 3 {
		t.Errorf("expected 3 started sources, got %d", n)
	}
}

func TestPlaybackSourceEnded(t *testing.T) {
	p, tl, _ := newTestPlayback()
	mustHandle(t, p, Message{Type: MessageGenerationStart, TurnID: "1"}, audioMsg("1", 1), audioMsg("1", 1))

	tl.mu.Lock()
	first := tl.sources[0]
	tl.mu.Unlock()
	p.SourceEnded(first)
	p.SourceEnded(first)
	if p.Scheduled() != 1 {
		t.Errorf("expected 1 source left, got %d", p.Scheduled())
	}
}
