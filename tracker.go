package liverelay

import "time"

// TrackerState is the state of a Tracker.
type TrackerState int

const (
	// StateIdle means no turn is generating.
	StateIdle TrackerState = iota
	// StateGenerating means the current turn is receiving audio.
	StateGenerating
	// StateDraining means the current turn was interrupted. Its late chunks
	// are dropped until the upstream closes it or a newer generation starts.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s TrackerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NoticeKind tags a Tracker decision.
type NoticeKind int

const (
	NoticeStatus NoticeKind = iota
	NoticeError
	NoticeGenerationStart
	NoticeAudio
	NoticeInterrupt
	NoticeTurnComplete
	NoticeClosed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeStatus:
		return "status"
	case NoticeError:
		return "error"
	case NoticeGenerationStart:
		return "generation_start"
	case NoticeAudio:
		return "audio"
	case NoticeInterrupt:
		return "interrupt"
	case NoticeTurnComplete:
		return "turn_complete"
	case NoticeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Notice is something the client must be told, in order.
type Notice struct {
	Kind    NoticeKind
	TurnID  string
	Audio   []byte
	Message string
	Err     error
	// Fatal is set on an error notice that closed the tracker.
	Fatal bool
	At    time.Time
	// Turn describes the finished turn, for interrupt and turn complete notices.
	Turn TurnSnapshot
	// Late is set on an interrupt for a turn that had already completed
	// upstream. The client may still be playing its audio.
	Late bool
}

// TrackerStats counts what a Tracker has seen.
type TrackerStats struct {
	TurnsStarted    int
	TurnsCompleted  int
	Interrupts      int
	LateInterrupts  int
	ForwardedChunks int
	DroppedChunks   int
}

// Tracker is the turn and interruption state machine of one relay session.
// It consumes upstream events in order and decides what reaches the client.
//
// Chunks are matched to turns by generation epoch, never by arrival order
// alone: once an epoch has been interrupted or completed, every chunk still
// carrying it is dropped.
//
// A Tracker is owned by a single goroutine and is not safe for concurrent use.
type Tracker struct {
	state      TrackerState
	cur        *Turn
	generating bool
	// last is the most recently completed turn, until it is interrupted or
	// another turn starts.
	last     *Turn
	minEpoch uint64
	seq      uint64
	stats    TrackerStats
	now      func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// State reports the tracker's state.
func (t *Tracker) State() TrackerState { return t.state }

// Stats reports counters accumulated so far.
func (t *Tracker) Stats() TrackerStats { return t.stats }

// Generating reports whether the current turn may still receive audio.
func (t *Tracker) Generating() bool { return t.state == StateGenerating && t.generating }

// Current returns the turn that is generating or draining.
func (t *Tracker) Current() (TurnSnapshot, bool) {
	if t.cur == nil {
		return TurnSnapshot{}, false
	}
	return t.cur.snapshot(), true
}

// Handle applies one upstream event and returns the notices to forward, in
// order. A closed tracker ignores everything.
func (t *Tracker) Handle(ev Event) []Notice {
	if t.state == StateClosed {
		return nil
	}
	now := t.now()

	switch ev.Type {
	case EventOpened:
		return []Notice{{Kind: NoticeStatus, Message: "Session opened", At: now}}
	case EventAudioChunk:
		return t.onChunk(ev, now)
	case EventGenerationComplete:
		if t.state == StateGenerating && ev.Epoch == t.cur.Epoch {
			t.generating = false
		}
		return nil
	case EventInterrupted:
		return t.onInterrupted(ev, now)
	case EventTurnComplete:
		return t.onTurnComplete(ev, now)
	case EventError:
		if IsRecoverable(ev.Err) {
			return []Notice{{Kind: NoticeError, Message: ev.Message(), Err: ev.Err, At: now}}
		}
		t.close(now)
		return []Notice{{Kind: NoticeError, Message: ev.Message(), Err: ev.Err, Fatal: true, At: now}}
	case EventClosed:
		t.close(now)
		return []Notice{{Kind: NoticeClosed, Message: ev.Message(), Err: ev.Err, At: now}}
	}
	return nil
}

func (t *Tracker) onChunk(ev Event, now time.Time) []Notice {
	if ev.Epoch < t.minEpoch || (t.state == StateGenerating && ev.Epoch < t.cur.Epoch) {
		t.stats.DroppedChunks++
		return nil
	}

	var out []Notice
	// A newer epoch, or more audio after generationComplete, is a new turn.
	if t.state == StateGenerating && (ev.Epoch != t.cur.Epoch || !t.generating) {
		out = append(out, t.finish(now))
	}
	if t.state != StateGenerating {
		t.seq++
		t.last = nil
		t.cur = newTurn(t.seq, ev.Epoch, now)
		t.state = StateGenerating
		t.generating = true
		t.stats.TurnsStarted++
		out = append(out, Notice{Kind: NoticeGenerationStart, TurnID: t.cur.ID, At: now})
	}

	t.cur.append(ev.Audio)
	t.stats.ForwardedChunks++
	return append(out, Notice{Kind: NoticeAudio, TurnID: t.cur.ID, Audio: ev.Audio, At: now})
}

func (t *Tracker) onInterrupted(ev Event, now time.Time) []Notice {
	t.minEpoch = max(t.minEpoch, ev.Epoch+1)
	if t.state == StateIdle && t.last != nil {
		// Generation finished faster than real time; the user barged in on
		// audio the client is still playing.
		n := Notice{Kind: NoticeInterrupt, TurnID: t.last.ID, At: now, Turn: t.last.snapshot(), Late: true}
		t.last = nil
		t.stats.LateInterrupts++
		return []Notice{n}
	}
	if t.state != StateGenerating || t.cur.Epoch > ev.Epoch {
		return nil
	}

	t.cur.end(TurnInterrupted, now)
	t.state = StateDraining
	t.generating = false
	t.stats.Interrupts++
	return []Notice{{Kind: NoticeInterrupt, TurnID: t.cur.ID, At: now, Turn: t.cur.snapshot()}}
}

func (t *Tracker) onTurnComplete(ev Event, now time.Time) []Notice {
	if ev.Epoch < t.minEpoch {
		// Closes a generation that was already interrupted.
		if t.state == StateDraining {
			t.state = StateIdle
			t.cur = nil
		}
		return nil
	}
	t.minEpoch = ev.Epoch + 1

	switch t.state {
	case StateGenerating:
		return []Notice{t.finish(now)}
	case StateDraining:
		t.state = StateIdle
		t.cur = nil
	}
	return nil
}

// finish completes the generating turn and returns to idle.
func (t *Tracker) finish(now time.Time) Notice {
	t.cur.end(TurnComplete, now)
	n := Notice{Kind: NoticeTurnComplete, TurnID: t.cur.ID, At: now, Turn: t.cur.snapshot()}
	t.stats.TurnsCompleted++
	t.last = t.cur
	t.cur = nil
	t.state = StateIdle
	t.generating = false
	return n
}

func (t *Tracker) close(now time.Time) {
	if t.cur != nil && t.cur.Status == TurnGenerating {
		t.cur.end(TurnInterrupted, now)
	}
	t.cur = nil
	t.last = nil
	t.generating = false
	t.state = StateClosed
}
