package liverelay

import (
	"errors"
	"sync"
	"time"
)

const (
	// scheduleLead keeps new sources from being scheduled in the past.
	scheduleLead = 0.01
	// interruptDebounce collapses bursts of interrupts that carry no turn id.
	interruptDebounce = 100 * time.Millisecond
)

// Output is an audio device with its own clock, in seconds.
type Output interface {
	Now() float64
	NewSource(samples []float32, sampleRate int) (Source, error)
}

// Source is one buffer of audio scheduled on an Output. Stop is called with
// the controller's lock held and must not call back into it.
type Source interface {
	Start(at float64)
	Stop()
	Duration() float64
}

// PlaybackStats counts what a PlaybackController has done.
type PlaybackStats struct {
	Scheduled    int
	Dropped      int
	DecodeErrors int
	Interrupts   int
}

type scheduledSource struct {
	src  Source
	turn string
}

// PlaybackController plays relayed audio in order on an Output and honours
// interrupts. Every source it schedules is tagged with the turn that produced
// it; audio for any turn other than the active one is never scheduled.
//
// The next start time only moves forward, except when an interrupt or Reset
// pulls it back to the output clock's current time.
type PlaybackController struct {
	// OnStatus receives status text from the relay. Optional.
	OnStatus func(string)
	// OnError receives relay errors and per-chunk decode errors. Optional.
	OnError func(error)

	mu          sync.Mutex
	out         Output
	initialized bool
	next        float64
	activeTurn  string
	generating  bool
	sources     []scheduledSource
	stats       PlaybackStats

	lastInterruptID string
	lastInterruptAt time.Time
	clock           func() time.Time
}

// NewPlaybackController returns a controller for out.
func NewPlaybackController(out Output) *PlaybackController {
	return &PlaybackController{out: out, clock: time.Now}
}

// Init seeds the schedule from the output clock.
func (p *PlaybackController) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()
}

func (p *PlaybackController) init() {
	p.next = p.out.Now()
	p.initialized = true
}

// HandleMessage applies one relay message. The returned error concerns this
// message only; playback carries on with the next one.
func (p *PlaybackController) HandleMessage(m Message) error {
	p.mu.Lock()
	var (
		status string
		err    error
	)
	switch m.Type {
	case MessageStatus:
		status = m.Message
	case MessageError:
		err = errors.New(m.Message)
	case MessageGenerationStart:
		if !p.initialized {
			p.init()
		}
		p.activeTurn = m.TurnID
		p.generating = true
	case MessageAudio:
		err = p.schedule(m)
	case MessageInterrupt:
		p.interrupt(m.TurnID)
	case MessageTurnComplete:
		if m.TurnID == "" || m.TurnID == p.activeTurn {
			p.activeTurn = ""
			p.generating = false
		}
	default:
		err = m.Validate()
	}
	onStatus, onError := p.OnStatus, p.OnError
	p.mu.Unlock()

	if status != "" && onStatus != nil {
		onStatus(status)
	}
	if err != nil && onError != nil {
		onError(err)
	}
	if m.Type == MessageError {
		return nil
	}
	return err
}

func (p *PlaybackController) schedule(m Message) error {
	// Audio without a turn id belongs to whatever turn is generating.
	if (m.TurnID != "" && m.TurnID != p.activeTurn) || (m.TurnID == "" && !p.generating) {
		p.stats.Dropped++
		return nil
	}
	samples, err := DecodeAudioPayload(m.Data)
	if err != nil {
		p.stats.DecodeErrors++
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	src, err := p.out.NewSource(samples, OutputSampleRate)
	if err != nil {
		p.stats.DecodeErrors++
		return NewDecodeError("create source", err)
	}
	if !p.initialized {
		p.init()
	}

	at := max(p.next, p.out.Now()+scheduleLead)
	src.Start(at)
	p.next = at + src.Duration()
	p.sources = append(p.sources, scheduledSource{src: src, turn: p.activeTurn})
	p.stats.Scheduled++
	return nil
}

func (p *PlaybackController) interrupt(turnID string) {
	now := p.clock()
	if turnID != "" && turnID == p.lastInterruptID {
		return
	}
	if turnID == "" && !p.lastInterruptAt.IsZero() && now.Sub(p.lastInterruptAt) < interruptDebounce {
		return
	}
	p.lastInterruptID = turnID
	p.lastInterruptAt = now
	p.stats.Interrupts++
	p.stopAll()
}

// stopAll stops every scheduled source and rewinds the schedule to now.
func (p *PlaybackController) stopAll() {
	for _, s := range p.sources {
		s.src.Stop()
	}
	p.sources = nil
	p.next = p.out.Now()
	p.activeTurn = ""
	p.generating = false
}

// SourceEnded forgets a source that finished playing on its own.
func (p *PlaybackController) SourceEnded(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sources {
		if s.src == src {
			p.sources = append(p.sources[:i], p.sources[i+1:]...)
			return
		}
	}
}

// Reset stops all audio and forgets the active turn, as after an interrupt.
func (p *PlaybackController) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAll()
	p.lastInterruptID = ""
	p.lastInterruptAt = time.Time{}
}

// Stop stops all audio. The next message re-initializes the schedule.
func (p *PlaybackController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAll()
	p.initialized = false
}

// NextStartTime is where the next chunk would be scheduled, on the output clock.
func (p *PlaybackController) NextStartTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// ActiveTurn returns the turn whose audio is currently accepted.
func (p *PlaybackController) ActiveTurn() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeTurn
}

// Generating reports whether the relay has a turn in progress.
func (p *PlaybackController) Generating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generating
}

// Scheduled returns the number of sources not yet ended or stopped.
func (p *PlaybackController) Scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// Stats returns the controller's counters.
func (p *PlaybackController) Stats() PlaybackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
