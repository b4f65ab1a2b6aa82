package liverelay

import (
	"errors"
	"sync"
	"time"
)

// Timeline is an Output that records scheduled audio instead of playing it.
// Render mixes everything that was (or still is) due to play into one buffer,
// which is how the probe writes what a listener would have heard.
type Timeline struct {
	mu      sync.Mutex
	rate    int
	now     func() float64
	sources []*timelineSource
}

// NewTimeline returns a Timeline at sampleRate whose clock is wall time since creation.
func NewTimeline(sampleRate int) *Timeline {
	start := time.Now()
	return NewTimelineClock(sampleRate, func() float64 { return time.Since(start).Seconds() })
}

// NewTimelineClock returns a Timeline driven by an explicit clock, in seconds.
func NewTimelineClock(sampleRate int, now func() float64) *Timeline {
	return &Timeline{rate: sampleRate, now: now}
}

// Now implements Output.
func (t *Timeline) Now() float64 { return t.now() }

// NewSource implements Output. Sources must match the timeline's rate.
func (t *Timeline) NewSource(samples []float32, sampleRate int) (Source, error) {
	if sampleRate != t.rate {
		return nil, errors.New("liverelay: timeline sample rate mismatch")
	}
	s := &timelineSource{tl: t, samples: samples, start: -1, stop: -1}
	t.mu.Lock()
	t.sources = append(t.sources, s)
	t.mu.Unlock()
	return s, nil
}

// Played returns the started sources in start order, with the part of each
// that is audible given when it was stopped.
func (t *Timeline) Played() [][]float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]float32
	for _, s := range t.sources {
		if s.start >= 0 {
			out = append(out, s.audible())
		}
	}
	return out
}

// Render mixes all audible audio into one buffer starting at clock zero.
func (t *Timeline) Render() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var mix []float32
	for _, s := range t.sources {
		if s.start < 0 {
			continue
		}
		a := s.audible()
		off := int(s.start * float64(t.rate))
		if need := off + len(a); need > len(mix) {
			mix = append(mix, make([]float32, need-len(mix))...)
		}
		for i, v := range a {
			mix[off+i] += v
		}
	}
	for i, v := range mix {
		mix[i] = max(-1, min(1, v))
	}
	return mix
}

type timelineSource struct {
	tl      *Timeline
	samples []float32
	start   float64
	stop    float64
}

func (s *timelineSource) Start(at float64) {
	s.tl.mu.Lock()
	s.start = at
	s.tl.mu.Unlock()
}

func (s *timelineSource) Stop() {
	now := s.tl.now()
	s.tl.mu.Lock()
	if s.stop < 0 {
		s.stop = now
	}
	s.tl.mu.Unlock()
}

func (s *timelineSource) Duration() float64 {
	return float64(len(s.samples)) / float64(s.tl.rate)
}

// audible trims the samples to what plays before the stop time.
func (s *timelineSource) audible() []float32 {
	if s.stop < 0 {
		return s.samples
	}
	n := int((s.stop - s.start) * float64(s.tl.rate))
	return s.samples[:max(0, min(n, len(s.samples)))]
}
