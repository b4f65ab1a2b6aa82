package liverelay

import (
	"strconv"
	"time"
)

// TurnStatus is the lifecycle state of a model turn.
type TurnStatus int

const (
	TurnGenerating TurnStatus = iota
	TurnComplete
	TurnInterrupted
)

func (s TurnStatus) String() string {
	switch s {
	case TurnGenerating:
		return "generating"
	case TurnComplete:
		return "complete"
	case TurnInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Turn is one episode of model speech, from its first chunk until it
// completes or is interrupted. Chunks are kept in receipt order.
type Turn struct {
	ID        string
	Status    TurnStatus
	Epoch     uint64
	StartedAt time.Time
	EndedAt   time.Time

	chunks [][]byte
	bytes  int
}

func newTurn(seq uint64, epoch uint64, now time.Time) *Turn {
	return &Turn{
		ID:        strconv.FormatUint(seq, 10),
		Status:    TurnGenerating,
		Epoch:     epoch,
		StartedAt: now,
	}
}

func (t *Turn) append(chunk []byte) {
	t.chunks = append(t.chunks, chunk)
	t.bytes += len(chunk)
}

func (t *Turn) end(status TurnStatus, now time.Time) {
	t.Status = status
	t.EndedAt = now
}

// Chunks returns the number of chunks received for the turn.
func (t *Turn) Chunks() int { return len(t.chunks) }

// Audio returns the turn's PCM16 audio so far as one buffer.
func (t *Turn) Audio() []byte {
	out := make([]byte, 0, t.bytes)
	for _, c := range t.chunks {
		out = append(out, c...)
	}
	return out
}

// Duration is the play time of the audio received for the turn.
func (t *Turn) Duration() time.Duration {
	return PCM16Duration(t.bytes, OutputSampleRate)
}

// TurnSnapshot is a read-only view of a turn.
type TurnSnapshot struct {
	ID       string
	Status   TurnStatus
	Chunks   int
	Duration time.Duration
}

func (t *Turn) snapshot() TurnSnapshot {
	return TurnSnapshot{ID: t.ID, Status: t.Status, Chunks: len(t.chunks), Duration: t.Duration()}
}
