package liverelay

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Audio processing constants and utilities

// InputSampleRate is the rate of microphone audio sent upstream (16kHz).
const InputSampleRate = 16000

// OutputSampleRate is the rate of model speech relayed to clients (24kHz).
const OutputSampleRate = 24000

// DefaultSampleRate is the output rate, kept for WAV helpers.
const DefaultSampleRate = OutputSampleRate

// DefaultChunkMS is the capture frame size used by RelayClient (~256ms at 16kHz, 4096 samples).
const DefaultChunkMS = 256

// DecodePCM16 converts 16-bit little-endian PCM into normalized float samples.
// Negative samples are scaled by 32768 and positive ones by 32767 so both ends
// of the signed range map onto exactly -1 and 1.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, NewDecodeError(fmt.Sprintf("odd PCM16 payload length %d", len(pcm)), nil)
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out, nil
}

// EncodePCM16 is the inverse of DecodePCM16. Values outside [-1, 1] are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		var v float64
		switch {
		case f <= -1:
			v = -32768
		case f >= 1:
			v = 32767
		case f < 0:
			v = math.Round(float64(f) * 32768)
		default:
			v = math.Round(float64(f) * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodeAudioPayload turns a base64 audio message payload into samples.
func DecodeAudioPayload(data string) ([]float32, error) {
	if data == "" {
		return nil, NewDecodeError("empty audio payload", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, NewDecodeError("invalid base64", err)
	}
	return DecodePCM16(raw)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s0*(1-frac)+s1*frac)))
	}
	return out
}

// Resampler converts a stream of 16-bit mono PCM frames between rates with
// linear interpolation. Unlike ResampleMono16 it carries the read position
// and the last input sample from one frame to the next, so a stream split
// into small frames keeps its length and pitch.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	srcRate, dstRate int64
	// pos is the read position of the next output sample in input samples,
	// scaled by dstRate and relative to the start of the next frame. It is
	// never below -dstRate.
	pos  int64
	prev int16
}

// NewResampler returns a Resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: int64(srcRate), dstRate: int64(dstRate)}
}

// Resample converts the next frame. A trailing odd byte is ignored. If the
// rates match, the frame is returned unchanged.
func (r *Resampler) Resample(pcm []byte) []byte {
	src, dst := r.srcRate, r.dstRate
	if src <= 0 || dst <= 0 || src == dst {
		return pcm
	}
	n := int64(len(pcm) / 2)
	if n == 0 {
		return nil
	}
	sample := func(i int64) float64 {
		if i < 0 {
			return float64(r.prev)
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, 0, (n*dst/src+1)*2)
	for limit := (n - 1) * dst; r.pos < limit; r.pos += src {
		idx := int64(-1)
		if r.pos >= 0 {
			idx = r.pos / dst
		}
		frac := float64(r.pos-idx*dst) / float64(dst)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
	}
	r.pos -= n * dst
	r.prev = int16(sample(n - 1))
	return out
}

// AudioAssembler collects relayed audio chunks per turn and reassembles them.
// The probe uses it to write one WAV file per model turn.
type AudioAssembler struct {
	data  map[string][]byte
	order []string
}

// NewAudioAssembler creates a new AudioAssembler instance.
func NewAudioAssembler() *AudioAssembler { return &AudioAssembler{data: make(map[string][]byte)} }

// OnAudio decodes a base64 audio payload and appends it to turnID.
func (a *AudioAssembler) OnAudio(turnID, data string) error {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return NewDecodeError("invalid base64", err)
	}
	if _, ok := a.data[turnID]; !ok {
		a.order = append(a.order, turnID)
	}
	a.data[turnID] = append(a.data[turnID], b...)
	return nil
}

// Discard drops everything collected for turnID.
func (a *AudioAssembler) Discard(turnID string) {
	delete(a.data, turnID)
}

// OnDone retrieves and removes the complete audio data for a given turn.
func (a *AudioAssembler) OnDone(turnID string) []byte {
	buf := a.data[turnID]
	delete(a.data, turnID)
	return buf
}

// Turns lists turn ids that still hold audio, in arrival order.
func (a *AudioAssembler) Turns() []string {
	out := make([]string, 0, len(a.data))
	for _, id := range a.order {
		if _, ok := a.data[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// WAVFromPCM16Mono converts raw PCM16 audio data to a complete WAV file.
// The input should be 16-bit little-endian PCM data (mono channel).
func WAVFromPCM16Mono(pcm []byte, sampleRate int) []byte {
	blockAlign := uint16(2)
	byteRate := uint32(sampleRate) * uint32(blockAlign)
	dataLen := uint32(len(pcm))
	out := make([]byte, 44+len(pcm))

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], 36+dataLen)
	copy(out[8:], "WAVE")

	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:], 1)  // mono
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], byteRate)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], 16) // bits per sample

	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], dataLen)
	copy(out[44:], pcm)
	return out
}

// PCM16FromWAV extracts mono 16-bit PCM and its sample rate from a WAV file.
func PCM16FromWAV(wav []byte) (pcm []byte, sampleRate int, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, NewDecodeError("not a RIFF/WAVE file", nil)
	}
	var gotFmt bool
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4:]))
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, NewDecodeError("short fmt chunk", nil)
			}
			format := binary.LittleEndian.Uint16(wav[body:])
			channels := binary.LittleEndian.Uint16(wav[body+2:])
			bits := binary.LittleEndian.Uint16(wav[body+14:])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, NewDecodeError(fmt.Sprintf("unsupported WAV format=%d channels=%d bits=%d", format, channels, bits), nil)
			}
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return nil, 0, NewDecodeError("data chunk before fmt chunk", nil)
			}
			return wav[body : body+size-size%2], sampleRate, nil
		}
		off = body + size + size%2
	}
	return nil, 0, NewDecodeError("missing data chunk", errors.New("unexpected end of file"))
}

// PCM16BytesFor calculates the number of bytes needed for PCM16 audio of given duration.
// The result is always a whole number of samples.
// Formula: (milliseconds * sampleRate / 1000) * 2 bytes per sample
func PCM16BytesFor(ms int, sampleRate int) int { return (ms * sampleRate / 1000) * 2 }

// PCM16Duration returns the play time of a PCM16 mono buffer.
func PCM16Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}
