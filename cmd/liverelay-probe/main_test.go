package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestFileCaptureFramesWholeSamples(t *testing.T) {
	for _, rate := range []int{16000, 22050, 44100} {
		pcm := make([]byte, 1000)
		for i := range pcm {
			pcm[i] = byte(i)
		}
		c := newFileCapture(pcm, rate, 10)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var off int
		for {
			f, err := c.ReadFrame(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("rate %d: %v", rate, err)
			}
			if off%2 != 0 || (len(f)%2 != 0 && off+len(f) != len(pcm)) {
				t.Fatalf("rate %d: frame at byte %d of %d bytes splits a sample", rate, off, len(f))
			}
			if f[0] != byte(off) {
				t.Fatalf("rate %d: frame at byte %d starts with %d", rate, off, f[0])
			}
			off += len(f)
		}
		if off != len(pcm) {
			t.Errorf("rate %d: replayed %d of %d bytes", rate, off, len(pcm))
		}
	}
}
