package audio

import (
	"sync"
	"time"
)

// Framer re-chunks variable-size PCM into fixed-duration frames. The AI
// endpoint streams audio in arbitrary chunk sizes; the telephony leg needs
// exactly one frame per packet interval.
//
// Samples come out in the order they went in. Framer is safe for concurrent
// use, so a barge-in can [Framer.Clear] it from the dispatch goroutine while
// the receive loop pushes.
type Framer struct {
	mu      sync.Mutex
	rate    int
	size    int
	dur     time.Duration
	silence int16
	buf     []int16
}

// NewFramer returns a framer emitting frames of frameDuration at sampleRate.
// silence is the sample value used to pad the final partial frame.
func NewFramer(sampleRate int, frameDuration time.Duration, silence int16) *Framer {
	size := SamplesPerFrame(sampleRate, frameDuration)
	if size <= 0 {
		size = 1
	}
	return &Framer{
		rate:    sampleRate,
		size:    size,
		dur:     frameDuration,
		silence: silence,
		buf:     make([]int16, 0, size*4),
	}
}

// Push appends a chunk of any length.
func (f *Framer) Push(chunk []int16) {
	if len(chunk) == 0 {
		return
	}
	f.mu.Lock()
	f.buf = append(f.buf, chunk...)
	f.mu.Unlock()
}

// Pull returns the next complete frame, or false if fewer than one frame of
// samples is buffered.
func (f *Framer) Pull() (AudioFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) < f.size {
		return AudioFrame{}, false
	}
	return f.take(f.size), true
}

// Flush returns the buffered remainder as a frame padded with silence.
// Callers drain complete frames with [Framer.Pull] first; after that Flush
// yields at most one frame. It reports false when nothing is buffered.
func (f *Framer) Flush() (AudioFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) == 0 {
		return AudioFrame{}, false
	}
	if len(f.buf) >= f.size {
		return f.take(f.size), true
	}
	for len(f.buf) < f.size {
		f.buf = append(f.buf, f.silence)
	}
	return f.take(f.size), true
}

// Clear discards everything buffered and returns the number of samples
// dropped.
func (f *Framer) Clear() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.buf)
	f.buf = f.buf[:0]
	return n
}

// Buffered reports how many samples are waiting.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// FrameSize is the number of samples per emitted frame.
func (f *Framer) FrameSize() int { return f.size }

// take removes the first n samples. Callers hold f.mu.
func (f *Framer) take(n int) AudioFrame {
	samples := make([]int16, n)
	copy(samples, f.buf[:n])
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
	return AudioFrame{Samples: samples, SampleRate: f.rate, Duration: f.dur}
}
