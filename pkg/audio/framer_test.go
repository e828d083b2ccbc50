package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

func ramp(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestFramer_ArbitraryChunksPreserveOrder(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(8000, 20*time.Millisecond, 0)
	if f.FrameSize() != 160 {
		t.Fatalf("FrameSize = %d, want 160", f.FrameSize())
	}

	// 7 + 300 + 13 = 320 samples, pushed in awkward sizes.
	f.Push(ramp(0, 7))
	f.Push(ramp(7, 300))
	f.Push(ramp(307, 13))

	var got []int16
	for {
		frame, ok := f.Pull()
		if !ok {
			break
		}
		if len(frame.Samples) != 160 {
			t.Fatalf("frame has %d samples, want 160", len(frame.Samples))
		}
		if frame.Duration != 20*time.Millisecond || frame.SampleRate != 8000 {
			t.Errorf("frame metadata = %v @ %d Hz, want 20ms @ 8000 Hz", frame.Duration, frame.SampleRate)
		}
		got = append(got, frame.Samples...)
	}
	if len(got) != 320 {
		t.Fatalf("pulled %d samples, want 320", len(got))
	}
	for i, s := range got {
		if s != int16(i) {
			t.Fatalf("sample %d = %d, want %d", i, s, i)
		}
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", f.Buffered())
	}
}

func TestFramer_PullNeedsFullFrame(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(8000, 20*time.Millisecond, 0)
	f.Push(ramp(0, 159))
	if _, ok := f.Pull(); ok {
		t.Fatal("Pull returned a frame with only 159 samples buffered")
	}
	f.Push([]int16{159})
	if _, ok := f.Pull(); !ok {
		t.Fatal("Pull returned nothing with 160 samples buffered")
	}
}

func TestFramer_FlushPadsWithSilence(t *testing.T) {
	t.Parallel()
	const silence = 8 // A-law zero-energy sample
	f := audio.NewFramer(8000, 20*time.Millisecond, silence)
	f.Push(ramp(1, 200))

	if _, ok := f.Pull(); !ok {
		t.Fatal("expected one complete frame")
	}
	if _, ok := f.Pull(); ok {
		t.Fatal("expected no second complete frame")
	}

	frame, ok := f.Flush()
	if !ok {
		t.Fatal("Flush returned nothing with 40 samples buffered")
	}
	if len(frame.Samples) != 160 {
		t.Fatalf("flushed frame has %d samples, want 160", len(frame.Samples))
	}
	for i := range 40 {
		if frame.Samples[i] != int16(161+i) {
			t.Fatalf("sample %d = %d, want %d", i, frame.Samples[i], 161+i)
		}
	}
	for i := 40; i < 160; i++ {
		if frame.Samples[i] != silence {
			t.Fatalf("padding sample %d = %d, want %d", i, frame.Samples[i], silence)
		}
	}
	if _, ok := f.Flush(); ok {
		t.Error("second Flush should report nothing buffered")
	}
}

func TestFramer_ClearDropsEverything(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(8000, 20*time.Millisecond, 0)
	f.Push(ramp(0, 500))
	if n := f.Clear(); n != 500 {
		t.Errorf("Clear = %d, want 500", n)
	}
	if _, ok := f.Pull(); ok {
		t.Error("Pull after Clear returned a frame")
	}
	if _, ok := f.Flush(); ok {
		t.Error("Flush after Clear returned a frame")
	}

	// The framer is reusable after a clear and keeps ordering.
	f.Push(ramp(1000, 160))
	frame, ok := f.Pull()
	if !ok || frame.Samples[0] != 1000 {
		t.Errorf("frame after Clear starts at %v, want 1000", frame.Samples[:1])
	}
}

func TestFramer_ConcurrentPushAndClear(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(8000, 20*time.Millisecond, 0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			f.Push(ramp(0, 37))
			f.Pull()
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			f.Clear()
		}
	}()
	wg.Wait()
	if f.Buffered() < 0 || f.Buffered() >= 160+37 {
		t.Errorf("Buffered = %d, out of plausible range", f.Buffered())
	}
}
