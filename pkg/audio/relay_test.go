package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

func frameWithID(id int) audio.AudioFrame {
	return audio.NewFrame([]int16{int16(id)}, 8000)
}

func TestRelay_FIFO(t *testing.T) {
	t.Parallel()
	r := audio.NewRelay(10, audio.SilenceFrame(8000, 20*time.Millisecond, 0))
	for i := range 5 {
		if r.Enqueue(frameWithID(i)) {
			t.Fatalf("Enqueue(%d) evicted on a non-full relay", i)
		}
	}
	for i := range 5 {
		f, ok := r.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: relay reported empty", i)
		}
		if f.Samples[0] != int16(i) {
			t.Errorf("Dequeue %d returned frame %d", i, f.Samples[0])
		}
	}
}

func TestRelay_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()
	r := audio.NewRelay(3, audio.SilenceFrame(8000, 20*time.Millisecond, 0))
	for i := range 3 {
		r.Enqueue(frameWithID(i))
	}
	if !r.Enqueue(frameWithID(3)) {
		t.Fatal("Enqueue on a full relay did not report eviction")
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	for _, want := range []int16{1, 2, 3} {
		f, _ := r.Dequeue()
		if f.Samples[0] != want {
			t.Errorf("got frame %d, want %d", f.Samples[0], want)
		}
	}
	if st := r.Stats(); st.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", st.Evicted)
	}
}

func TestRelay_NeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	r := audio.NewRelay(0, audio.SilenceFrame(8000, 20*time.Millisecond, 0))
	if r.Cap() != audio.DefaultRelayCapacity {
		t.Fatalf("Cap = %d, want default %d", r.Cap(), audio.DefaultRelayCapacity)
	}
	for i := range 3 * audio.DefaultRelayCapacity {
		r.Enqueue(frameWithID(i))
		if r.Len() > audio.DefaultRelayCapacity {
			t.Fatalf("Len = %d exceeds capacity after %d enqueues", r.Len(), i+1)
		}
	}
}

func TestRelay_EmptyReturnsSilence(t *testing.T) {
	t.Parallel()
	silence := audio.SilenceFrame(8000, 20*time.Millisecond, 8)
	r := audio.NewRelay(4, silence)

	f, ok := r.Dequeue()
	if ok {
		t.Fatal("Dequeue on an empty relay reported a real frame")
	}
	if len(f.Samples) != 160 {
		t.Fatalf("silence frame has %d samples, want 160", len(f.Samples))
	}
	for _, s := range f.Samples {
		if s != 8 {
			t.Fatalf("silence sample = %d, want 8", s)
		}
	}
	if st := r.Stats(); st.Underruns != 1 {
		t.Errorf("Underruns = %d, want 1", st.Underruns)
	}
}

func TestRelay_Clear(t *testing.T) {
	t.Parallel()
	r := audio.NewRelay(8, audio.SilenceFrame(8000, 20*time.Millisecond, 0))
	for i := range 6 {
		r.Enqueue(frameWithID(i))
	}
	r.Dequeue()
	if n := r.Clear(); n != 5 {
		t.Errorf("Clear = %d, want 5", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", r.Len())
	}
	if _, ok := r.Dequeue(); ok {
		t.Error("Dequeue after Clear returned a real frame")
	}
	r.Enqueue(frameWithID(42))
	if f, ok := r.Dequeue(); !ok || f.Samples[0] != 42 {
		t.Errorf("relay not reusable after Clear: got %v, %v", f.Samples, ok)
	}
	if st := r.Stats(); st.Cleared != 5 {
		t.Errorf("Cleared = %d, want 5", st.Cleared)
	}
}
