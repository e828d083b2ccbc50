package energy_test

import (
	"testing"

	"github.com/MrWong99/callbridge/pkg/provider/vad"
	"github.com/MrWong99/callbridge/pkg/provider/vad/energy"
)

func constFrame(v int16) []int16 {
	f := make([]int16, 160)
	for i := range f {
		if i%2 == 0 {
			f[i] = v
		} else {
			f[i] = -v
		}
	}
	return f
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	s, err := energy.New(opts...).NewSession(vad.Config{SampleRate: 8000, FrameSizeMs: 20})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func process(t *testing.T, s vad.SessionHandle, frame []int16) vad.Event {
	t.Helper()
	evt, err := s.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return evt
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := energy.RMS(constFrame(1000)); got != 1000 {
		t.Errorf("RMS = %v, want 1000", got)
	}
	if got := energy.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
}

func TestSession_SpeechNeedsConsecutiveFrames(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	loud := constFrame(2000)

	for i := range energy.DefaultMinSpeechFrames - 1 {
		if evt := process(t, s, loud); evt.Type != vad.Silence {
			t.Fatalf("frame %d: %v, want silence before hangover", i, evt.Type)
		}
	}
	if evt := process(t, s, loud); evt.Type != vad.SpeechStart {
		t.Fatalf("got %v, want speech_start", evt.Type)
	}
	if evt := process(t, s, loud); evt.Type != vad.SpeechContinue {
		t.Fatalf("got %v, want speech_continue", evt.Type)
	}
}

func TestSession_ShortBurstIgnored(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	process(t, s, constFrame(2000))
	process(t, s, constFrame(2000))
	process(t, s, constFrame(0))
	if evt := process(t, s, constFrame(2000)); evt.Type != vad.Silence {
		t.Errorf("got %v, want silence after interrupted burst", evt.Type)
	}
}

func TestSession_SpeechEndsAfterSilenceHangover(t *testing.T) {
	t.Parallel()
	s := newSession(t, energy.WithMinSpeechFrames(1), energy.WithMinSilenceFrames(2))

	if evt := process(t, s, constFrame(3000)); evt.Type != vad.SpeechStart {
		t.Fatalf("got %v, want speech_start", evt.Type)
	}
	if evt := process(t, s, constFrame(10)); evt.Type != vad.SpeechContinue {
		t.Fatalf("got %v, want speech_continue during hangover", evt.Type)
	}
	if evt := process(t, s, constFrame(10)); evt.Type != vad.SpeechEnd {
		t.Fatalf("got %v, want speech_end", evt.Type)
	}
}

func TestSession_ThresholdOption(t *testing.T) {
	t.Parallel()
	s := newSession(t, energy.WithThreshold(5000), energy.WithMinSpeechFrames(1))
	if evt := process(t, s, constFrame(2000)); evt.Type != vad.Silence {
		t.Errorf("RMS 2000 under threshold 5000: got %v, want silence", evt.Type)
	}
	evt := process(t, s, constFrame(6000))
	if evt.Type != vad.SpeechStart {
		t.Errorf("RMS 6000 over threshold 5000: got %v, want speech_start", evt.Type)
	}
	if evt.Probability <= 0.5 {
		t.Errorf("Probability = %v, want > 0.5", evt.Probability)
	}
}

func TestSession_ResetAndClose(t *testing.T) {
	t.Parallel()
	s := newSession(t, energy.WithMinSpeechFrames(1))
	process(t, s, constFrame(3000))
	s.Reset()
	if evt := process(t, s, constFrame(0)); evt.Type != vad.Silence {
		t.Errorf("after Reset: %v, want silence", evt.Type)
	}
	_ = s.Close()
	if _, err := s.ProcessFrame(constFrame(0)); err == nil {
		t.Error("ProcessFrame after Close should fail")
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	e := energy.New()
	bad := []vad.Config{
		{SampleRate: 0},
		{SampleRate: 8000, SpeechThreshold: 1.5},
		{SampleRate: 8000, SpeechThreshold: 0.3, SilenceThreshold: 0.6},
	}
	for _, cfg := range bad {
		if _, err := e.NewSession(cfg); err == nil {
			t.Errorf("NewSession(%+v) succeeded, want error", cfg)
		}
	}
}
