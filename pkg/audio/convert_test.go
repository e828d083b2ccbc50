package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes independently of
// the package under test.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func sine(n, rate int, freq float64, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	in := []int16{100, 200, 300}
	out, err := audio.Resample(in, 8000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
	out[0] = 0
	if in[0] != 100 {
		t.Error("same-rate resample must return a copy, input was modified")
	}
}

func TestResample_Lengths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		n        int
		from, to int
		want     int
	}{
		{"8k to 16k frame", 160, 8000, 16000, 320},
		{"8k to 24k frame", 160, 8000, 24000, 480},
		{"24k to 8k 100ms", 2400, 24000, 8000, 800},
		{"16k to 8k frame", 320, 16000, 8000, 160},
		{"rounds half up", 3, 24000, 8000, 1},
		{"rounds to nearest", 5, 24000, 8000, 2},
		{"empty", 0, 8000, 16000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := audio.Resample(make([]int16, tt.n), tt.from, tt.to)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(out) != tt.want {
				t.Errorf("len = %d, want %d", len(out), tt.want)
			}
		})
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()
	out, err := audio.Resample([]int16{0, 1000}, 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int16{0, 500, 1000, 1000}
	if len(out) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResample_SilenceStaysSilent(t *testing.T) {
	t.Parallel()
	out, err := audio.Resample(make([]int16, 160), 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 320 {
		t.Fatalf("len = %d, want 320", len(out))
	}
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestResample_RoundTripPreservesSignal(t *testing.T) {
	t.Parallel()
	// A 400 Hz tone is well under both Nyquist limits, so 8k -> 24k -> 8k must
	// come back close to the original.
	in := sine(800, 8000, 400, 8000)
	up, err := audio.Resample(in, 8000, 24000)
	if err != nil {
		t.Fatalf("upsample: %v", err)
	}
	down, err := audio.Resample(up, 24000, 8000)
	if err != nil {
		t.Fatalf("downsample: %v", err)
	}
	if len(down) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(down), len(in))
	}
	for i := range in {
		if d := math.Abs(float64(down[i]) - float64(in[i])); d > 2 {
			t.Fatalf("sample %d: got %d, want %d (diff %.0f)", i, down[i], in[i], d)
		}
	}
}

func TestResample_InvalidRate(t *testing.T) {
	t.Parallel()
	for _, rates := range [][2]int{{0, 8000}, {8000, 0}, {-8000, 16000}} {
		_, err := audio.Resample([]int16{1, 2, 3}, rates[0], rates[1])
		var rateErr *audio.InvalidRateError
		if !errors.As(err, &rateErr) {
			t.Fatalf("Resample(%d, %d): want *InvalidRateError, got %v", rates[0], rates[1], err)
		}
		if rateErr.From != rates[0] || rateErr.To != rates[1] {
			t.Errorf("error carries %d->%d, want %d->%d", rateErr.From, rateErr.To, rates[0], rates[1])
		}
	}
}

func TestResamplePCM16(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 1000})
	out, err := audio.ResamplePCM16(pcm, 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := bytesToSamples(out)
	if len(got) != 4 || got[1] != 500 {
		t.Errorf("got %v, want [0 500 1000 1000]", got)
	}
}

func TestBytesSamples_MatchesEncodingBinary(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	if got := bytesToSamples(audio.SamplesToBytes(in)); len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	} else {
		for i := range in {
			if got[i] != in[i] {
				t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
			}
		}
	}
	got := audio.BytesToSamples(append(samplesToBytes(in), 0x7f))
	if len(got) != len(in) {
		t.Fatalf("odd trailing byte: got %d samples, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestConverter_OddByteCount(t *testing.T) {
	t.Parallel()
	c, err := audio.NewConverter(24000, 8000)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	// 2400 samples plus a stray byte still produce 800 output samples.
	pcm := append(samplesToBytes(make([]int16, 2400)), 0x01)
	if got := len(c.PCM16(pcm)); got != 800 {
		t.Errorf("len = %d, want 800", got)
	}
	if _, err := audio.NewConverter(0, 8000); err == nil {
		t.Error("NewConverter(0, 8000) should fail")
	}
}
