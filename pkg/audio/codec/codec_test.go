package codec_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
)

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func mustNew(t *testing.T, id codec.ID) codec.Transcoder {
	t.Helper()
	tc, err := codec.New(id)
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	return tc
}

func TestMuLaw_KnownValues(t *testing.T) {
	t.Parallel()
	tc := mustNew(t, codec.PCMU)

	got, err := tc.Decode([]byte{0xFF, 0x7F, 0x00, 0x80})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []int16{0, 0, -32124, 32124}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Decode[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	enc := tc.Encode([]int16{0, 32767, -32768})
	if enc[0] != 0xFF {
		t.Errorf("Encode(0) = %#x, want 0xff", enc[0])
	}
	if enc[1] != 0x80 {
		t.Errorf("Encode(32767) = %#x, want 0x80", enc[1])
	}
	if enc[2] != 0x00 {
		t.Errorf("Encode(-32768) = %#x, want 0x00", enc[2])
	}
}

func TestALaw_KnownValues(t *testing.T) {
	t.Parallel()
	tc := mustNew(t, codec.PCMA)

	got, err := tc.Decode([]byte{0xD5, 0x55})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got[0] != 8 || got[1] != -8 {
		t.Errorf("Decode(0xD5, 0x55) = %v, want [8 -8]", got)
	}
	if enc := tc.Encode([]int16{0}); enc[0] != 0xD5 {
		t.Errorf("Encode(0) = %#x, want 0xd5", enc[0])
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id      codec.ID
		sample  int16
		payload byte
	}{
		{codec.PCMU, 0, 0xFF},
		{codec.PCMA, 8, 0xD5},
		{codec.L16, 0, 0x00},
	}
	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			t.Parallel()
			tc := mustNew(t, tt.id)
			if tc.SilenceSample() != tt.sample {
				t.Errorf("SilenceSample = %d, want %d", tc.SilenceSample(), tt.sample)
			}
			p := tc.SilencePayload(160)
			for _, b := range p {
				if b != tt.payload {
					t.Fatalf("silence payload byte = %#x, want %#x", b, tt.payload)
				}
			}
			// Encoding the silence sample must produce the silence payload.
			enc := tc.Encode(make([]int16, 160))
			if tt.id == codec.PCMA {
				enc = tc.Encode(filled(160, 8))
			}
			if string(enc) != string(p) {
				t.Errorf("Encode(silence) differs from SilencePayload")
			}
		})
	}
}

func filled(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Scenario: 160 bytes of μ-law silence decode to 160 zero samples.
func TestMuLaw_SilenceFrameDecodesToZero(t *testing.T) {
	t.Parallel()
	tc := mustNew(t, codec.PCMU)
	pcm, err := tc.Decode(tc.SilencePayload(160))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 160 {
		t.Fatalf("len = %d, want 160", len(pcm))
	}
	for i, s := range pcm {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestG711_EveryCodeRoundTrips(t *testing.T) {
	t.Parallel()
	for _, id := range []codec.ID{codec.PCMU, codec.PCMA} {
		tc := mustNew(t, id)
		for b := range 256 {
			pcm, _ := tc.Decode([]byte{byte(b)})
			back := tc.Encode(pcm)[0]
			// μ-law has two codes for zero (0x7F and 0xFF); both decode to 0.
			if id == codec.PCMU && pcm[0] == 0 {
				continue
			}
			if back != byte(b) {
				t.Errorf("%s: code %#x -> %d -> %#x", id, b, pcm[0], back)
			}
		}
	}
}

func TestG711_QuantizationErrorBounded(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id   codec.ID
		base int
	}{
		{codec.PCMU, 4},
		{codec.PCMA, 8},
	}
	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			t.Parallel()
			tc := mustNew(t, tt.id)
			samples := make([]int16, 0, 65536)
			for x := -32768; x <= 32767; x++ {
				samples = append(samples, int16(x))
			}
			dec, err := tc.Decode(tc.Encode(samples))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			for i, x := range samples {
				bound := tt.base + abs(int(x))/16
				if d := abs(int(dec[i]) - int(x)); d > bound {
					t.Fatalf("x=%d decoded to %d: error %d exceeds %d", x, dec[i], d, bound)
				}
			}
		})
	}
}

func TestL16_BigEndian(t *testing.T) {
	t.Parallel()
	tc := mustNew(t, codec.L16)
	enc := tc.Encode([]int16{0x0102, -2})
	want := []byte{0x01, 0x02, 0xFF, 0xFE}
	if string(enc) != string(want) {
		t.Fatalf("Encode = %x, want %x", enc, want)
	}
	dec, err := tc.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec[0] != 0x0102 || dec[1] != -2 {
		t.Errorf("Decode = %v, want [258 -2]", dec)
	}
}

func TestL16_OddPayloadIsCorrupt(t *testing.T) {
	t.Parallel()
	tc := mustNew(t, codec.L16)
	_, err := tc.Decode([]byte{1, 2, 3})
	var corrupt *codec.CorruptPayloadError
	if !errors.As(err, &corrupt) {
		t.Fatalf("want *CorruptPayloadError, got %v", err)
	}
	if corrupt.Len != 3 || corrupt.Codec != codec.L16 {
		t.Errorf("error = %+v", corrupt)
	}
}

func TestNew_Unsupported(t *testing.T) {
	t.Parallel()
	_, err := codec.New("G729")
	var unsupported *codec.UnsupportedCodecError
	if !errors.As(err, &unsupported) {
		t.Fatalf("want *UnsupportedCodecError, got %v", err)
	}
	if unsupported.Name != "G729" {
		t.Errorf("Name = %q, want G729", unsupported.Name)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want codec.ID
		ok   bool
	}{
		{"PCMU", codec.PCMU, true},
		{"ulaw", codec.PCMU, true},
		{" pcma ", codec.PCMA, true},
		{"g711a", codec.PCMA, true},
		{"L16", codec.L16, true},
		{"opus", "", false},
	}
	for _, tt := range tests {
		got, err := codec.Parse(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("Parse(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPayloadType(t *testing.T) {
	t.Parallel()
	if codec.PayloadType(codec.PCMU) != 0 || codec.PayloadType(codec.PCMA) != 8 {
		t.Error("G.711 static payload types wrong")
	}
	if id, ok := codec.FromPayloadType(8); !ok || id != codec.PCMA {
		t.Errorf("FromPayloadType(8) = %s, %v", id, ok)
	}
	if _, ok := codec.FromPayloadType(18); ok {
		t.Error("FromPayloadType(18) should be unknown")
	}
}
