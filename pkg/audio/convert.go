package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// InvalidRateError is returned by [Resample] when a sample rate is not
// strictly positive.
type InvalidRateError struct {
	From, To int
}

func (e *InvalidRateError) Error() string {
	return fmt.Sprintf("audio: invalid sample rate conversion %d Hz -> %d Hz", e.From, e.To)
}

// Resample converts mono PCM from one sample rate to another using linear
// interpolation. It is deterministic and stateless and adds no buffering
// latency: output sample i is interpolated from the input neighbourhood of
// position i*from/to.
//
// The output holds round(len(samples)*to/from) samples. If from equals to,
// a copy of the input is returned.
func Resample(samples []int16, from, to int) ([]int16, error) {
	if from <= 0 || to <= 0 {
		return nil, &InvalidRateError{From: from, To: to}
	}
	if from == to {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}
	n := len(samples)
	if n == 0 {
		return []int16{}, nil
	}

	outLen := int((int64(n)*int64(to) + int64(from)/2) / int64(from))
	out := make([]int16, outLen)
	ratio := float64(from) / float64(to)

	for i := range outLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= n {
			srcIdx = n - 1
		}
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < n {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out, nil
}

// ResamplePCM16 is [Resample] over little-endian PCM16 bytes, the wire format
// both AI endpoints use. A trailing odd byte is ignored.
func ResamplePCM16(pcm []byte, from, to int) ([]byte, error) {
	out, err := Resample(BytesToSamples(pcm), from, to)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(out), nil
}

// Converter resamples a stream of PCM16 chunks from one fixed rate to
// another. It warns once when a chunk has an odd byte count. Create one per
// stream direction; a Converter is safe for concurrent use.
type Converter struct {
	From, To int

	warnedOdd sync.Once
}

// NewConverter validates the rate pair and returns a [Converter].
func NewConverter(from, to int) (*Converter, error) {
	if from <= 0 || to <= 0 {
		return nil, &InvalidRateError{From: from, To: to}
	}
	return &Converter{From: from, To: to}, nil
}

// Samples resamples decoded samples.
func (c *Converter) Samples(samples []int16) []int16 {
	out, _ := Resample(samples, c.From, c.To)
	return out
}

// PCM16 decodes little-endian PCM16 bytes and resamples them.
func (c *Converter) PCM16(pcm []byte) []int16 {
	if len(pcm)%2 != 0 {
		c.warnedOdd.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM16 chunk, dropping last byte",
				"bytes", len(pcm),
				"from", c.From,
				"to", c.To,
			)
		})
	}
	return c.Samples(BytesToSamples(pcm))
}
