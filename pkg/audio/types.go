package audio

import "time"

// AudioFrame is a block of mono PCM audio flowing between the telephony leg
// and the AI endpoint. Once framed, every frame has exactly the configured
// duration; partial frames never cross a component boundary.
//
// A frame is created by one conversion step and consumed once by the next.
// Stages must not keep references to Samples after handing the frame on.
type AudioFrame struct {
	// Samples holds signed 16-bit mono PCM.
	Samples []int16

	// SampleRate in Hz (8000 on the telephony leg, 16000 or 24000 towards the
	// AI endpoint).
	SampleRate int

	// Duration is the playback length of Samples at SampleRate.
	Duration time.Duration
}

// NewFrame wraps samples in an [AudioFrame], deriving Duration from the
// sample count and rate.
func NewFrame(samples []int16, sampleRate int) AudioFrame {
	return AudioFrame{
		Samples:    samples,
		SampleRate: sampleRate,
		Duration:   DurationOf(len(samples), sampleRate),
	}
}

// SilenceFrame returns a frame of the given rate and duration in which every
// sample equals value. Value is the zero-energy sample of the codec in use
// (0 for μ-law and linear PCM, 8 for A-law).
func SilenceFrame(sampleRate int, d time.Duration, value int16) AudioFrame {
	n := SamplesPerFrame(sampleRate, d)
	samples := make([]int16, n)
	if value != 0 {
		for i := range samples {
			samples[i] = value
		}
	}
	return AudioFrame{Samples: samples, SampleRate: sampleRate, Duration: d}
}

// SamplesPerFrame returns how many samples at sampleRate fit in d.
// 20 ms at 8 kHz is 160 samples.
func SamplesPerFrame(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// DurationOf returns the playback length of n samples at sampleRate.
func DurationOf(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// Bytes returns the frame's samples as little-endian PCM16.
func (f AudioFrame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}
