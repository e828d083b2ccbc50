// Package vad defines the Engine interface for local Voice Activity Detection.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. The call session runs one on the decoded
// caller audio so that barge-in can be detected locally, one round trip
// earlier than the AI endpoint's own detector would report it.
//
// VAD is synchronous: ProcessFrame returns immediately with a
// detection result.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is owned by one goroutine.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range: [0.0, 1.0]. Zero selects the engine default.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts as
	// silence. Must be ≤ SpeechThreshold. Zero selects SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono PCM16 samples and returns the
	// detection result. It must not block.
	ProcessFrame(frame []int16) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
