// Package s2s defines the Provider interface for speech-to-speech (S2S)
// conversational AI endpoints.
//
// An S2S provider wraps a real-time voice AI service that accepts a stream of
// caller audio over a persistent bidirectional connection and answers with
// synthesised audio plus turn-boundary and voice-activity events. Examples are
// the OpenAI Realtime API and the Gemini Live API.
//
// The central abstraction is [SessionHandle]: one long-lived session per call.
// Audio goes in with SendAudio; everything the endpoint produces comes out, in
// arrival order, on a single [Event] channel.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods after Close or after
// the connection dropped.
var ErrSessionClosed = errors.New("s2s: session closed")

// ErrNotSupported is returned for actions an endpoint has no equivalent for,
// such as explicit response cancellation on Gemini Live.
var ErrNotSupported = errors.New("s2s: not supported by provider")

// EventType classifies an [Event].
type EventType int

const (
	// EventAudioDelta carries a chunk of synthesised little-endian PCM16 at
	// the provider's output sample rate.
	EventAudioDelta EventType = iota

	// EventUtteranceStarted: the endpoint began a response.
	EventUtteranceStarted

	// EventUtteranceCompleted: the response finished normally.
	EventUtteranceCompleted

	// EventUtteranceCancelled: the response was cancelled, either on request
	// or because the endpoint detected the caller talking over it.
	EventUtteranceCancelled

	// EventVoiceActivityStarted: the endpoint's own voice-activity detector
	// heard the caller start talking.
	EventVoiceActivityStarted

	// EventVoiceActivityStopped: the endpoint's detector heard the caller stop.
	EventVoiceActivityStopped

	// EventTranscript carries a finished transcript line for either party.
	EventTranscript

	// EventError carries a non-fatal error reported by the endpoint. Fatal
	// errors close the channel instead; see [SessionHandle.Err].
	EventError
)

// String returns the event type's name.
func (t EventType) String() string {
	switch t {
	case EventAudioDelta:
		return "audio_delta"
	case EventUtteranceStarted:
		return "utterance_started"
	case EventUtteranceCompleted:
		return "utterance_completed"
	case EventUtteranceCancelled:
		return "utterance_cancelled"
	case EventVoiceActivityStarted:
		return "voice_activity_started"
	case EventVoiceActivityStopped:
		return "voice_activity_stopped"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Transcript is a finished line of recognised or generated speech.
type Transcript struct {
	Speaker Speaker
	Text    string
}

// Event is one item from the endpoint's event stream. Only the field that
// matches Type is set.
type Event struct {
	Type       EventType
	Audio      []byte
	Transcript Transcript
	Err        error
}

// TurnDetection configures the endpoint's server-side voice-activity
// detection.
type TurnDetection struct {
	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMs is how much audio before detected speech is kept.
	PrefixPaddingMs int

	// SilenceDurationMs is how long the caller must be quiet before the
	// endpoint treats the turn as finished.
	SilenceDurationMs int
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific voice name ("alloy", "Puck", ...). Empty
	// selects the provider default.
	Voice string

	// Instructions is the system prompt for the assistant.
	Instructions string

	// TurnDetection configures server-side turn detection. Nil keeps the
	// provider's defaults.
	TurnDetection *TurnDetection

	// TranscriptionModel enables caller transcription where the provider
	// supports selecting a model (e.g. "whisper-1"). Empty disables it.
	TranscriptionModel string
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the PCM16 rate SendAudio expects.
	InputSampleRate int

	// OutputSampleRate is the PCM16 rate of EventAudioDelta payloads.
	OutputSampleRate int

	// SupportsCancel reports whether CancelResponse does anything.
	SupportsCancel bool

	// MaxSessionDurationMs is the provider's hard session limit, zero if none
	// is documented.
	MaxSessionDurationMs int

	// Voices lists known voice names.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Every method must return quickly; the call's media workers invoke them
// directly. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one chunk of little-endian PCM16 at the provider's
	// input sample rate.
	SendAudio(chunk []byte) error

	// Events returns the endpoint's event stream. The channel is closed when
	// the session ends; check [SessionHandle.Err] afterwards.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil on a clean close.
	Err() error

	// RequestResponse asks the endpoint to generate a response now.
	RequestResponse() error

	// CancelResponse asks the endpoint to stop the response in progress.
	// Providers without an explicit cancel return [ErrNotSupported].
	CancelResponse() error

	// UpdateInstructions replaces the system prompt for subsequent turns.
	UpdateInstructions(instructions string) error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session. The caller owns the returned handle and
	// must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
