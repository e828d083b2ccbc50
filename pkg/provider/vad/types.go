package vad

// Event is the detector's verdict on one frame.
type Event struct {
	Type EventType
	// Probability is the speech score in [0, 1].
	Probability float64
}

// EventType is the speech state reported for a frame. Only the edges
// (SpeechStart and SpeechEnd) drive barge-in; the steady states are
// informational.
type EventType int

const (
	SpeechStart EventType = iota
	SpeechContinue
	SpeechEnd
	Silence
)

var eventTypeNames = [...]string{
	SpeechStart:    "speech_start",
	SpeechContinue: "speech_continue",
	SpeechEnd:      "speech_end",
	Silence:        "silence",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return "unknown"
	}
	return eventTypeNames[t]
}
