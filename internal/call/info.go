package call

import (
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/turn"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// maxTranscripts bounds the transcript history kept per call.
const maxTranscripts = 20

// Stats are cumulative media counters for one call.
type Stats struct {
	FramesIn       uint64 `json:"frames_in"`
	FramesOut      uint64 `json:"frames_out"`
	SilenceOut     uint64 `json:"silence_out"`
	DecodeErrors   uint64 `json:"decode_errors"`
	StaleDropped   uint64 `json:"stale_dropped"`
	BargeIns       uint64 `json:"barge_ins"`
	FailOpens      uint64 `json:"fail_opens"`
	KeepalivesSent uint64 `json:"keepalives_sent"`

	Relay audio.RelayStats `json:"relay"`
}

// TranscriptLine is one finished transcript with its arrival time.
type TranscriptLine struct {
	At      time.Time   `json:"at"`
	Speaker s2s.Speaker `json:"speaker"`
	Text    string      `json:"text"`
}

// Info is a point-in-time snapshot of a call for status surfaces.
type Info struct {
	ID          string           `json:"id"`
	Caller      string           `json:"caller"`
	Codec       codec.ID         `json:"codec"`
	State       State            `json:"state"`
	TurnState   string           `json:"turn_state"`
	StartedAt   time.Time        `json:"started_at"`
	AnsweredAt  time.Time        `json:"answered_at,omitzero"`
	Stats       Stats            `json:"stats"`
	Transcripts []TranscriptLine `json:"transcripts"`
}

// transcriptLog is a bounded, concurrency-safe transcript history.
type transcriptLog struct {
	mu    sync.Mutex
	lines []TranscriptLine
}

func (l *transcriptLog) add(line TranscriptLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == maxTranscripts {
		copy(l.lines, l.lines[1:])
		l.lines = l.lines[:maxTranscripts-1]
	}
	l.lines = append(l.lines, line)
}

func (l *transcriptLog) snapshot() []TranscriptLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TranscriptLine(nil), l.lines...)
}

// turnName renders a turn state for Info, "listening" before the call is up.
func turnName(a *turn.Arbiter) string {
	if a == nil {
		return turn.Listening.String()
	}
	return a.State().String()
}
