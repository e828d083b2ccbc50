// Package calllog defines the persistent history of finished calls.
//
// The bridge keeps only the last few calls in memory for /status. When a
// [Store] is configured, every finished call is also written to it together
// with its transcripts, so that past conversations can be listed and searched
// after a restart.
//
// Every implementation must be safe for concurrent use.
package calllog

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ErrNotFound is returned by [Store.Get] for an unknown call ID.
var ErrNotFound = errors.New("calllog: call not found")

// Record is one finished call.
type Record struct {
	ID         string    `json:"id"`
	Caller     string    `json:"caller"`
	Codec      codec.ID  `json:"codec"`
	StartedAt  time.Time `json:"started_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	EndedAt    time.Time `json:"ended_at"`

	// Endpoint names the AI endpoint that served the call, empty when the
	// call was never connected.
	Endpoint string `json:"endpoint,omitempty"`

	Stats       call.Stats            `json:"stats"`
	Transcripts []call.TranscriptLine `json:"transcripts,omitempty"`
}

// Duration is the answered time of the call, zero when it was not answered.
func (r Record) Duration() time.Duration {
	if r.AnsweredAt.IsZero() || r.EndedAt.Before(r.AnsweredAt) {
		return 0
	}
	return r.EndedAt.Sub(r.AnsweredAt)
}

// FromInfo converts the final snapshot of a call.
func FromInfo(info call.Info, endpoint string, endedAt time.Time) Record {
	return Record{
		ID:          info.ID,
		Caller:      info.Caller,
		Codec:       info.Codec,
		StartedAt:   info.StartedAt,
		AnsweredAt:  info.AnsweredAt,
		EndedAt:     endedAt,
		Endpoint:    endpoint,
		Stats:       info.Stats,
		Transcripts: info.Transcripts,
	}
}

// SearchOpts narrows a transcript search. All non-zero fields are applied as
// AND conditions.
type SearchOpts struct {
	// Caller restricts results to calls from this SIP URI.
	Caller string

	// After and Before bound the transcript time (exclusive). Zero disables
	// the bound.
	After  time.Time
	Before time.Time

	// Speaker restricts results to one side of the conversation.
	Speaker s2s.Speaker

	// Limit caps the number of results. Zero lets the implementation choose.
	Limit int
}

// Match is one transcript line found by [Store.Search].
type Match struct {
	CallID string              `json:"call_id"`
	Caller string              `json:"caller"`
	Line   call.TranscriptLine `json:"line"`
}

// Store persists finished calls.
type Store interface {
	// Save writes a record and its transcripts. Saving the same ID twice
	// replaces the earlier record.
	Save(ctx context.Context, r Record) error

	// Get returns one call with its transcripts, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Recent returns up to limit calls, newest first, without transcripts.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Search runs a full-text query over transcripts, oldest match first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Match, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
