// Package telephony defines the interfaces between the call core and a
// telephone signalling/media stack.
//
// The two primary abstractions are:
//
//   - [Call]: one inbound phone call: its negotiated codec and frame
//     duration, a channel of encoded caller audio, lifecycle events, and the
//     commands answer, hangup and write.
//   - [Server]: the source of incoming calls.
//
// The SIP/RTP implementation lives in telephony/sip; telephony/mock provides
// a scripted double for tests.
//
// Command methods on a Call are executed on the call's home goroutine inside
// the implementation. Callers may invoke them from any goroutine, but an
// implementation must never call back into its signalling stack from a
// goroutine other than the one the stack handed the call to.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
)

// ErrCallClosed is returned by command methods after the call has ended.
var ErrCallClosed = errors.New("telephony: call closed")

// EventType classifies call lifecycle events emitted by a [Call].
type EventType int

const (
	// EventRinging is emitted once the inbound call has been offered and the
	// caller is hearing ringback.
	EventRinging EventType = iota

	// EventAccepted is emitted when the call has been answered and media flows.
	EventAccepted

	// EventHangup is emitted when either party ends the call. It is always the
	// last event on the channel.
	EventHangup
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventRinging:
		return "RINGING"
	case EventAccepted:
		return "ACCEPTED"
	case EventHangup:
		return "HANGUP"
	default:
		return "UNKNOWN"
	}
}

// Event describes a lifecycle change of a [Call].
type Event struct {
	Type EventType

	// Remote reports whether the far end caused the event. Only meaningful
	// for EventHangup.
	Remote bool

	// Reason is a short free-form description, e.g. "bye" or "cancel".
	Reason string
}

// Call is one inbound telephone call.
//
// All channels returned by a Call are closed by the implementation once the
// call has ended. Implementations must be safe for concurrent use.
type Call interface {
	// ID is the signalling-level call identifier.
	ID() string

	// Caller is the calling party, e.g. the From URI.
	Caller() string

	// Codec is the negotiated media codec. It is fixed for the call.
	Codec() codec.ID

	// FrameDuration is the packetisation interval the far end expects.
	FrameDuration() time.Duration

	// Audio delivers encoded caller audio, one packet payload per value.
	// The channel is closed when the media path ends.
	Audio() <-chan []byte

	// Events delivers lifecycle events in order.
	Events() <-chan Event

	// Answer accepts the call.
	Answer(ctx context.Context) error

	// Hangup ends the call. Before Answer it rejects the call. Calling Hangup
	// on an ended call returns nil.
	Hangup(ctx context.Context) error

	// Write sends one encoded frame to the caller. It must not block; when the
	// media path cannot keep up the implementation drops the frame.
	Write(payload []byte) error
}

// Server is a source of incoming calls.
type Server interface {
	// Calls delivers each admitted inbound call exactly once.
	Calls() <-chan Call
}

// RejectError asks the signalling stack to refuse an incoming call with the
// given status.
type RejectError struct {
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("telephony: call rejected: %d %s", e.Code, e.Reason)
}

// Common rejections.
var (
	ErrBusy        = &RejectError{Code: 486, Reason: "Busy Here"}
	ErrUnavailable = &RejectError{Code: 480, Reason: "Temporarily Unavailable"}
	ErrOverloaded  = &RejectError{Code: 503, Reason: "Service Unavailable"}
)

// Admission decides whether a newly offered call may proceed. Returning a
// non-nil error rejects the call; a *RejectError selects the status, any
// other error maps to 500.
type Admission func(caller string) error

// RejectFor maps an admission error to a status code and reason.
func RejectFor(err error) (int, string) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code, re.Reason
	}
	return 500, "Server Internal Error"
}
