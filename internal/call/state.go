package call

import "fmt"

// State is the lifecycle state of one call.
type State int

const (
	// Idle: the session exists but the telephony leg has not signalled yet.
	Idle State = iota

	// Ringing: an inbound call is being offered.
	Ringing

	// Active: the call is answered and audio is bridged in both directions.
	Active

	// Interrupted is a sub-state of Active: the caller barged in and the
	// assistant's response is being cancelled.
	Interrupted

	// Terminating: a hangup or fatal transport error is being processed.
	Terminating

	// Closed: every resource of the call has been released.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	case Interrupted:
		return "interrupted"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Leg names one side of the bridge.
type Leg string

const (
	LegTelephony Leg = "telephony"
	LegAI        Leg = "ai"
)

// TransportClosedError reports that one leg's media or event stream ended
// without a hangup. It always terminates the call.
type TransportClosedError struct {
	Leg Leg
	Err error
}

func (e *TransportClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call: %s transport closed: %v", e.Leg, e.Err)
	}
	return fmt.Sprintf("call: %s transport closed", e.Leg)
}

func (e *TransportClosedError) Unwrap() error { return e.Err }
