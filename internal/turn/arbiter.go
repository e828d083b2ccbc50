// Package turn tracks who holds the conversational floor during a call.
//
// The [Arbiter] consumes turn-boundary events from the AI endpoint and
// voice-activity signals from the caller. It enforces that at most one
// assistant response is in flight, and it makes barge-in local and immediate:
// when the caller starts talking over the assistant, buffered assistant audio
// is discarded before the endpoint has even been told to cancel.
//
// An Arbiter belongs to exactly one call. Construct a fresh one per call;
// never reuse one across calls.
package turn

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterruptTimeout bounds how long the arbiter waits for the endpoint
// to confirm a cancellation before falling back to Listening.
const DefaultInterruptTimeout = 2 * time.Second

// State is the conversational turn state.
type State int

const (
	// Listening: the caller holds the floor; no assistant audio is expected.
	Listening State = iota

	// AssistantSpeaking: an assistant response is in flight and its audio
	// is relayed to the caller.
	AssistantSpeaking

	// AssistantSpeakingInterrupted: the caller barged in. Buffered assistant
	// audio has been discarded and late audio for the cancelled response is
	// dropped until the endpoint confirms or the interrupt timeout elapses.
	AssistantSpeakingInterrupted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case AssistantSpeaking:
		return "assistant_speaking"
	case AssistantSpeakingInterrupted:
		return "assistant_speaking_interrupted"
	default:
		return "unknown"
	}
}

// Controller issues response actions to the AI endpoint.
type Controller interface {
	RequestResponse() error
	CancelResponse() error
}

// ResponseAlreadyInProgressError is returned by [Arbiter.RequestResponse]
// when an assistant response is already in flight. The request is rejected,
// never queued.
type ResponseAlreadyInProgressError struct {
	State State
}

func (e *ResponseAlreadyInProgressError) Error() string {
	return "turn: response already in progress (state " + e.State.String() + ")"
}

// ResponseNotInProgressError is returned by [Arbiter.CancelResponse] when
// there is nothing to cancel.
type ResponseNotInProgressError struct {
	State State
}

func (e *ResponseNotInProgressError) Error() string {
	return "turn: no response in progress (state " + e.State.String() + ")"
}

// Transition describes a state change, passed to the hook registered with
// [WithTransitionHook].
type Transition struct {
	From, To State
	Reason   string
}

// Option configures an [Arbiter].
type Option func(*Arbiter)

// WithFlusher registers the function that discards buffered, not yet played
// assistant audio. It returns the number of frames dropped. The arbiter
// calls it synchronously on barge-in and explicit cancellation.
func WithFlusher(fn func() int) Option {
	return func(a *Arbiter) { a.flush = fn }
}

// WithPlayback registers a function reporting whether assistant audio is still
// queued for the caller. Endpoints finish generating well before playback
// ends, so caller speech over that queued tail is a barge-in even though
// the turn is already Listening.
func WithPlayback(fn func() bool) Option {
	return func(a *Arbiter) { a.playing = fn }
}

// WithInterruptTimeout overrides [DefaultInterruptTimeout].
func WithInterruptTimeout(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.interruptTimeout = d
		}
	}
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.log = l }
}

// WithTransitionHook registers fn to observe every state change. It is
// invoked after the arbiter's lock has been released.
func WithTransitionHook(fn func(Transition)) Option {
	return func(a *Arbiter) { a.onTransition = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// Arbiter is the turn-taking state machine. All methods are safe for
// concurrent use. No method holds the arbiter's lock while calling out to
// the controller or any registered callback.
type Arbiter struct {
	ctrl             Controller
	flush            func() int
	playing          func() bool
	interruptTimeout time.Duration
	log              *slog.Logger
	onTransition     func(Transition)
	now              func() time.Time

	mu    sync.Mutex
	state State

	// inFlight is the per-call "response in progress" claim. It changes
	// together with state, under mu.
	inFlight      bool
	interruptedAt time.Time
	bargeIns      uint64
	failOpens     uint64
}

// New returns an Arbiter in the Listening state.
func New(ctrl Controller, opts ...Option) *Arbiter {
	a := &Arbiter{
		ctrl:             ctrl,
		interruptTimeout: DefaultInterruptTimeout,
		log:              slog.Default(),
		now:              time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// State returns the current turn state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// InFlight reports whether an assistant response is outstanding.
func (a *Arbiter) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// Stats returns how many barge-ins occurred and how many interruptions
// ended by timeout instead of endpoint confirmation.
func (a *Arbiter) Stats() (bargeIns, failOpens uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bargeIns, a.failOpens
}

// ── Endpoint events ───────────────────────────────────────────────────────────

// UtteranceStarted handles the endpoint announcing a new response. From
// Listening or from an interrupted turn it moves to AssistantSpeaking; a
// duplicate announcement while already speaking is ignored.
func (a *Arbiter) UtteranceStarted() {
	a.update("utterance_started", func() {
		a.inFlight = true
		a.state = AssistantSpeaking
	})
}

// UtteranceCompleted handles the endpoint finishing a response. Its audio
// may still be playing; see [WithPlayback].
func (a *Arbiter) UtteranceCompleted() {
	a.update("utterance_completed", a.release)
}

// UtteranceCancelled handles the endpoint confirming a cancellation.
func (a *Arbiter) UtteranceCancelled() {
	a.update("utterance_cancelled", a.release)
}

// ── Caller voice activity ─────────────────────────────────────────────────────

// CallerSpeechStarted handles the caller beginning to talk. While the
// assistant is speaking this is a barge-in: the state becomes
// AssistantSpeakingInterrupted, buffered assistant audio is flushed and the
// endpoint is asked to cancel, all before the method returns. While
// Listening with a completed response still playing, the queued tail is
// flushed and nothing is cancelled. It reports whether a barge-in happened.
func (a *Arbiter) CallerSpeechStarted() bool {
	tail := a.playing != nil && a.playing()

	a.mu.Lock()
	switch {
	case a.state == AssistantSpeaking:
		a.state = AssistantSpeakingInterrupted
		a.interruptedAt = a.now()
		a.bargeIns++
		cancel := a.inFlight
		a.mu.Unlock()

		a.notify(Transition{From: AssistantSpeaking, To: AssistantSpeakingInterrupted, Reason: "barge_in"})
		dropped := a.doFlush()
		a.log.Info("turn: barge-in", "flushed_frames", dropped)

		if cancel && a.ctrl != nil {
			if err := a.ctrl.CancelResponse(); err != nil {
				// The interrupt timeout still returns the arbiter to Listening.
				a.log.Warn("turn: cancel on barge-in failed", "err", err)
			}
		}
		return true

	case a.state == Listening && tail:
		a.bargeIns++
		a.mu.Unlock()

		dropped := a.doFlush()
		a.log.Info("turn: barge-in over playback tail", "flushed_frames", dropped)
		return true
	}
	a.mu.Unlock()
	return false
}

// CallerSpeechStopped handles the caller going quiet. The endpoint's own
// turn detection decides whether to respond, so this only logs.
func (a *Arbiter) CallerSpeechStopped() {
	a.log.Debug("turn: caller speech stopped", "state", a.State().String())
}

// ── Actions ───────────────────────────────────────────────────────────────────

// RequestResponse asks the endpoint to generate a response now. It fails
// with *ResponseAlreadyInProgressError if one is already in flight and
// never queues. On success the state becomes AssistantSpeaking.
func (a *Arbiter) RequestResponse() error {
	a.mu.Lock()
	if a.inFlight {
		st := a.state
		a.mu.Unlock()
		return &ResponseAlreadyInProgressError{State: st}
	}
	from := a.state
	a.inFlight = true
	a.state = AssistantSpeaking
	a.mu.Unlock()
	if from != AssistantSpeaking {
		a.notify(Transition{From: from, To: AssistantSpeaking, Reason: "response_requested"})
	}

	if a.ctrl == nil {
		return nil
	}
	if err := a.ctrl.RequestResponse(); err != nil {
		a.update("response_request_failed", func() {
			// Only undo our own claim; the endpoint may have answered anyway.
			if a.inFlight && a.state == AssistantSpeaking {
				a.inFlight = false
				a.state = from
			}
		})
		return err
	}
	return nil
}

// CancelResponse cancels the in-flight response. Buffered assistant audio
// is flushed immediately and the state becomes AssistantSpeakingInterrupted
// until the endpoint confirms. It fails with *ResponseNotInProgressError
// when nothing is in flight.
func (a *Arbiter) CancelResponse() error {
	a.mu.Lock()
	if !a.inFlight {
		st := a.state
		a.mu.Unlock()
		return &ResponseNotInProgressError{State: st}
	}
	from := a.state
	a.state = AssistantSpeakingInterrupted
	a.interruptedAt = a.now()
	a.mu.Unlock()
	if from != AssistantSpeakingInterrupted {
		a.notify(Transition{From: from, To: AssistantSpeakingInterrupted, Reason: "response_cancelled"})
	}

	a.doFlush()
	if a.ctrl != nil {
		return a.ctrl.CancelResponse()
	}
	return nil
}

// AcceptAudio reports whether an assistant audio chunk should be relayed to
// the caller. Audio arriving while Listening implies the endpoint started a
// response without announcing it, so the arbiter moves to AssistantSpeaking.
// Audio for an interrupted response is rejected.
func (a *Arbiter) AcceptAudio() bool {
	a.mu.Lock()
	switch a.state {
	case AssistantSpeaking:
		a.mu.Unlock()
		return true
	case AssistantSpeakingInterrupted:
		a.mu.Unlock()
		return false
	}
	a.state = AssistantSpeaking
	a.inFlight = true
	a.mu.Unlock()

	a.notify(Transition{From: Listening, To: AssistantSpeaking, Reason: "audio_delta"})
	return true
}

// Tick advances timers. An interruption that the endpoint has not
// confirmed within the interrupt timeout fails open to Listening.
func (a *Arbiter) Tick(now time.Time) {
	a.mu.Lock()
	if a.state != AssistantSpeakingInterrupted || now.Sub(a.interruptedAt) < a.interruptTimeout {
		a.mu.Unlock()
		return
	}
	a.release()
	a.failOpens++
	a.mu.Unlock()

	a.log.Warn("turn: cancellation not confirmed, returning to listening",
		"timeout", a.interruptTimeout,
	)
	a.notify(Transition{From: AssistantSpeakingInterrupted, To: Listening, Reason: "interrupt_timeout"})
}

// Reset returns the arbiter to Listening with nothing in flight. The call
// session invokes it whenever the call leaves the active state.
func (a *Arbiter) Reset() {
	a.update("reset", a.release)
}

// IsResponseConflict reports whether err is one of the arbiter's response
// contract errors.
func IsResponseConflict(err error) bool {
	var already *ResponseAlreadyInProgressError
	var notIn *ResponseNotInProgressError
	return errors.As(err, &already) || errors.As(err, &notIn)
}

// update runs fn under the lock and reports the resulting state change,
// if any, after releasing it.
func (a *Arbiter) update(reason string, fn func()) {
	a.mu.Lock()
	from := a.state
	fn()
	to := a.state
	a.mu.Unlock()
	if to != from {
		a.notify(Transition{From: from, To: to, Reason: reason})
	}
}

// release drops the claim and hands the floor back. Callers hold mu.
func (a *Arbiter) release() {
	a.inFlight = false
	a.state = Listening
}

func (a *Arbiter) notify(t Transition) {
	a.log.Debug("turn: transition", "from", t.From.String(), "to", t.To.String(), "reason", t.Reason)
	if a.onTransition != nil {
		a.onTransition(t)
	}
}

func (a *Arbiter) doFlush() int {
	if a.flush == nil {
		return 0
	}
	return a.flush()
}
