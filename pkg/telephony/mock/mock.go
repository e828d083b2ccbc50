// Package mock provides a scripted test double for telephony.Call.
//
// Tests push caller audio with Push, drive lifecycle with Ring and RemoteHangup,
// and inspect what the code under test wrote with Written.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
	"github.com/MrWong99/callbridge/pkg/telephony"
)

// Call is a mock implementation of telephony.Call.
type Call struct {
	CallID   string
	From     string
	CodecID  codec.ID
	Interval time.Duration

	// AnswerErr, if non-nil, is returned by Answer.
	AnswerErr error

	// WriteErr, if non-nil, is returned by Write.
	WriteErr error

	audio  chan []byte
	events chan telephony.Event

	mu          sync.Mutex
	written     [][]byte
	writeTimes  []time.Time
	answerCalls int
	hangupCalls int
	ended       bool
	audioClosed bool
	onWrite     func([]byte)
}

// NewCall returns a call using codec id with 20 ms frames.
func NewCall(id string, c codec.ID) *Call {
	return &Call{
		CallID:   id,
		From:     "sip:caller@example.com",
		CodecID:  c,
		Interval: 20 * time.Millisecond,
		audio:    make(chan []byte, 256),
		events:   make(chan telephony.Event, 16),
	}
}

var _ telephony.Call = (*Call)(nil)

func (c *Call) ID() string                     { return c.CallID }
func (c *Call) Caller() string                 { return c.From }
func (c *Call) Codec() codec.ID                { return c.CodecID }
func (c *Call) FrameDuration() time.Duration   { return c.Interval }
func (c *Call) Audio() <-chan []byte           { return c.audio }
func (c *Call) Events() <-chan telephony.Event { return c.events }

// Answer records the call and emits EventAccepted.
func (c *Call) Answer(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerCalls++
	if c.ended {
		return telephony.ErrCallClosed
	}
	if c.AnswerErr != nil {
		return c.AnswerErr
	}
	c.events <- telephony.Event{Type: telephony.EventAccepted}
	return nil
}

// Hangup records the call and ends it locally.
func (c *Call) Hangup(_ context.Context) error {
	c.mu.Lock()
	c.hangupCalls++
	c.mu.Unlock()
	c.end(false, "local")
	return nil
}

// Write records payload.
func (c *Call) Write(payload []byte) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return telephony.ErrCallClosed
	}
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.written = append(c.written, cp)
	c.writeTimes = append(c.writeTimes, time.Now())
	fn := c.onWrite
	c.mu.Unlock()
	if fn != nil {
		fn(cp)
	}
	return nil
}

// Ring emits EventRinging.
func (c *Call) Ring() { c.events <- telephony.Event{Type: telephony.EventRinging} }

// Push delivers one encoded caller payload. It returns false after the media
// path has been closed.
func (c *Call) Push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioClosed {
		return false
	}
	c.audio <- payload
	return true
}

// RemoteHangup ends the call as if the far end sent BYE.
func (c *Call) RemoteHangup() { c.end(true, "bye") }

// DropMedia closes the audio channel without a hangup event, simulating a
// dead media path.
func (c *Call) DropMedia() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.audioClosed {
		c.audioClosed = true
		close(c.audio)
	}
}

// OnWrite registers fn to observe every written frame.
func (c *Call) OnWrite(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

func (c *Call) end(remote bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.events <- telephony.Event{Type: telephony.EventHangup, Remote: remote, Reason: reason}
	close(c.events)
	if !c.audioClosed {
		c.audioClosed = true
		close(c.audio)
	}
}

// Written returns a copy of every frame written so far.
func (c *Call) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WriteTimes returns the wall-clock time of every write.
func (c *Call) WriteTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.writeTimes))
	copy(out, c.writeTimes)
	return out
}

// AnswerCalls returns how many times Answer was called.
func (c *Call) AnswerCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answerCalls
}

// HangupCalls returns how many times Hangup was called.
func (c *Call) HangupCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupCalls
}

// Ended reports whether the call has ended.
func (c *Call) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Server is a mock telephony.Server fed by Offer.
type Server struct {
	calls chan telephony.Call
}

// NewServer returns a Server with a small buffer.
func NewServer() *Server { return &Server{calls: make(chan telephony.Call, 4)} }

// Calls implements telephony.Server.
func (s *Server) Calls() <-chan telephony.Call { return s.calls }

// Offer queues c as an incoming call.
func (s *Server) Offer(c telephony.Call) { s.calls <- c }

// Close closes the call channel.
func (s *Server) Close() { close(s.calls) }
