// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script endpoint events and inspect which actions the call
// session issued.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventUtteranceStarted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities. Zero sample rates are
	// replaced by 16000 in / 24000 out.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(64), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.InputSampleRate == 0 {
		caps.InputSampleRate = 16000
	}
	if caps.OutputSampleRate == 0 {
		caps.OutputSampleRate = 24000
	}
	return caps
}

// Connects returns how many times Connect was called. Thread-safe.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Close closes the
// events channel, as real sessions do.
type Session struct {
	mu sync.Mutex

	events    chan s2s.Event
	closeOnce sync.Once
	closed    chan struct{}

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// RequestResponseErr, if non-nil, is returned by every RequestResponse call.
	RequestResponseErr error

	// CancelResponseErr, if non-nil, is returned by every CancelResponse call.
	CancelResponseErr error

	// UpdateInstructionsErr, if non-nil, is returned by every UpdateInstructions call.
	UpdateInstructionsErr error

	// ErrVal is returned by Err.
	ErrVal error

	// OnClose, if set, runs at the start of every Close call.
	OnClose func()

	// --- Call records ---

	sendAudioCalls          [][]byte
	requestResponseCalls    int
	cancelResponseCalls     int
	updateInstructionsCalls []string
	closeCalls              int
}

// NewSession returns a session whose event channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{
		events: make(chan s2s.Event, buffer),
		closed: make(chan struct{}),
	}
}

// Emit delivers evt to the consumer. It blocks while the buffer is full and
// reports false once the session has been closed.
func (s *Session) Emit(evt s2s.Event) (ok bool) {
	defer func() {
		// Sending on the closed channel means Close won the race.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- evt:
		return true
	case <-s.closed:
		return false
	}
}

// Drop simulates the endpoint disconnecting: Err starts returning err and
// the event channel closes.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	s.ErrVal = err
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.events)
	})
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sendAudioCalls = append(s.sendAudioCalls, cp)
	return s.SendAudioErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// RequestResponse records the call and returns RequestResponseErr.
func (s *Session) RequestResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestResponseCalls++
	return s.RequestResponseErr
}

// CancelResponse records the call and returns CancelResponseErr.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelResponseCalls++
	return s.CancelResponseErr
}

// UpdateInstructions records the call and returns UpdateInstructionsErr.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateInstructionsCalls = append(s.updateInstructionsCalls, instructions)
	return s.UpdateInstructionsErr
}

// Close records the call and closes the event channel. Idempotent.
func (s *Session) Close() error {
	if s.OnClose != nil {
		s.OnClose()
	}
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.events)
	})
	return nil
}

// SentAudio returns copies of every chunk passed to SendAudio. Thread-safe.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sendAudioCalls))
	copy(out, s.sendAudioCalls)
	return out
}

// RequestResponseCalls returns how many times RequestResponse was called.
func (s *Session) RequestResponseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestResponseCalls
}

// CancelResponseCalls returns how many times CancelResponse was called.
func (s *Session) CancelResponseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelResponseCalls
}

// UpdateInstructionsCalls returns every instruction string received.
func (s *Session) UpdateInstructionsCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updateInstructionsCalls...)
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// IsClosed reports whether Close or Drop has been called.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
