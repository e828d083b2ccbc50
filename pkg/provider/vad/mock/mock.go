// Package mock provides scriptable stand-ins for a local VAD engine.
package mock

import (
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/vad"
)

// Engine hands out Session, or a fresh [Session] when Session is nil, and
// remembers the config of every request.
type Engine struct {
	Session vad.SessionHandle
	// Err fails every NewSession.
	Err error

	mu      sync.Mutex
	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the config of every NewSession call so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays Script one event per frame and then answers every frame
// with Default.
type Session struct {
	Script  []vad.Event
	Default vad.Event
	// Err fails every ProcessFrame.
	Err error

	mu     sync.Mutex
	frames int
	closes int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame([]int16) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.Err != nil {
		return vad.Event{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.Default, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

func (s *Session) Reset() {}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Frames reports how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closes reports how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
