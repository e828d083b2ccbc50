package sip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedRegister struct {
	mu      sync.Mutex
	results []error
	expiry  []time.Duration
}

func (s *scriptedRegister) fn(_ context.Context, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = append(s.expiry, expiry)
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func (s *scriptedRegister) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.expiry...)
}

func TestRegistrar_Defaults(t *testing.T) {
	t.Parallel()

	r := newRegistrar(nil, RegistrarConfig{Registrar: "pbx.example.com"})
	if r.expiry != 300*time.Second {
		t.Errorf("expiry = %v, want 300s", r.expiry)
	}
	if r.backoff != time.Second {
		t.Errorf("backoff = %v, want 1s", r.backoff)
	}
	if r.maxBackoff != 60*time.Second {
		t.Errorf("maxBackoff = %v, want 60s", r.maxBackoff)
	}
}

func TestRegistrar_RetriesWithBackoffThenRefreshes(t *testing.T) {
	t.Parallel()

	down := errors.New("503 service unavailable")
	script := &scriptedRegister{results: []error{down, down, nil}}
	r := newRegistrar(script.fn, RegistrarConfig{
		Registrar:  "pbx.example.com",
		Expiry:     50 * time.Millisecond,
		Backoff:    time.Millisecond,
		MaxBackoff: 4 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !r.Registered() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.Registered() {
		t.Fatalf("not registered after retries, last error %v", r.LastError())
	}

	// One refresh at 80% of the 50 ms lifetime.
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	calls := script.calls()
	if len(calls) < 4 {
		t.Fatalf("register calls = %d, want failures, success and a refresh", len(calls))
	}
	if last := calls[len(calls)-1]; last != 0 {
		t.Errorf("final REGISTER expiry = %v, want 0 (unregister)", last)
	}
	if r.Registered() {
		t.Error("Registered should be false after shutdown")
	}
}

func TestRegistrar_NoUnregisterWhenNeverRegistered(t *testing.T) {
	t.Parallel()

	script := &scriptedRegister{results: []error{errors.New("401"), errors.New("401"), errors.New("401")}}
	r := newRegistrar(script.fn, RegistrarConfig{
		Registrar: "pbx.example.com",
		Backoff:   time.Hour,
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	for r.Attempts() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	for _, e := range script.calls() {
		if e == 0 {
			t.Error("unregister sent without a binding")
		}
	}
	if r.LastError() == nil {
		t.Error("LastError should report the failure")
	}
}
