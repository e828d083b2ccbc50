package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// IncompatibleFallbackError is returned by [S2SFallback.AddFallback] when a
// fallback's audio rates differ from the primary's. A call builds its
// resamplers before connecting, so every entry must speak the same rates.
type IncompatibleFallbackError struct {
	Name      string
	Want, Got s2s.Capabilities
}

func (e *IncompatibleFallbackError) Error() string {
	return fmt.Sprintf("resilience: fallback %q uses %d/%d Hz, primary uses %d/%d Hz",
		e.Name, e.Got.InputSampleRate, e.Got.OutputSampleRate,
		e.Want.InputSampleRate, e.Want.OutputSampleRate)
}

// S2SFallback implements [s2s.Provider] with failover across several
// endpoints. Only Connect fails over; an established session stays on the
// endpoint that accepted it.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
	caps  s2s.Capabilities

	// OnConnect, if set, is called with the name of the endpoint that served
	// each successful Connect.
	OnConnect func(name string)
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// endpoint.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		caps:  primary.Capabilities(),
	}
}

// AddFallback registers an additional endpoint. It fails when the endpoint's
// sample rates differ from the primary's.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) error {
	got := p.Capabilities()
	if got.InputSampleRate != f.caps.InputSampleRate || got.OutputSampleRate != f.caps.OutputSampleRate {
		return &IncompatibleFallbackError{Name: name, Want: f.caps, Got: got}
	}
	f.group.AddFallback(name, p)
	return nil
}

// Connect opens a session on the first healthy endpoint.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	h, name, err := ExecuteWithResult(f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if f.OnConnect != nil {
		f.OnConnect(name)
	}
	return h, nil
}

// Capabilities returns the primary's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.caps
}

// Available reports whether any endpoint would currently accept a Connect.
func (f *S2SFallback) Available() bool {
	return f.group.Available()
}

// Breakers returns the breaker status of every endpoint.
func (f *S2SFallback) Breakers() []Snapshot {
	return f.group.Snapshots()
}
