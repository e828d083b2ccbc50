// Package mock provides an in-memory test double for calllog.Store.
//
// Saved records are kept and served back by Get, Recent and Search, so the
// mock behaves like a small real store. Exported *Err fields force failures.
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("Save"); got != 1 {
//	    t.Errorf("expected 1 Save call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/callbridge/internal/calllog"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable in-memory [calllog.Store].
type Store struct {
	mu      sync.Mutex
	calls   []Call
	records []calllog.Record

	SaveErr   error
	GetErr    error
	RecentErr error
	SearchErr error
	PingErr   error
}

var _ calllog.Store = (*Store)(nil)

// Save implements calllog.Store.
func (m *Store) Save(_ context.Context, r calllog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Save", Args: []any{r}})
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.records = slices.DeleteFunc(m.records, func(old calllog.Record) bool { return old.ID == r.ID })
	m.records = append(m.records, r)
	return nil
}

// Get implements calllog.Store.
func (m *Store) Get(_ context.Context, id string) (calllog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Get", Args: []any{id}})
	if m.GetErr != nil {
		return calllog.Record{}, m.GetErr
	}
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return calllog.Record{}, calllog.ErrNotFound
}

// Recent implements calllog.Store. Records come back newest first by
// StartedAt.
func (m *Store) Recent(_ context.Context, limit int) ([]calllog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{limit}})
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	out := make([]calllog.Record, 0, len(m.records))
	for _, r := range m.records {
		r.Transcripts = nil
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b calllog.Record) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search implements calllog.Store with a case-insensitive substring match.
func (m *Store) Search(_ context.Context, query string, opts calllog.SearchOpts) ([]calllog.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	q := strings.ToLower(query)
	out := []calllog.Match{}
	for _, r := range m.records {
		if opts.Caller != "" && r.Caller != opts.Caller {
			continue
		}
		for _, l := range r.Transcripts {
			switch {
			case !strings.Contains(strings.ToLower(l.Text), q):
			case opts.Speaker != "" && l.Speaker != opts.Speaker:
			case !opts.After.IsZero() && !l.At.After(opts.After):
			case !opts.Before.IsZero() && !l.At.Before(opts.Before):
			default:
				out = append(out, calllog.Match{CallID: r.ID, Caller: r.Caller, Line: l})
			}
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Ping implements calllog.Store.
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Records returns a copy of every saved record in save order.
func (m *Store) Records() []calllog.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
